package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/novair/lib-eventflow/backoff"
	"github.com/novair/lib-eventflow/log"
)

// ErrNilConnection is returned when a method is called on a nil Connection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

// reconnectBackoffCap bounds the delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

const reconnectBackoffBase = 500 * time.Millisecond

// Connection manages a single AMQP connection and its default channel.
// Reconnects are rate-limited with exponential backoff so a down broker
// does not get hammered by every caller at once.
type Connection struct {
	mu sync.Mutex

	// ConnectionString is the full AMQP URI. Use BuildConnectionString to
	// assemble one safely.
	ConnectionString string `json:"-"`

	Connection *amqp.Connection
	Channel    *amqp.Channel
	Logger     log.Logger
	Connected  bool

	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(*amqp.Connection) (*amqp.Channel, error)
	connectionCloser   func(*amqp.Connection) error
	channelCloser      func(*amqp.Channel) error
	connectionClosedFn func(*amqp.Connection) bool
	channelClosedFn    func(*amqp.Channel) bool

	connectionFailures metric.Int64Counter
	metricsOnce        sync.Once

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// Connect dials the broker and opens the default channel.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	tracer := otel.Tracer("eventflow.rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	rc.mu.Lock()
	rc.applyDefaults()
	connStr := rc.ConnectionString
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	connCloser := rc.connectionCloser
	connectionClosedFn := rc.connectionClosedFn
	logger := rc.logger()
	rc.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := dialer(ctx, connStr)
	if err != nil {
		rc.recordConnectionFailure(ctx, "connect")
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, connStr)))

		return newSanitizedError(err, connStr, "failed to connect to rabbitmq")
	}

	ch, err := channelFactory(conn)
	if err != nil {
		rc.closeConnectionWith(conn, connCloser)
		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	rc.mu.Lock()
	// Another caller may have connected while we dialed; keep theirs.
	if rc.Connection != nil && rc.Connection != conn && !connectionClosedFn(rc.Connection) {
		rc.mu.Unlock()

		rc.closeConnectionWith(conn, connCloser)

		return nil
	}

	rc.Connected = true
	rc.Connection = conn
	rc.Channel = ch
	rc.reconnectAttempts = 0
	rc.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// EnsureChannel reopens the connection and channel as needed, enforcing a
// backoff between failed reconnect attempts.
func (rc *Connection) EnsureChannel(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	rc.applyDefaults()

	needConnection := rc.Connection == nil || rc.connectionClosedFn(rc.Connection)
	needChannel := needConnection || rc.Channel == nil || rc.channelClosedFn(rc.Channel)

	if !needChannel {
		rc.mu.Unlock()

		return nil
	}

	if needConnection && rc.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(reconnectBackoffBase, rc.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
			rc.mu.Unlock()

			return fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	if needConnection {
		rc.lastReconnectAttempt = time.Now()
	}

	connStr := rc.ConnectionString
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	connCloser := rc.connectionCloser
	existingConn := rc.Connection
	logger := rc.logger()
	rc.mu.Unlock()

	conn := existingConn

	if needConnection {
		newConn, err := dialer(ctx, connStr)
		if err != nil {
			rc.recordConnectionFailure(ctx, "ensure_channel_connect")
			logger.Log(ctx, log.LevelError, "failed to reconnect to rabbitmq",
				log.String("error_detail", sanitizeAMQPErr(err, connStr)))

			rc.mu.Lock()
			rc.Connected = false
			rc.reconnectAttempts++
			rc.mu.Unlock()

			return newSanitizedError(err, connStr, "can't connect to rabbitmq")
		}

		conn = newConn
	}

	ch, err := channelFactory(conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		if needConnection {
			rc.closeConnectionWith(conn, connCloser)
		}

		rc.recordConnectionFailure(ctx, "ensure_channel")
		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		rc.mu.Lock()
		if needConnection && rc.Connection == existingConn {
			rc.Connection = nil
		}

		rc.Channel = nil
		rc.Connected = false
		rc.mu.Unlock()

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	if needConnection {
		rc.Connection = conn
		rc.reconnectAttempts = 0
	}

	rc.Channel = ch
	rc.Connected = true
	rc.mu.Unlock()

	return nil
}

// GetChannel returns an open channel, reconnecting if necessary.
func (rc *Connection) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()
	rc.applyDefaults()

	if rc.Connected && rc.Channel != nil && !rc.channelClosedFn(rc.Channel) {
		ch := rc.Channel
		rc.mu.Unlock()

		return ch, nil
	}
	rc.mu.Unlock()

	if err := rc.EnsureChannel(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Channel == nil {
		rc.Connected = false

		return nil, errors.New("rabbitmq channel not available")
	}

	return rc.Channel, nil
}

// NewChannel opens a fresh dedicated channel on the managed connection,
// for callers that must not share the default channel (confirm-mode
// publishers, consumers).
func (rc *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if err := rc.EnsureChannel(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	conn := rc.Connection
	channelFactory := rc.channelFactory
	rc.mu.Unlock()

	ch, err := channelFactory(conn)
	if err != nil {
		return nil, fmt.Errorf("opening dedicated channel: %w", err)
	}

	return ch, nil
}

// HealthCheck reports whether the connection and default channel are open.
func (rc *Connection) HealthCheck() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.applyDefaults()

	return rc.Connected &&
		rc.Connection != nil && !rc.connectionClosedFn(rc.Connection) &&
		rc.Channel != nil && !rc.channelClosedFn(rc.Channel)
}

// Close closes the channel and connection, joining both errors.
func (rc *Connection) Close(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()
	rc.applyDefaults()
	channel := rc.Channel
	connection := rc.Connection
	chCloser := rc.channelCloser
	connCloser := rc.connectionCloser
	logger := rc.logger()
	rc.Connection = nil
	rc.Channel = nil
	rc.Connected = false
	rc.mu.Unlock()

	var closeErr error

	if channel != nil {
		if err := chCloser(channel); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if connection != nil {
		if err := connCloser(connection); err != nil {
			connErr := fmt.Errorf("failed to close rabbitmq connection: %w", err)
			closeErr = errors.Join(closeErr, connErr)

			logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	return closeErr
}

func (rc *Connection) applyDefaults() {
	if rc.dialer == nil {
		rc.dialer = func(_ context.Context, connectionString string) (*amqp.Connection, error) {
			return amqp.Dial(connectionString)
		}
	}

	if rc.channelFactory == nil {
		rc.channelFactory = func(connection *amqp.Connection) (*amqp.Channel, error) {
			if connection == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return connection.Channel()
		}
	}

	if rc.connectionCloser == nil {
		rc.connectionCloser = func(connection *amqp.Connection) error {
			if connection == nil {
				return nil
			}

			return connection.Close()
		}
	}

	if rc.channelCloser == nil {
		rc.channelCloser = func(ch *amqp.Channel) error {
			if ch == nil {
				return nil
			}

			return ch.Close()
		}
	}

	if rc.connectionClosedFn == nil {
		rc.connectionClosedFn = func(connection *amqp.Connection) bool {
			return connection == nil || connection.IsClosed()
		}
	}

	if rc.channelClosedFn == nil {
		rc.channelClosedFn = func(ch *amqp.Channel) bool {
			return ch == nil || ch.IsClosed()
		}
	}
}

func (rc *Connection) closeConnectionWith(connection *amqp.Connection, closer func(*amqp.Connection) error) {
	if closer == nil {
		return
	}

	if err := closer(connection); err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn,
			"failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

//nolint:ireturn
func (rc *Connection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return log.NewNop()
	}

	return rc.Logger
}

func (rc *Connection) recordConnectionFailure(ctx context.Context, operation string) {
	if rc == nil {
		return
	}

	rc.metricsOnce.Do(func() {
		counter, err := otel.Meter("eventflow.rabbitmq").Int64Counter(
			"rabbitmq.connection.failures",
			metric.WithDescription("Total number of rabbitmq connection failures"),
			metric.WithUnit("1"),
		)
		if err != nil {
			rc.logger().Log(ctx, log.LevelWarn, "failed to create rabbitmq failure counter", log.Err(err))

			return
		}

		rc.connectionFailures = counter
	})

	if rc.connectionFailures == nil {
		return
	}

	rc.connectionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)))
}

// sanitizedError wraps the original error behind a redacted message so that
// errors.Is / errors.As keep working while credentials never surface.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := strings.ReplaceAll(err.Error(), connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	// The error may carry the password in decoded form.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString assembles an AMQP URI, URL-encoding credentials and
// vhost. An empty vhost means the default "/" vhost. Bare IPv6 hosts are
// bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	if vhost != "" {
		// QueryEscape rather than PathEscape: vhost names may contain '/'
		// which must become %2F.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
