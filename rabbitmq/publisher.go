package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/novair/lib-eventflow/backoff"
	"github.com/novair/lib-eventflow/internal/nilcheck"
	"github.com/novair/lib-eventflow/log"
	"github.com/novair/lib-eventflow/runtime"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherNotReady      = errors.New("confirmable publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrReconnectAfterClose    = errors.New("cannot reconnect: publisher was explicitly closed")
	ErrReconnectWhileOpen     = errors.New("cannot reconnect: publisher is still open, call Close first")
	ErrRecoveryExhausted      = errors.New("automatic recovery exhausted all attempts")
)

const (
	// DefaultConfirmTimeout bounds the wait for one broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover the maximum unconfirmed messages so
	// the broker never blocks delivering confirms.
	confirmChannelBuffer = 256

	// DefaultMaxRecoveryAttempts bounds consecutive channel recoveries.
	DefaultMaxRecoveryAttempts = 10

	// DefaultRecoveryBackoffInitial seeds the recovery backoff.
	DefaultRecoveryBackoffInitial = time.Second

	// DefaultRecoveryBackoffMax caps the recovery backoff.
	DefaultRecoveryBackoffMax = 30 * time.Second
)

// HealthState is the publisher's connection health.
type HealthState int

const (
	// HealthStateConnected means the publisher can publish.
	HealthStateConnected HealthState = iota

	// HealthStateReconnecting means the channel closed and recovery is in
	// progress.
	HealthStateReconnecting

	// HealthStateDisconnected means recovery is exhausted or the publisher
	// was closed; a new publisher is required.
	HealthStateDisconnected
)

func (h HealthState) String() string {
	switch h {
	case HealthStateConnected:
		return "connected"
	case HealthStateReconnecting:
		return "reconnecting"
	case HealthStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ChannelProvider supplies a fresh dedicated channel during recovery.
type ChannelProvider func() (ConfirmableChannel, error)

// HealthCallback observes health state transitions.
type HealthCallback func(HealthState)

// ConfirmableChannel is the channel surface the publisher needs. *amqp.Channel
// satisfies it.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

type recoveryConfig struct {
	provider       ChannelProvider
	healthCallback HealthCallback
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// ConfirmablePublisher publishes with broker confirms enabled.
//
// Publish calls are serialized per instance: one publish+confirm flow at a
// time, which keeps confirm ordering without delivery-tag bookkeeping. Shard
// across instances for throughput.
type ConfirmablePublisher struct {
	mu        sync.RWMutex
	publishMu sync.Mutex

	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      *sync.Once
	done           chan struct{}
	logger         log.Logger
	confirmTimeout time.Duration
	recovery       *recoveryConfig

	health            HealthState
	closed            bool
	shutdown          bool
	recoveryExhausted bool
}

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithPublisherLogger sets the structured logger.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfirmTimeout bounds the wait for each broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithAutoRecovery enables channel recovery through provider.
func WithAutoRecovery(provider ChannelProvider) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if provider == nil {
			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.provider = provider
	}
}

// WithMaxRecoveryAttempts sets the consecutive recovery attempt budget.
func WithMaxRecoveryAttempts(maxAttempts int) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if maxAttempts <= 0 {
			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.maxAttempts = maxAttempts
	}
}

// WithRecoveryBackoff sets the initial and maximum recovery backoff.
func WithRecoveryBackoff(initial, maxBackoff time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if initial <= 0 || maxBackoff <= 0 || initial > maxBackoff {
			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.backoffInitial = initial
		pub.recovery.backoffMax = maxBackoff
	}
}

// WithHealthCallback registers a health transition observer.
func WithHealthCallback(fn HealthCallback) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if fn == nil {
			return
		}

		pub.ensureRecoveryConfig()
		pub.recovery.healthCallback = fn
	}
}

// NewConfirmablePublisher opens a dedicated channel on conn and enables
// confirm mode on it.
func NewConfirmablePublisher(
	ctx context.Context,
	conn *Connection,
	opts ...PublisherOption,
) (*ConfirmablePublisher, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	channel, err := conn.NewChannel(ctx)
	if err != nil {
		return nil, err
	}

	return NewConfirmablePublisherFromChannel(channel, opts...)
}

// NewConfirmablePublisherFromChannel wraps an existing channel. The channel
// must be dedicated to this publisher.
func NewConfirmablePublisherFromChannel(
	ch ConfirmableChannel,
	opts ...PublisherOption,
) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	publisher := &ConfirmablePublisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		closeOnce:      &sync.Once{},
		done:           make(chan struct{}),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		health:         HealthStateConnected,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.startCloseMonitor(closeNotify)

	return publisher, nil
}

func (pub *ConfirmablePublisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	monitorDone := pub.done

	runtime.SafeGo(pub.logger, "confirmable-publisher-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			pub.handleMonitoredClose(amqpErr)
		case <-monitorDone:
		}
	})
}

func (pub *ConfirmablePublisher) handleMonitoredClose(amqpErr *amqp.Error) {
	pub.mu.Lock()
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	hasRecovery := pub.recovery != nil && pub.recovery.provider != nil
	pub.closed = true
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if hasRecovery {
		pub.attemptAutoRecovery(amqpErr)

		return
	}

	pub.emitHealthState(HealthStateDisconnected)
}

func (pub *ConfirmablePublisher) attemptAutoRecovery(amqpErr *amqp.Error) {
	pub.mu.RLock()
	recovery := pub.recovery
	logger := pub.logger
	pub.mu.RUnlock()

	pub.emitHealthState(HealthStateReconnecting)

	closeReason := "unknown"
	if amqpErr != nil {
		closeReason = sanitizeAMQPErr(amqpErr, "")
	}

	logger.Log(context.Background(), log.LevelWarn,
		"rabbitmq channel closed, starting auto-recovery",
		log.String("reason", closeReason),
		log.Int("max_attempts", recovery.maxAttempts))

	if !pub.prepareForRecovery() {
		logger.Log(context.Background(), log.LevelInfo, "recovery aborted, publisher is shutting down")
		pub.emitHealthState(HealthStateDisconnected)

		return
	}

	pub.mu.RLock()
	recoveryStop := pub.done
	pub.mu.RUnlock()

	for attempt := range recovery.maxAttempts {
		if pub.recoverOnce(recovery, logger, recoveryStop, attempt) {
			return
		}
	}

	logger.Log(context.Background(), log.LevelError,
		"auto-recovery exhausted, publisher is disconnected",
		log.Int("attempts", recovery.maxAttempts))

	pub.mu.Lock()
	pub.recoveryExhausted = true
	pub.mu.Unlock()

	pub.emitHealthState(HealthStateDisconnected)
}

// recoverOnce runs one backoff-then-reconnect attempt. It returns true when
// the recovery loop should stop, either because the publisher reconnected or
// because it was closed externally.
func (pub *ConfirmablePublisher) recoverOnce(
	recovery *recoveryConfig,
	logger log.Logger,
	recoveryStop <-chan struct{},
	attempt int,
) bool {
	delay := backoff.ExponentialWithJitter(recovery.backoffInitial, attempt)
	if delay > recovery.backoffMax {
		delay = backoff.FullJitter(recovery.backoffMax)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-recoveryStop:
		logger.Log(context.Background(), log.LevelInfo, "recovery aborted, publisher closed externally")
		pub.emitHealthState(HealthStateDisconnected)

		return true
	}

	newCh, err := recovery.provider()
	if err != nil {
		logger.Log(context.Background(), log.LevelWarn, "recovery attempt failed",
			log.Int("attempt", attempt+1),
			log.String("error_detail", sanitizeAMQPErr(err, "")))

		return false
	}

	if err := pub.Reconnect(newCh); err != nil {
		logger.Log(context.Background(), log.LevelWarn, "recovery reconnect failed",
			log.Int("attempt", attempt+1),
			log.String("error_detail", sanitizeAMQPErr(err, "")))

		if !nilcheck.Interface(newCh) {
			_ = newCh.Close()
		}

		return false
	}

	logger.Log(context.Background(), log.LevelInfo, "auto-recovery succeeded",
		log.Int("attempt", attempt+1))

	pub.emitHealthState(HealthStateConnected)

	return true
}

// prepareForRecovery tears down the dead channel state so Reconnect can
// install a fresh one. Returns false when the publisher is shutting down.
func (pub *ConfirmablePublisher) prepareForRecovery() bool {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()

		return false
	}

	currentCh := pub.ch
	confirms := pub.confirms
	confirmTimeout := pub.confirmTimeout

	pub.closed = true
	pub.recoveryExhausted = false
	pub.ch = nil
	safeCloseSignal(pub.done)
	pub.closeOnce.Do(func() { close(pub.closedCh) })
	pub.mu.Unlock()

	if !nilcheck.Interface(currentCh) {
		_ = currentCh.Close()
	}

	drainConfirms(confirms, confirmTimeout)

	pub.mu.Lock()
	pub.done = make(chan struct{})
	pub.mu.Unlock()

	return true
}

func (pub *ConfirmablePublisher) emitHealthState(state HealthState) {
	pub.mu.Lock()
	pub.health = state
	recovery := pub.recovery
	pub.mu.Unlock()

	if recovery == nil || recovery.healthCallback == nil {
		return
	}

	recovery.healthCallback(state)
}

// Publish sends a message and synchronously waits for broker confirmation.
func (pub *ConfirmablePublisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		recoveryExhausted := pub.recoveryExhausted
		pub.mu.RUnlock()

		if recoveryExhausted {
			return fmt.Errorf("%w: %w", ErrPublisherClosed, ErrRecoveryExhausted)
		}

		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()

		return ErrPublisherNotReady
	}

	publishChannel := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := publishChannel.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// A confirmation is still in flight for this publish and would
		// desynchronize the next wait. Kill the channel; the close monitor
		// recovers it once publishMu is released.
		pub.invalidateChannel(publishChannel)
	}

	return err
}

func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidateChannel must be called while holding publishMu.
func (pub *ConfirmablePublisher) invalidateChannel(ch ConfirmableChannel) {
	pub.mu.Lock()
	pub.closed = true
	pub.ch = nil
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !nilcheck.Interface(ch) {
		_ = ch.Close()
	}
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close drains pending confirmations and permanently closes the publisher.
// Reconnect is rejected afterwards.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	pub.recoveryExhausted = false
	currentCh := pub.ch
	safeCloseSignal(pub.done)
	pub.closeOnce.Do(func() { close(pub.closedCh) })
	pub.mu.Unlock()

	if !nilcheck.Interface(currentCh) {
		if err := currentCh.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	drainConfirms(pub.confirms, pub.confirmTimeout)
	pub.emitHealthState(HealthStateDisconnected)

	return nil
}

// Reconnect installs a fresh channel after an operational close. After an
// explicit Close the publisher is terminal and Reconnect fails.
func (pub *ConfirmablePublisher) Reconnect(ch ConfirmableChannel) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if !pub.closed {
		return ErrReconnectWhileOpen
	}

	if pub.shutdown {
		return ErrReconnectAfterClose
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = make(chan struct{})
	pub.closeOnce = &sync.Once{}

	if pub.done == nil {
		pub.done = make(chan struct{})
	}

	pub.closed = false
	pub.recoveryExhausted = false

	pub.startCloseMonitor(closeNotify)

	return nil
}

// Channel returns the underlying channel, or nil when not ready.
//
//nolint:ireturn
func (pub *ConfirmablePublisher) Channel() ConfirmableChannel {
	if pub == nil {
		return nil
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	if pub.closed {
		return nil
	}

	return pub.ch
}

// HealthState returns the current health snapshot.
func (pub *ConfirmablePublisher) HealthState() HealthState {
	if pub == nil {
		return HealthStateDisconnected
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.health
}

func (pub *ConfirmablePublisher) ensureRecoveryConfig() {
	if pub.recovery != nil {
		return
	}

	pub.recovery = &recoveryConfig{
		maxAttempts:    DefaultMaxRecoveryAttempts,
		backoffInitial: DefaultRecoveryBackoffInitial,
		backoffMax:     DefaultRecoveryBackoffMax,
	}
}

func safeCloseSignal(ch chan struct{}) {
	if ch == nil {
		return
	}

	select {
	case <-ch:
	default:
		close(ch)
	}
}

// confirmDrainIdleWindow is how long drainConfirms waits for a late confirm
// before deciding the stream is quiet.
const confirmDrainIdleWindow = 50 * time.Millisecond

func drainConfirms(confirms <-chan amqp.Confirmation, timeout time.Duration) {
	if confirms == nil {
		return
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	idle := time.NewTimer(confirmDrainIdleWindow)
	defer idle.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}

			if !idle.Stop() {
				<-idle.C
			}

			idle.Reset(confirmDrainIdleWindow)
		case <-idle.C:
			return
		case <-grace.C:
			return
		}
	}
}
