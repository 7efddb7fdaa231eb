// Package redis provides a managed go-redis client with validated topology
// configuration, TLS support, and rate-limited reconnection.
//
// The idempotency package builds its Redis-backed store on top of this
// client.
package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/novair/lib-eventflow/backoff"
	"github.com/novair/lib-eventflow/log"
)

// Client errors.
var (
	ErrClientRequired = errors.New("redis client is required")
	ErrNotConnected   = errors.New("redis client is not connected")
	ErrInvalidConfig  = errors.New("invalid redis config")
)

// reconnectBackoffCap bounds the delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// Config defines Redis topology, auth, TLS, and connection settings.
type Config struct {
	Topology Topology
	TLS      *TLSConfig
	Password string
	Options  ConnectionOptions
	Logger   log.Logger
}

// Topology selects exactly one Redis deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology configures single-node Redis access.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology configures Redis Sentinel access.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology configures Redis cluster access.
type ClusterTopology struct {
	Addresses []string
}

// TLSConfig configures TLS validation for Redis connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// ConnectionOptions configures protocol, timeouts, pools, and retries.
type ConnectionOptions struct {
	DB              int
	Protocol        int
	PoolSize        int
	MinIdleConns    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Client wraps a redis.UniversalClient with validated configuration and
// rate-limited on-demand reconnection.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	connected bool

	// Reconnect rate-limiting keeps a flapping server from being hammered
	// by every caller that hits GetClient at once.
	lastReconnectAttempt time.Time
	reconnectAttempts    int

	// test seam
	clientFactory func(*redis.UniversalOptions) redis.UniversalClient
}

// New validates config, connects to Redis, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := &Client{
		cfg:           normalized,
		logger:        normalized.Logger,
		clientFactory: redis.NewUniversalClient,
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// Connect establishes a Redis connection using the current configuration.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrClientRequired
	}

	ctx, span := otel.Tracer("eventflow.redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		recordConnectionFailure(ctx, "connect")
		span.RecordError(err)

		return err
	}

	return nil
}

// GetClient returns a connected redis client, reconnecting on demand.
// Reconnect attempts are rate-limited with exponential backoff.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrClientRequired
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("%w: rate-limited (next attempt in %s)", ErrNotConnected, delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	ctx, span := otel.Tracer("eventflow.redis").Start(ctx, "redis.reconnect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++

		recordConnectionFailure(ctx, "reconnect")
		span.RecordError(err)

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	if c == nil {
		return ErrClientRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeClientLocked()
}

// IsConnected reports whether the underlying client is currently connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// HealthCheck pings the server through the live client.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil {
		return ErrClientRequired
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.Log(ctx, log.LevelInfo, "connecting to redis")

	if c.client != nil {
		if err := c.closeClientLocked(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
		}
	}

	opts, err := c.buildUniversalOptionsLocked()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	factory := c.clientFactory
	if factory == nil {
		factory = redis.NewUniversalClient
	}

	client := factory(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()

		c.connected = false
		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = client
	c.connected = true

	c.logger.Log(ctx, log.LevelInfo, "connected to redis")

	if c.cfg.TLS == nil {
		c.logger.Log(ctx, log.LevelWarn, "redis connection established without TLS")
	}

	return nil
}

func (c *Client) closeClientLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	return err
}

func (c *Client) buildUniversalOptionsLocked() (*redis.UniversalOptions, error) {
	o := c.cfg.Options
	opts := &redis.UniversalOptions{
		DB:              o.DB,
		Protocol:        o.Protocol,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
		Password:        c.cfg.Password,
	}

	if c.cfg.Topology.Standalone != nil {
		opts.Addrs = []string{c.cfg.Topology.Standalone.Address}
	}

	if c.cfg.Topology.Sentinel != nil {
		opts.Addrs = c.cfg.Topology.Sentinel.Addresses
		opts.MasterName = c.cfg.Topology.Sentinel.MasterName
	}

	if c.cfg.Topology.Cluster != nil {
		opts.Addrs = c.cfg.Topology.Cluster.Addresses
	}

	// A zero-value Config would leave Addrs nil, which go-redis silently
	// turns into localhost:6379.
	if len(opts.Addrs) == 0 {
		return nil, configError("no topology configured: at least one address is required")
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("redis: TLS config: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	normalizeConnectionOptionsDefaults(&cfg.Options)
	normalizeTLSDefaults(cfg.TLS)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const maxPoolSize = 1000

func normalizeConnectionOptionsDefaults(options *ConnectionOptions) {
	if options.PoolSize == 0 {
		options.PoolSize = 10
	}

	if options.PoolSize > maxPoolSize {
		options.PoolSize = maxPoolSize
	}

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 3 * time.Second
	}

	if options.WriteTimeout == 0 {
		options.WriteTimeout = 3 * time.Second
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = 5 * time.Second
	}

	if options.PoolTimeout == 0 {
		options.PoolTimeout = 2 * time.Second
	}

	if options.MaxRetries == 0 {
		options.MaxRetries = 3
	}

	if options.MinRetryBackoff == 0 {
		options.MinRetryBackoff = 8 * time.Millisecond
	}

	if options.MaxRetryBackoff == 0 {
		options.MaxRetryBackoff = 1 * time.Second
	}
}

func normalizeTLSDefaults(tlsCfg *TLSConfig) {
	if tlsCfg == nil {
		return
	}

	if tlsCfg.MinVersion < tls.VersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
}

func validateConfig(cfg Config) error {
	if err := validateTopology(cfg.Topology); err != nil {
		return err
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if len(topology.Sentinel.Addresses) == 0 {
			return configError("sentinel addresses are required")
		}

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}

		for _, address := range topology.Sentinel.Addresses {
			if strings.TrimSpace(address) == "" {
				return configError("sentinel addresses cannot be empty")
			}
		}
	}

	if topology.Cluster != nil {
		count++

		if len(topology.Cluster.Addresses) == 0 {
			return configError("cluster addresses are required")
		}

		for _, address := range topology.Cluster.Addresses {
			if strings.TrimSpace(address) == "" {
				return configError("cluster addresses cannot be empty")
			}
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, err
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("adding CA cert failed")
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: cfg.MinVersion,
	}, nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

var (
	metricsOnce    sync.Once
	failureCounter metric.Int64Counter
)

func recordConnectionFailure(ctx context.Context, operation string) {
	metricsOnce.Do(func() {
		meter := otel.Meter("eventflow.redis")
		failureCounter, _ = meter.Int64Counter("redis.connection.failures",
			metric.WithDescription("Total number of redis connection failures"))
	})

	if failureCounter != nil {
		failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}
