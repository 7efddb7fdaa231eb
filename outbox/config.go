package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/novair/lib-eventflow/internal/nilcheck"
)

const (
	defaultPollInterval              = 5 * time.Second
	defaultBatchSize                 = 100
	defaultMaxAttempts               = 5
	defaultPublishMaxAttempts        = 1
	defaultPublishBackoff            = 200 * time.Millisecond
	defaultVisibilityTimeout         = 10 * time.Minute
	defaultMaxTenantMetricDimensions = 1000
	defaultSweepLockKey              = "eventflow:outbox:sweep"
	tenantMetricOverflowLabel        = "_other"
	tenantMetricFallbackLabel        = "_default"
)

// ProcessorConfig controls polling cadence, batch sizing, and retry behavior.
type ProcessorConfig struct {
	// PollInterval is the periodic interval between processing cycles.
	PollInterval time.Duration
	// BatchSize is the max number of messages claimed per cycle and tenant.
	BatchSize int
	// MaxAttempts is the retry ceiling after which a message becomes FAILED.
	MaxAttempts int
	// PublishMaxAttempts bounds in-cycle publish attempts for one message.
	// The default of 1 keeps retry_count equal to wire attempts; raising it
	// records several wire attempts as a single retry.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between in-cycle publish retries.
	PublishBackoff time.Duration
	// VisibilityTimeout is the age threshold for sweeping stuck PROCESSING
	// messages back to PENDING.
	VisibilityTimeout time.Duration
	// IncludeTenantMetrics enables tenant metric attributes and can increase
	// cardinality.
	IncludeTenantMetrics bool
	// MaxTenantMetricDimensions caps unique tenant labels before falling
	// back to an overflow label.
	MaxTenantMetricDimensions int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultProcessorConfig returns the baseline processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:              defaultPollInterval,
		BatchSize:                 defaultBatchSize,
		MaxAttempts:               defaultMaxAttempts,
		PublishMaxAttempts:        defaultPublishMaxAttempts,
		PublishBackoff:            defaultPublishBackoff,
		VisibilityTimeout:         defaultVisibilityTimeout,
		MaxTenantMetricDimensions: defaultMaxTenantMetricDimensions,
	}
}

func (cfg *ProcessorConfig) normalize() {
	defaults := DefaultProcessorConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaults.VisibilityTimeout
	}

	if cfg.MaxTenantMetricDimensions <= 0 {
		cfg.MaxTenantMetricDimensions = defaults.MaxTenantMetricDimensions
	}
}

// ProcessorOption mutates processor configuration at construction.
type ProcessorOption func(*Processor)

// WithPollInterval sets the polling interval between cycles.
func WithPollInterval(interval time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if interval > 0 {
			processor.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum messages claimed in one cycle.
func WithBatchSize(size int) ProcessorOption {
	return func(processor *Processor) {
		if size > 0 {
			processor.cfg.BatchSize = size
		}
	}
}

// WithMaxAttempts sets the retry ceiling before a message becomes FAILED.
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(processor *Processor) {
		if attempts > 0 {
			processor.cfg.MaxAttempts = attempts
		}
	}
}

// WithPublishMaxAttempts sets in-cycle publish attempts per message. Values
// above 1 collapse several wire attempts into one recorded retry.
func WithPublishMaxAttempts(attempts int) ProcessorOption {
	return func(processor *Processor) {
		if attempts > 0 {
			processor.cfg.PublishMaxAttempts = attempts
		}
	}
}

// WithPublishBackoff sets the base backoff between in-cycle publish retries.
func WithPublishBackoff(base time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if base > 0 {
			processor.cfg.PublishBackoff = base
		}
	}
}

// WithVisibilityTimeout sets the threshold for reclaiming stuck messages.
func WithVisibilityTimeout(timeout time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.cfg.VisibilityTimeout = timeout
		}
	}
}

// WithNonRetryable sets a predicate that stops in-cycle publish retries
// early for errors that can never succeed. The message still goes through
// normal retry bookkeeping.
func WithNonRetryable(predicate func(error) bool) ProcessorOption {
	return func(processor *Processor) {
		processor.nonRetryable = predicate
	}
}

// WithSweepLock gates the stuck-row sweeper behind a distributed lock so a
// single replica sweeps per tick. An empty key keeps the default. When the
// lock store is unreachable the sweep proceeds unguarded.
func WithSweepLock(lock DistributedLock, key string) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(lock) {
			return
		}

		processor.sweepLock = lock

		if key != "" {
			processor.sweepLockKey = key
		}
	}
}

// WithTenantMetricAttributes toggles tenant attributes on processor metrics.
func WithTenantMetricAttributes(enabled bool) ProcessorOption {
	return func(processor *Processor) {
		processor.cfg.IncludeTenantMetrics = enabled
	}
}

// WithMaxTenantMetricDimensions caps unique tenant metric labels.
func WithMaxTenantMetricDimensions(maxDimensions int) ProcessorOption {
	return func(processor *Processor) {
		if maxDimensions > 0 {
			processor.cfg.MaxTenantMetricDimensions = maxDimensions
		}
	}
}

// WithMeterProvider injects a custom meter provider for processor metrics.
// Passing nil keeps the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(provider) {
			processor.cfg.MeterProvider = nil

			return
		}

		processor.cfg.MeterProvider = provider
	}
}
