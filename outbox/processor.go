package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	eventflow "github.com/novair/lib-eventflow"
	"github.com/novair/lib-eventflow/backoff"
	"github.com/novair/lib-eventflow/internal/nilcheck"
	"github.com/novair/lib-eventflow/log"
	"github.com/novair/lib-eventflow/runtime"
)

// DistributedLock serializes work across processor replicas. TryLock
// returns false without error when another replica holds the key.
// redis.LockManager satisfies it.
type DistributedLock interface {
	TryLock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Processor polls the outbox store and publishes claimed messages through
// the registry. Multiple replicas may run concurrently against the same
// table: claiming is lock-skipping and state transitions are conditional.
type Processor struct {
	store        Store
	registry     *Registry
	logger       log.Logger
	tracer       trace.Tracer
	cfg          ProcessorConfig
	nonRetryable func(error) bool
	sweepLock    DistributedLock
	sweepLockKey string

	tenantMetricKeys map[string]struct{}
	tenantMetricMu   sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup
	tenantTurn int

	metrics processorMetrics
}

// CycleResult captures one processing cycle outcome for a single scope.
type CycleResult struct {
	Claimed           int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewProcessor creates an outbox processor.
func NewProcessor(
	store Store,
	registry *Registry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...ProcessorOption,
) (*Processor, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventflow.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	processor := &Processor{
		store:            store,
		registry:         registry,
		logger:           logger,
		tracer:           tracer,
		cfg:              DefaultProcessorConfig(),
		sweepLockKey:     defaultSweepLockKey,
		tenantMetricKeys: make(map[string]struct{}),
		stop:             make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	processor.cfg.normalize()

	metrics, err := newProcessorMetrics(processor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	processor.metrics = metrics

	return processor, nil
}

// Run executes the polling loop until Stop is called or ctx is cancelled.
// One cycle runs immediately, then one per poll interval.
func (processor *Processor) Run(parentCtx context.Context) error {
	if processor == nil || processor.store == nil || processor.registry == nil {
		return ErrStoreRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !processor.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer processor.clearRun()

	processor.logger.Log(ctx, log.LevelInfo, "outbox processor started",
		log.Any("poll_interval", processor.cfg.PollInterval),
		log.Int("batch_size", processor.cfg.BatchSize))
	defer processor.logger.Log(context.Background(), log.LevelInfo, "outbox processor stopped")

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "outbox", "processor_run")

	ticker := time.NewTicker(processor.cfg.PollInterval)
	defer ticker.Stop()

	processor.runCycle(ctx, "outbox.processor.initial_cycle")

	for {
		select {
		case <-processor.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-processor.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			processor.runCycle(ctx, "outbox.processor.cycle")
		}
	}
}

func (processor *Processor) runCycle(ctx context.Context, spanName string) {
	processor.cycleWg.Add(1)
	defer processor.cycleWg.Done()

	cycleCtx, span := processor.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, processor.logger, "outbox", "processor_cycle")

	processor.processAcrossTenants(cycleCtx)
}

// Stop signals the polling loop to stop without waiting for in-flight work.
func (processor *Processor) Stop() {
	if processor == nil {
		return
	}

	processor.stopOnce.Do(func() {
		processor.runStateMu.Lock()
		cancel := processor.cancelFunc
		stop := processor.stop
		if stop == nil {
			stop = make(chan struct{})
			processor.stop = stop
		}
		processor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to drain.
func (processor *Processor) Shutdown(ctx context.Context) error {
	if processor == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	processor.Stop()

	done := make(chan struct{})

	runtime.SafeGo(processor.logger, "outbox.processor_shutdown_wait", runtime.KeepRunning, func() {
		processor.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor shutdown: %w", ctx.Err())
	}
}

// processAcrossTenants runs one scope-sequential cycle, rotating the starting
// tenant between cycles so a consistently slow tenant cannot starve the rest.
func (processor *Processor) processAcrossTenants(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	tenants, err := processor.store.ListTenants(ctx)
	if err != nil {
		log.SafeError(processor.logger, ctx, "failed to list outbox tenants", err)

		return
	}

	ordered := processor.tenantOrder(nonEmptyTenants(tenants))
	if len(ordered) == 0 {
		processor.ProcessOnce(ctx)

		return
	}

	for _, tenantID := range ordered {
		if ctx.Err() != nil {
			break
		}

		tenantCtx := eventflow.ContextWithTenantID(ctx, tenantID)
		tenantCtx, span := processor.tracer.Start(tenantCtx, "outbox.processor.tenant")
		result := processor.ProcessOnce(tenantCtx)
		// Tenant trace correlation without exposing raw tenant identifiers.
		span.SetAttributes(
			attribute.String("tenant.id_hash", hashTenantID(tenantID)),
			attribute.Int("outbox.cycle.claimed", result.Claimed),
			attribute.Int("outbox.cycle.published", result.Published),
			attribute.Int("outbox.cycle.failed", result.Failed),
			attribute.Int("outbox.cycle.state_update_failed", result.StateUpdateFailed),
		)
		span.End()
	}
}

// ProcessOnce runs a single claim-publish-settle cycle for the scope carried
// by ctx (one tenant, or the default scope when no tenant is set).
func (processor *Processor) ProcessOnce(ctx context.Context) CycleResult {
	if processor == nil || processor.store == nil || processor.registry == nil {
		return CycleResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := processor.tracer.Start(ctx, "outbox.process")
	defer span.End()

	tenantKey := tenantKeyFromContext(ctx)

	processor.sweepStuck(ctx, tenantKey)

	messages, err := processor.store.ClaimPending(ctx, processor.cfg.BatchSize, processor.cfg.MaxAttempts)
	if err != nil {
		log.SafeError(processor.logger, ctx, "failed to claim pending outbox messages", err)

		return CycleResult{}
	}

	processor.recordClaimedDepth(ctx, tenantKey, int64(len(messages)))

	var result CycleResult

	// Delivery is at-least-once: publish happens before MarkProcessed. If
	// state persistence fails after publish, consumers see a duplicate and
	// must be idempotent.
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		if msg == nil {
			continue
		}

		result.Claimed++

		if err := processor.publishWithRetry(ctx, msg); err != nil {
			processor.settleFailure(ctx, msg, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := processor.store.MarkProcessed(ctx, msg.ID, time.Now().UTC()); err != nil {
			processor.logger.Log(ctx, log.LevelError,
				"outbox message published but failed to persist PROCESSED state; message may be redelivered",
				log.String("message_id", msg.ID.String()),
				log.String("event_type", msg.EventType),
				log.String("error", sanitizeErrorForStorage(err)),
			)
			processor.addStateUpdateFailure(ctx, tenantKey, 1)

			result.StateUpdateFailed++
		}
	}

	processor.addPublished(ctx, tenantKey, int64(result.Published))
	processor.addFailed(ctx, tenantKey, int64(result.Failed))
	processor.recordCycleLatency(ctx, tenantKey, time.Since(start).Seconds())

	return result
}

func (processor *Processor) sweepStuck(ctx context.Context, tenantKey string) {
	if processor.sweepLock != nil {
		acquired, err := processor.sweepLock.TryLock(ctx, processor.sweepLockKey)

		switch {
		case err != nil:
			// Sweeping without the lock is safe; the lock only avoids
			// duplicate work across replicas.
			log.SafeError(processor.logger, ctx, "sweep lock unavailable, sweeping unguarded", err)
		case !acquired:
			return
		default:
			defer func() {
				if unlockErr := processor.sweepLock.Unlock(ctx, processor.sweepLockKey); unlockErr != nil {
					log.SafeError(processor.logger, ctx, "failed to release sweep lock", unlockErr)
				}
			}()
		}
	}

	before := time.Now().UTC().Add(-processor.cfg.VisibilityTimeout)

	swept, err := processor.store.ResetStuckProcessing(ctx, processor.cfg.BatchSize, before, processor.cfg.MaxAttempts)
	if err != nil {
		log.SafeError(processor.logger, ctx, "failed to sweep stuck outbox messages", err)

		return
	}

	if swept > 0 {
		processor.logger.Log(ctx, log.LevelWarn, "reclaimed stuck outbox messages",
			log.Int("count", swept))
		processor.addSwept(ctx, tenantKey, int64(swept))
	}
}

func (processor *Processor) publishWithRetry(ctx context.Context, msg *Message) error {
	var lastErr error

	for attempt := 0; attempt < processor.cfg.PublishMaxAttempts; attempt++ {
		err := processor.registry.Publish(ctx, msg)
		if err == nil {
			return nil
		}

		// The raw failure is what settleFailure persists as last_error.
		lastErr = err

		if processor.isNonRetryable(err) || attempt == processor.cfg.PublishMaxAttempts-1 {
			break
		}

		processor.logger.Log(ctx, log.LevelDebug, "outbox publish attempt failed, retrying in-cycle",
			log.Int("attempt", attempt+1),
			log.Int("max_attempts", processor.cfg.PublishMaxAttempts))

		delay := backoff.ExponentialWithJitter(processor.cfg.PublishBackoff, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			break
		}
	}

	return lastErr
}

func (processor *Processor) settleFailure(ctx context.Context, msg *Message, publishErr error) {
	errMsg := sanitizeErrorForStorage(publishErr)

	if markErr := processor.store.MarkFailed(ctx, msg.ID, errMsg, processor.cfg.MaxAttempts); markErr != nil {
		processor.logger.Log(ctx, log.LevelError, "failed to record outbox publish failure",
			log.String("message_id", msg.ID.String()),
			log.String("error", sanitizeErrorForStorage(markErr)),
		)

		return
	}

	processor.logger.Log(ctx, log.LevelWarn, "outbox publish failed",
		log.String("message_id", msg.ID.String()),
		log.String("event_type", msg.EventType),
		log.Int("retry_count", msg.RetryCount+1),
		log.String("error", errMsg),
	)
}

func (processor *Processor) isNonRetryable(err error) bool {
	if err == nil || processor.nonRetryable == nil {
		return false
	}

	return processor.nonRetryable(err)
}

func (processor *Processor) registerRun(cancel context.CancelFunc) bool {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.running {
		return false
	}

	if processor.stop == nil || isClosedSignal(processor.stop) {
		processor.stop = make(chan struct{})
		processor.stopOnce = sync.Once{}
	}

	processor.running = true
	processor.cancelFunc = cancel

	return true
}

func (processor *Processor) clearRun() {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	processor.running = false
	processor.cancelFunc = nil
}

func (processor *Processor) tenantOrder(tenants []string) []string {
	if len(tenants) <= 1 {
		return append([]string(nil), tenants...)
	}

	processor.runStateMu.Lock()
	start := processor.tenantTurn % len(tenants)
	processor.tenantTurn = (processor.tenantTurn + 1) % len(tenants)
	processor.runStateMu.Unlock()

	ordered := make([]string, 0, len(tenants))
	ordered = append(ordered, tenants[start:]...)
	ordered = append(ordered, tenants[:start]...)

	return ordered
}

func nonEmptyTenants(tenants []string) []string {
	if len(tenants) == 0 {
		return nil
	}

	result := make([]string, 0, len(tenants))

	for _, tenantID := range tenants {
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			continue
		}

		result = append(result, tenantID)
	}

	return result
}

func tenantKeyFromContext(ctx context.Context) string {
	tenantID, ok := eventflow.TenantIDFromContext(ctx)
	if ok && tenantID != "" {
		return tenantID
	}

	return tenantMetricFallbackLabel
}

func hashTenantID(tenantID string) string {
	if tenantID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:8])
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (processor *Processor) tenantMetricAttribute(tenantKey string) (attribute.KeyValue, bool) {
	if !processor.cfg.IncludeTenantMetrics {
		return attribute.KeyValue{}, false
	}

	return attribute.String("tenant", processor.boundedTenantMetricKey(tenantKey)), true
}

func (processor *Processor) boundedTenantMetricKey(tenantKey string) string {
	if tenantKey == "" {
		tenantKey = tenantMetricFallbackLabel
	}

	processor.tenantMetricMu.Lock()
	defer processor.tenantMetricMu.Unlock()

	if processor.tenantMetricKeys == nil {
		processor.tenantMetricKeys = make(map[string]struct{})
	}

	if _, exists := processor.tenantMetricKeys[tenantKey]; exists {
		return tenantKey
	}

	if len(processor.tenantMetricKeys) < processor.cfg.MaxTenantMetricDimensions {
		processor.tenantMetricKeys[tenantKey] = struct{}{}

		return tenantKey
	}

	return tenantMetricOverflowLabel
}

func (processor *Processor) tenantAddOptions(tenantKey string) []metric.AddOption {
	if attr, ok := processor.tenantMetricAttribute(tenantKey); ok {
		return []metric.AddOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (processor *Processor) tenantRecordOptions(tenantKey string) []metric.RecordOption {
	if attr, ok := processor.tenantMetricAttribute(tenantKey); ok {
		return []metric.RecordOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (processor *Processor) recordClaimedDepth(ctx context.Context, tenantKey string, depth int64) {
	if processor.metrics.claimedDepth == nil {
		return
	}

	processor.metrics.claimedDepth.Record(ctx, depth, processor.tenantRecordOptions(tenantKey)...)
}

func (processor *Processor) addPublished(ctx context.Context, tenantKey string, count int64) {
	if processor.metrics.published == nil || count <= 0 {
		return
	}

	processor.metrics.published.Add(ctx, count, processor.tenantAddOptions(tenantKey)...)
}

func (processor *Processor) addFailed(ctx context.Context, tenantKey string, count int64) {
	if processor.metrics.failed == nil || count <= 0 {
		return
	}

	processor.metrics.failed.Add(ctx, count, processor.tenantAddOptions(tenantKey)...)
}

func (processor *Processor) addStateUpdateFailure(ctx context.Context, tenantKey string, count int64) {
	if processor.metrics.stateFailed == nil || count <= 0 {
		return
	}

	processor.metrics.stateFailed.Add(ctx, count, processor.tenantAddOptions(tenantKey)...)
}

func (processor *Processor) addSwept(ctx context.Context, tenantKey string, count int64) {
	if processor.metrics.sweptProcessing == nil || count <= 0 {
		return
	}

	processor.metrics.sweptProcessing.Add(ctx, count, processor.tenantAddOptions(tenantKey)...)
}

func (processor *Processor) recordCycleLatency(ctx context.Context, tenantKey string, seconds float64) {
	if processor.metrics.cycleLatency == nil {
		return
	}

	processor.metrics.cycleLatency.Record(ctx, seconds, processor.tenantRecordOptions(tenantKey)...)
}
