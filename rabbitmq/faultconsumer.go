package rabbitmq

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/novair/lib-eventflow/faults"
	"github.com/novair/lib-eventflow/internal/nilcheck"
	"github.com/novair/lib-eventflow/log"
	"github.com/novair/lib-eventflow/runtime"
)

// RepublishFunc hands a parked message to replay tooling. A non-nil error
// is logged; the message is acked either way since the DLQ copy has been
// surfaced.
type RepublishFunc func(ctx context.Context, dlc faults.DeadLetterContext, delivery amqp.Delivery) error

// FaultConsumer drains the dead-letter queue. Each parked message is turned
// into a DeadLetterContext and logged: one error-level summary plus one
// debug-level record per recorded attempt. The consumer emits, it never
// drops silently; replay stays with the operator through the republish hook.
type FaultConsumer struct {
	channel     ConsumeChannel
	queue       string
	logger      log.Logger
	republish   RepublishFunc
	consumerTag string
	hostname    string

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
}

// FaultConsumerOption configures a FaultConsumer.
type FaultConsumerOption func(*FaultConsumer)

// WithFaultLogger sets the structured logger.
func WithFaultLogger(logger log.Logger) FaultConsumerOption {
	return func(fc *FaultConsumer) {
		if nilcheck.Interface(logger) {
			return
		}

		fc.logger = logger
	}
}

// WithRepublishHook wires replay tooling.
func WithRepublishHook(fn RepublishFunc) FaultConsumerOption {
	return func(fc *FaultConsumer) {
		fc.republish = fn
	}
}

// WithFaultConsumerTag sets the consumer tag reported to the broker.
func WithFaultConsumerTag(tag string) FaultConsumerOption {
	return func(fc *FaultConsumer) {
		fc.consumerTag = tag
	}
}

// NewFaultConsumer builds a consumer over the dead-letter queue.
func NewFaultConsumer(channel ConsumeChannel, queue string, opts ...FaultConsumerOption) (*FaultConsumer, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrConsumeChannelRequired
	}

	if queue == "" {
		queue = defaultDLQName
	}

	hostname, _ := os.Hostname()

	consumer := &FaultConsumer{
		channel:  channel,
		queue:    queue,
		logger:   log.NewNop(),
		hostname: hostname,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	return consumer, nil
}

// Run consumes the dead-letter queue until the context is cancelled or Stop
// is called.
func (fc *FaultConsumer) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	fc.runStateMu.Lock()
	if fc.running {
		fc.runStateMu.Unlock()

		return ErrConsumerAlreadyRunning
	}

	fc.running = true
	fc.runStateMu.Unlock()

	defer func() {
		fc.runStateMu.Lock()
		fc.running = false
		fc.runStateMu.Unlock()
	}()

	deliveries, err := fc.channel.Consume(fc.queue, fc.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume on %s: %w", fc.queue, err)
	}

	fc.logger.Log(ctx, log.LevelInfo, "fault consumer started", log.String("queue", fc.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fc.stop:
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return ErrDeliveryChannelClosed
			}

			fc.handleParkedMessage(ctx, delivery)
		}
	}
}

// Stop signals Run to return.
func (fc *FaultConsumer) Stop() {
	fc.stopOnce.Do(func() {
		close(fc.stop)
	})
}

func (fc *FaultConsumer) handleParkedMessage(ctx context.Context, delivery amqp.Delivery) {
	defer runtime.RecoverAndLogWithContext(ctx, fc.logger, "rabbitmq.fault_consumer", "handle_parked_message")

	ctx = contextFromHeaders(ctx, delivery.Headers)

	dlc := fc.buildDeadLetterContext(delivery)

	fc.logger.Log(ctx, log.LevelError, "message dead-lettered",
		log.String("queue", dlc.Queue),
		log.String("event_type", dlc.EventType),
		log.String("event_id", dlc.EventID),
		log.String("correlation_id", dlc.CorrelationID),
		log.String("tenant_id", dlc.TenantID),
		log.Int("total_attempts", dlc.TotalAttempts),
		log.String("first_failure", dlc.FirstFailure),
		log.String("first_category", dlc.FirstCategory.String()),
		log.String("last_failure", dlc.LastFailure),
		log.String("last_category", dlc.LastCategory.String()),
		log.String("fingerprint", dlc.Fingerprint()))

	for i, attempt := range dlc.History {
		fc.logger.Log(ctx, log.LevelDebug, "dead-letter attempt record",
			log.String("event_id", dlc.EventID),
			log.Int("attempt", i+1),
			log.String("category", attempt.Category.String()),
			log.String("error_type", attempt.ErrorType),
			log.String("message", attempt.Message))
	}

	if fc.republish != nil {
		if err := fc.republish(ctx, dlc, delivery); err != nil {
			fc.logger.Log(ctx, log.LevelWarn, "dead-letter republish hook failed",
				log.String("event_id", dlc.EventID), log.Err(err))
		}
	}

	if err := delivery.Ack(false); err != nil {
		fc.logger.Log(ctx, log.LevelWarn, "failed to ack dead-lettered message", log.Err(err))
	}
}

func (fc *FaultConsumer) buildDeadLetterContext(delivery amqp.Delivery) faults.DeadLetterContext {
	queue := headerString(delivery.Headers, HeaderOriginQueue)
	if queue == "" {
		queue = fc.queue
	}

	eventID := headerString(delivery.Headers, HeaderEventID)
	if eventID == "" {
		eventID = delivery.MessageId
	}

	eventType := headerString(delivery.Headers, HeaderEventType)
	if eventType == "" {
		eventType = delivery.Type
	}

	faultedAt := delivery.Timestamp
	if faultedAt.IsZero() {
		faultedAt = time.Now().UTC()
	}

	dlc := faults.DeadLetterContext{
		EventType:     eventType,
		EventID:       eventID,
		Queue:         queue,
		CorrelationID: headerString(delivery.Headers, HeaderCorrelationID),
		TenantID:      headerString(delivery.Headers, HeaderTenantID),
		TotalAttempts: headerInt(delivery.Headers, HeaderRetryCount),
		FaultedAt:     faultedAt,
		ConsumerHost:  fc.hostname,
	}

	dlc.ApplyHistory(decodeFailureHistory(delivery.Headers))

	return dlc
}
