package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	eventflow "github.com/novair/lib-eventflow"
	"github.com/novair/lib-eventflow/faults"
	"github.com/novair/lib-eventflow/internal/nilcheck"
	"github.com/novair/lib-eventflow/log"
	"github.com/novair/lib-eventflow/runtime"
)

// Consumer errors.
var (
	ErrQueueRequired           = errors.New("queue name is required")
	ErrHandlerRequired         = errors.New("delivery handler is required")
	ErrDeliveryChannelClosed   = errors.New("delivery channel closed by broker")
	ErrConsumerAlreadyRunning  = errors.New("consumer is already running")
	ErrConsumeChannelRequired  = errors.New("consume channel is required")
	errRedeliveryPublishFailed = errors.New("failed to republish for redelivery")
)

const (
	defaultPrefetchCount = 32
	defaultWorkerCount   = 8
)

// Handler processes one delivery. A nil return acks the message; an error
// routes it through the retry policy.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

// ConsumeChannel is the channel surface the consumer needs. *amqp.Channel
// satisfies it.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// Consumer pulls deliveries from one queue and runs the handler under a
// bounded worker pool. Prefetch bounds in-flight broker credit; the worker
// semaphore bounds handler concurrency.
//
// Failed deliveries are never requeued in place: retryable failures go to
// the wait queue with a policy-derived TTL and the original is acked;
// non-retryable failures and exhausted attempts go to the DLQ with their
// recorded failure history.
type Consumer struct {
	channel     ConsumeChannel
	queue       string
	handler     Handler
	policy      RetryPolicy
	categorizer *faults.Categorizer
	logger      log.Logger
	prefetch    int
	workers     int
	dlxExchange string
	consumerTag string

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	workerWg   sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the structured logger.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if nilcheck.Interface(logger) {
			return
		}

		c.logger = logger
	}
}

// WithPrefetch sets the Qos prefetch count.
func WithPrefetch(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.prefetch = count
		}
	}
}

// WithWorkers caps concurrent handler executions.
func WithWorkers(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.workers = count
		}
	}
}

// WithRetryPolicy sets the redelivery policy.
func WithRetryPolicy(policy RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy.normalize()
	}
}

// WithCategorizer sets the fault categorizer used for failure traces and
// the category-based non-retryable decision.
func WithCategorizer(categorizer *faults.Categorizer) ConsumerOption {
	return func(c *Consumer) {
		if categorizer != nil {
			c.categorizer = categorizer
		}
	}
}

// WithConsumerDLXExchange overrides the dead-letter exchange target.
func WithConsumerDLXExchange(exchange string) ConsumerOption {
	return func(c *Consumer) {
		if exchange != "" {
			c.dlxExchange = exchange
		}
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// NewConsumer builds a consumer for queue running handler.
func NewConsumer(channel ConsumeChannel, queue string, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrConsumeChannelRequired
	}

	if queue == "" {
		return nil, ErrQueueRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	consumer := &Consumer{
		channel:     channel,
		queue:       queue,
		handler:     handler,
		policy:      DefaultRetryPolicy(),
		categorizer: faults.NewCategorizer(),
		logger:      log.NewNop(),
		prefetch:    defaultPrefetchCount,
		workers:     defaultWorkerCount,
		dlxExchange: defaultDLXExchangeName,
		stop:        make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	return consumer, nil
}

// Run consumes deliveries until the context is cancelled, Stop is called,
// or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.runStateMu.Lock()
	if c.running {
		c.runStateMu.Unlock()

		return ErrConsumerAlreadyRunning
	}

	c.running = true
	c.runStateMu.Unlock()

	defer func() {
		c.runStateMu.Lock()
		c.running = false
		c.runStateMu.Unlock()
	}()

	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := c.channel.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume on %s: %w", c.queue, err)
	}

	c.logger.Log(ctx, log.LevelInfo, "consumer started",
		log.String("queue", c.queue),
		log.Int("prefetch", c.prefetch),
		log.Int("workers", c.workers))

	semaphore := make(chan struct{}, c.workers)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return ErrDeliveryChannelClosed
			}

			semaphore <- struct{}{}
			c.workerWg.Add(1)

			runtime.SafeGo(c.logger, "consumer-worker", runtime.KeepRunning, func() {
				defer func() {
					<-semaphore

					c.workerWg.Done()
				}()

				c.handleDelivery(ctx, delivery)
			})
		}
	}
}

// Stop signals Run to return. In-flight handlers keep running; use Shutdown
// to wait for them.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// Shutdown stops the consumer and waits for in-flight handlers, bounded by
// ctx.
func (c *Consumer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.Stop()

	done := make(chan struct{})

	runtime.SafeGo(c.logger, "consumer-shutdown-wait", runtime.KeepRunning, func() {
		c.workerWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer shutdown: %w", ctx.Err())
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	ctx = contextFromHeaders(ctx, delivery.Headers)

	attempt := headerInt(delivery.Headers, HeaderRetryCount) + 1

	err := c.handler(ctx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to ack delivery", log.Err(ackErr))
		}

		return
	}

	c.settleFailure(ctx, delivery, attempt, err)
}

// settleFailure routes a failed delivery: DLQ for non-retryable categories
// and exhausted budgets, otherwise the wait queue with the policy delay.
func (c *Consumer) settleFailure(ctx context.Context, delivery amqp.Delivery, attempt int, handlerErr error) {
	trace := c.categorizer.CaptureWithSource(handlerErr, "rabbitmq.consumer")

	nonRetryable := !trace.Category.IsRetryable()
	if !nonRetryable && c.policy.NonRetryable != nil {
		nonRetryable = c.policy.NonRetryable(handlerErr)
	}

	exhausted := attempt >= c.policy.MaxAttempts

	c.logger.Log(ctx, log.LevelWarn, "delivery failed",
		log.String("queue", c.queue),
		log.String("event_type", headerString(delivery.Headers, HeaderEventType)),
		log.Int("attempt", attempt),
		log.String("category", trace.Category.String()),
		log.Bool("retryable", !nonRetryable && !exhausted),
		log.Err(handlerErr))

	var routeErr error
	if nonRetryable || exhausted {
		routeErr = c.publishToDLQ(ctx, delivery, attempt, trace)
	} else {
		routeErr = c.publishToWaitQueue(ctx, delivery, attempt, trace)
	}

	if routeErr != nil {
		c.logger.Log(ctx, log.LevelError, "failed to route failed delivery, requeueing",
			log.String("queue", c.queue), log.Err(routeErr))

		// Broker-side requeue is the fallback of last resort: it loses the
		// recorded attempt but never loses the message.
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Log(ctx, log.LevelError, "failed to nack delivery", log.Err(nackErr))
		}

		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to ack routed delivery", log.Err(ackErr))
	}
}

func (c *Consumer) publishToWaitQueue(
	ctx context.Context,
	delivery amqp.Delivery,
	attempt int,
	trace faults.TraceInfo,
) error {
	delay := c.policy.Delay(attempt)

	publishing := republishing(delivery, attempt, trace, c.queue)
	publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)

	err := c.channel.PublishWithContext(ctx, "", WaitQueueName(c.queue), false, false, publishing)
	if err != nil {
		return fmt.Errorf("%w: wait queue: %w", errRedeliveryPublishFailed, err)
	}

	return nil
}

func (c *Consumer) publishToDLQ(
	ctx context.Context,
	delivery amqp.Delivery,
	attempt int,
	trace faults.TraceInfo,
) error {
	publishing := republishing(delivery, attempt, trace, c.queue)

	err := c.channel.PublishWithContext(ctx, c.dlxExchange, c.queue, false, false, publishing)
	if err != nil {
		return fmt.Errorf("%w: dlq: %w", errRedeliveryPublishFailed, err)
	}

	return nil
}

// republishing copies the delivery into a new persistent publishing with
// updated retry bookkeeping headers.
func republishing(delivery amqp.Delivery, attempt int, trace faults.TraceInfo, originQueue string) amqp.Publishing {
	headers := cloneHeaders(delivery.Headers)
	headers[HeaderRetryCount] = int32(attempt)
	headers[HeaderOriginQueue] = originQueue

	if encoded := appendFailureHistory(delivery.Headers, trace); encoded != "" {
		headers[HeaderFailureHistory] = encoded
	}

	return amqp.Publishing{
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    delivery.MessageId,
		Timestamp:    time.Now().UTC(),
		Type:         delivery.Type,
		Body:         delivery.Body,
		Headers:      headers,
	}
}

// contextFromHeaders restores the correlation and tenant scope a publisher
// stamped onto the message.
func contextFromHeaders(ctx context.Context, headers amqp.Table) context.Context {
	if correlationID := headerString(headers, HeaderCorrelationID); correlationID != "" {
		ctx = eventflow.ContextWithCorrelationID(ctx, correlationID)
	}

	if tenantID := headerString(headers, HeaderTenantID); tenantID != "" {
		ctx = eventflow.ContextWithTenantID(ctx, tenantID)
	}

	return ctx
}
