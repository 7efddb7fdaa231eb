package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	eventflow "github.com/novair/lib-eventflow"
	"github.com/novair/lib-eventflow/internal/nilcheck"
	"github.com/novair/lib-eventflow/outbox"
)

// ErrExchangeRequired is returned when an event publisher is built without
// an exchange name.
var ErrExchangeRequired = errors.New("exchange name is required")

// MessagePublisher is the publish surface the event publisher builds on.
// *ConfirmablePublisher satisfies it.
type MessagePublisher interface {
	Publish(
		ctx context.Context,
		exchange, routingKey string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// RoutingKeyFunc derives the routing key for a message. The default uses
// the event type.
type RoutingKeyFunc func(msg *outbox.Message) string

// EventPublisher publishes outbox messages to an exchange with the tracing
// metadata headers consumers depend on. It never touches outbox state;
// errors propagate to the processor, which owns the retry bookkeeping.
type EventPublisher struct {
	publisher    MessagePublisher
	exchange     string
	routingKey   RoutingKeyFunc
	extraHeaders amqp.Table
}

// EventPublisherOption configures an EventPublisher.
type EventPublisherOption func(*EventPublisher)

// WithRoutingKey overrides routing key derivation.
func WithRoutingKey(fn RoutingKeyFunc) EventPublisherOption {
	return func(p *EventPublisher) {
		if fn != nil {
			p.routingKey = fn
		}
	}
}

// WithExtraHeaders attaches fixed headers to every published message.
// Reserved X-* metadata headers cannot be overridden.
func WithExtraHeaders(headers amqp.Table) EventPublisherOption {
	return func(p *EventPublisher) {
		if len(headers) == 0 {
			return
		}

		if p.extraHeaders == nil {
			p.extraHeaders = make(amqp.Table, len(headers))
		}

		for key, value := range headers {
			p.extraHeaders[key] = value
		}
	}
}

// NewEventPublisher builds an EventPublisher over publisher and exchange.
func NewEventPublisher(
	publisher MessagePublisher,
	exchange string,
	opts ...EventPublisherOption,
) (*EventPublisher, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	eventPublisher := &EventPublisher{
		publisher: publisher,
		exchange:  exchange,
		routingKey: func(msg *outbox.Message) string {
			return msg.EventType
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(eventPublisher)
		}
	}

	return eventPublisher, nil
}

// Publish sends msg to the exchange and waits for the broker to accept it.
// The method value satisfies outbox.PublishFunc.
func (p *EventPublisher) Publish(ctx context.Context, msg *outbox.Message) error {
	if p == nil || nilcheck.Interface(p.publisher) {
		return ErrPublisherRequired
	}

	if msg == nil {
		return outbox.ErrMessageRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Timestamp:    time.Now().UTC(),
		Type:         msg.EventType,
		Body:         msg.Payload,
		Headers:      p.buildHeaders(ctx, msg),
	}

	if err := p.publisher.Publish(ctx, p.exchange, p.routingKey(msg), false, false, publishing); err != nil {
		return fmt.Errorf("publishing event %s: %w", msg.EventType, err)
	}

	return nil
}

// buildHeaders stamps the wire metadata. Correlation id resolution order:
// the message's own id, then the context, then a generated one.
func (p *EventPublisher) buildHeaders(ctx context.Context, msg *outbox.Message) amqp.Table {
	headers := cloneHeaders(p.extraHeaders)

	correlationID := msg.CorrelationID
	if correlationID == "" {
		if fromCtx, ok := eventflow.CorrelationIDFromContext(ctx); ok {
			correlationID = fromCtx
		} else {
			correlationID = uuid.New().String()
		}
	}

	occurredAt := msg.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	headers[HeaderCorrelationID] = correlationID
	headers[HeaderEventType] = msg.EventType
	headers[HeaderEventID] = msg.ID.String()
	headers[HeaderOccurredAt] = occurredAt.Format(time.RFC3339Nano)

	if msg.TenantID != "" {
		headers[HeaderTenantID] = msg.TenantID
	}

	return headers
}
