package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/novair/lib-eventflow/internal/nilcheck"
	"github.com/novair/lib-eventflow/log"
	"github.com/novair/lib-eventflow/rabbitmq"
)

// Wrapper deduplicates deliveries before they reach the wrapped handler.
//
// The marker is claimed with SetIfAbsent *before* dispatch, so two concurrent
// deliveries of the same event race on one atomic claim instead of both
// passing an exists-check. If the handler then fails, the marker is deleted
// so a redelivery re-executes.
//
// A store failure is fail-open: the delivery is processed without dedupe,
// since at-least-once delivery already obliges handlers to tolerate the odd
// duplicate, while dropping events does permanent damage.
type Wrapper struct {
	store  Store
	logger log.Logger
	ttl    time.Duration
}

// WrapperOption configures a Wrapper.
type WrapperOption func(*Wrapper)

// WithWrapperLogger sets the structured logger.
func WithWrapperLogger(logger log.Logger) WrapperOption {
	return func(w *Wrapper) {
		if nilcheck.Interface(logger) {
			return
		}

		w.logger = logger
	}
}

// WithMarkerTTL overrides the marker lifetime.
func WithMarkerTTL(ttl time.Duration) WrapperOption {
	return func(w *Wrapper) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// NewWrapper builds a Wrapper over the marker store.
func NewWrapper(store Store, opts ...WrapperOption) (*Wrapper, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	wrapper := &Wrapper{
		store:  store,
		logger: log.NewNop(),
		ttl:    DefaultTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(wrapper)
		}
	}

	return wrapper, nil
}

// Wrap returns a handler that claims the event's marker before dispatching
// handler. Duplicate deliveries are skipped with a nil return, which acks
// them. Deliveries without any event id cannot be deduplicated and are
// dispatched directly.
func (w *Wrapper) Wrap(eventType string, handler rabbitmq.Handler) rabbitmq.Handler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		eventID := resolveEventID(delivery)
		if eventID == "" {
			w.logger.Log(ctx, log.LevelWarn, "delivery carries no event id, dispatching without dedupe",
				log.String("event_type", eventType))

			return handler(ctx, delivery)
		}

		key := Key(eventType, eventID)
		correlationID := resolveCorrelationID(delivery)

		claimed, err := w.store.SetIfAbsent(ctx, key, correlationID, w.ttl)
		if err != nil {
			w.logger.Log(ctx, log.LevelWarn, "idempotency claim failed, dispatching without dedupe",
				log.String("key", key), log.Err(err))

			return handler(ctx, delivery)
		}

		if !claimed {
			w.logger.Log(ctx, log.LevelInfo, "duplicate delivery skipped",
				log.String("event_type", eventType),
				log.String("event_id", eventID),
				log.String("correlation_id", correlationID))

			return nil
		}

		if err := handler(ctx, delivery); err != nil {
			// Release the claim so the redelivery re-executes. Best effort:
			// if the delete fails the marker's TTL still bounds the damage.
			if deleteErr := w.store.Delete(ctx, key); deleteErr != nil {
				w.logger.Log(ctx, log.LevelWarn, "failed to release idempotency marker",
					log.String("key", key), log.Err(deleteErr))
			}

			return err
		}

		return nil
	}
}

func resolveEventID(delivery amqp.Delivery) string {
	if id := headerValue(delivery.Headers, rabbitmq.HeaderEventID); id != "" {
		return id
	}

	return delivery.MessageId
}

// resolveCorrelationID finds the correlation id stamped by the publisher,
// falling back through the broker message id and the payload before minting
// a fresh one.
func resolveCorrelationID(delivery amqp.Delivery) string {
	if id := headerValue(delivery.Headers, rabbitmq.HeaderCorrelationID); id != "" {
		return id
	}

	if delivery.MessageId != "" {
		return delivery.MessageId
	}

	var envelope struct {
		CorrelationID string `json:"correlation_id"`
	}

	if err := json.Unmarshal(delivery.Body, &envelope); err == nil && envelope.CorrelationID != "" {
		return envelope.CorrelationID
	}

	return uuid.New().String()
}

func headerValue(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}

	if value, ok := headers[key].(string); ok {
		return value
	}

	return ""
}
