package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxPayloadBytes bounds the JSONB payload stored per message.
	MaxPayloadBytes = 1 << 20

	// MaxEventTypeLength matches the event_type column width.
	MaxEventTypeLength = 500

	// MaxCorrelationIDLength matches the correlation_id column width.
	MaxCorrelationIDLength = 100

	// MaxTenantIDLength matches the tenant_id column width.
	MaxTenantIDLength = 50
)

// Message is a domain event captured in the outbox table, awaiting delivery.
type Message struct {
	ID            uuid.UUID
	EventType     string
	Payload       []byte
	CorrelationID string
	TenantID      string
	Status        Status
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// MessageOption customizes a message at construction.
type MessageOption func(*Message)

// WithID sets a caller-provided message id instead of a generated one.
func WithID(id uuid.UUID) MessageOption {
	return func(msg *Message) {
		msg.ID = id
	}
}

// WithCorrelationID attaches the request correlation id carried end to end.
func WithCorrelationID(correlationID string) MessageOption {
	return func(msg *Message) {
		msg.CorrelationID = strings.TrimSpace(correlationID)
	}
}

// WithTenantID scopes the message to a tenant.
func WithTenantID(tenantID string) MessageOption {
	return func(msg *Message) {
		msg.TenantID = strings.TrimSpace(tenantID)
	}
}

// NewMessage creates a validated outbox message initialized as pending.
func NewMessage(eventType string, payload []byte, opts ...MessageOption) (*Message, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(eventType) > MaxEventTypeLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrEventTypeTooLong, len(eventType), MaxEventTypeLength)
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), MaxPayloadBytes)
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	msg := &Message{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(msg)
		}
	}

	if msg.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: message id must not be nil", ErrMessageRequired)
	}

	if len(msg.CorrelationID) > MaxCorrelationIDLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrCorrelationIDTooLong, len(msg.CorrelationID), MaxCorrelationIDLength)
	}

	if len(msg.TenantID) > MaxTenantIDLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrTenantIDTooLong, len(msg.TenantID), MaxTenantIDLength)
	}

	return msg, nil
}
