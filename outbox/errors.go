package outbox

import "errors"

var (
	ErrMessageRequired         = errors.New("outbox message is required")
	ErrStoreRequired           = errors.New("outbox store is required")
	ErrRegistryRequired        = errors.New("publish registry is required")
	ErrProcessorRunning        = errors.New("outbox processor is already running")
	ErrPayloadRequired         = errors.New("outbox message payload is required")
	ErrPayloadTooLarge         = errors.New("outbox message payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("outbox message payload must be valid JSON (stored as JSONB)")
	ErrEventTypeRequired       = errors.New("event type is required")
	ErrEventTypeTooLong        = errors.New("event type exceeds maximum length")
	ErrCorrelationIDTooLong    = errors.New("correlation id exceeds maximum length")
	ErrTenantIDTooLong         = errors.New("tenant id exceeds maximum length")
	ErrPublisherRequired       = errors.New("publish function is required")
	ErrPublisherRegistered     = errors.New("publish function already registered for event type")
	ErrPublisherNotRegistered  = errors.New("no publish function registered for event type")
	ErrStateConflict           = errors.New("outbox message is not in the expected state")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrStatusTransitionInvalid = errors.New("invalid outbox status transition")
)
