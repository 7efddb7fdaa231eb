// Package idempotency deduplicates event deliveries on the consumer side.
//
// At-least-once transport means a consumer can see the same event twice:
// after a publisher confirm timeout, after a visibility-timeout sweep, or
// after a broker redelivery. The wrapper claims a keyed TTL marker before
// dispatching the handler; a second delivery finds the marker and is skipped.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store errors.
var (
	ErrStoreRequired = errors.New("idempotency store is required")
	ErrKeyRequired   = errors.New("idempotency key is required")
)

// DefaultTTL is how long a processed-event marker is kept. It must exceed
// the longest plausible redelivery window, including the slowest retry tier.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "idem"

// Store persists processed-event markers.
//
// SetIfAbsent is the claim primitive: it must be atomic so that two
// concurrent deliveries of the same event cannot both claim the marker.
type Store interface {
	// Exists reports whether a marker is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Set writes a marker unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent writes a marker only when none exists, returning whether
	// the claim succeeded.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a marker so a redelivery re-executes.
	Delete(ctx context.Context, key string) error
}

// Key builds the marker key for one event.
func Key(eventType, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, eventType, eventID)
}
