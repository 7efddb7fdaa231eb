package outbox

import (
	"context"
	"fmt"

	"github.com/novair/lib-eventflow/internal/nilcheck"
)

// EventSource is an aggregate that accumulates domain events during a unit
// of work and exposes them for capture.
type EventSource interface {
	PendingEvents() []*Message
	ClearPendingEvents()
}

// Collect drains the source's pending events into the store inside the
// caller's transaction, one row per event, then clears the source. If any
// insert fails, nothing is cleared and the caller's rollback discards the
// rows already written, keeping event capture atomic with the business
// change.
func Collect(ctx context.Context, tx Tx, store Store, source EventSource) (int, error) {
	if nilcheck.Interface(store) {
		return 0, ErrStoreRequired
	}

	if nilcheck.Interface(source) {
		return 0, nil
	}

	events := source.PendingEvents()
	if len(events) == 0 {
		return 0, nil
	}

	collected := 0

	for _, event := range events {
		if event == nil {
			continue
		}

		if _, err := store.AddWithTx(ctx, tx, event); err != nil {
			return collected, fmt.Errorf("collect outbox event %s: %w", event.EventType, err)
		}

		collected++
	}

	source.ClearPendingEvents()

	return collected, nil
}
