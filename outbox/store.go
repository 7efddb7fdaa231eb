package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by AddWithTx.
//
// It aliases *sql.Tx so event capture composes with the caller's existing
// database/sql transaction orchestration without adapter layers.
type Tx = *sql.Tx

// Store defines persistence operations for outbox messages.
//
// ClaimPending must be safe under concurrent processor replicas: a message
// claimed by one replica is invisible to the others until its state settles
// or the visibility timeout sweeps it back.
type Store interface {
	// Add persists a pending message in its own transaction.
	Add(ctx context.Context, msg *Message) (*Message, error)

	// AddWithTx persists a pending message inside the caller's transaction.
	// It never commits or rolls back.
	AddWithTx(ctx context.Context, tx Tx, msg *Message) (*Message, error)

	// ClaimPending atomically selects up to limit pending messages with
	// retry_count below maxAttempts, oldest first, and moves them to
	// PROCESSING. Rows locked by another replica are skipped.
	ClaimPending(ctx context.Context, limit, maxAttempts int) ([]*Message, error)

	// MarkProcessed finalizes a PROCESSING message. Returns ErrStateConflict
	// if the message is not in PROCESSING.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// MarkFailed records a failed attempt on a PROCESSING message:
	// retry_count increments by one, last_error is replaced, and the status
	// becomes FAILED when the new count reaches maxAttempts, PENDING
	// otherwise. Returns ErrStateConflict if the message is not PROCESSING.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error

	// ResetStuckProcessing sweeps PROCESSING messages older than
	// processingBefore back to PENDING, counting the interrupted attempt.
	// Messages at the attempt ceiling go to FAILED. Returns the number of
	// rows swept.
	ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) (int, error)

	// ListPending returns pending messages oldest first without claiming them.
	ListPending(ctx context.Context, limit int) ([]*Message, error)

	// ListFailed returns terminally failed messages for operator inspection.
	ListFailed(ctx context.Context, limit int) ([]*Message, error)

	// GetByID fetches one message regardless of state.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// ListTenants returns the distinct tenant ids with undelivered messages.
	ListTenants(ctx context.Context) ([]string, error)
}

// TenantResolver applies tenant-scoping rules inside a transaction, for
// hosts that isolate tenants beyond the tenant_id column.
type TenantResolver interface {
	ApplyTenant(ctx context.Context, tx *sql.Tx, tenantID string) error
}
