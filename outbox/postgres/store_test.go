//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventflow "github.com/novair/lib-eventflow"
	"github.com/novair/lib-eventflow/outbox"
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, opts...)
	require.NoError(t, err)

	return store, mock
}

func messageRows(msgs ...*outbox.Message) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "payload", "correlation_id", "tenant_id",
		"status", "retry_count", "last_error", "created_at", "processed_at",
	})

	for _, msg := range msgs {
		rows.AddRow(
			msg.ID.String(), msg.EventType, []byte(msg.Payload), msg.CorrelationID,
			msg.TenantID, string(msg.Status), msg.RetryCount, nil, msg.CreatedAt, nil,
		)
	}

	return rows
}

func pendingMessage(t *testing.T, eventType string) *outbox.Message {
	t.Helper()

	msg, err := outbox.NewMessage(eventType, []byte(`{"k":"v"}`))
	require.NoError(t, err)

	msg.CreatedAt = time.Now().UTC()

	return msg
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrDatabaseRequired)

	db, _, err := sqlmock.New()
	require.NoError(t, err)

	defer db.Close()

	_, err = NewStore(db, WithTableName("outbox; DROP TABLE users"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	store, err := NewStore(db, WithTableName("billing.outbox_messages"))
	require.NoError(t, err)
	assert.Equal(t, `"billing"."outbox_messages"`, store.table())
}

func TestAddInsertsPendingRow(t *testing.T) {
	store, mock := newMockStore(t)
	msg := pendingMessage(t, "order.created")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "outbox_messages"`)).
		WithArgs(msg.ID, msg.EventType, []byte(msg.Payload), msg.CorrelationID, "",
			outbox.StatusPending, sqlmock.AnyArg()).
		WillReturnRows(messageRows(msg))
	mock.ExpectCommit()

	stored, err := store.Add(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, stored.ID)
	assert.Equal(t, outbox.StatusPending, stored.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddWithTxUsesCallerTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	msg := pendingMessage(t, "order.created")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "outbox_messages"`)).
		WillReturnRows(messageRows(msg))
	mock.ExpectCommit()

	db, ok := store.db.(*sql.DB)
	require.True(t, ok)

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	stored, err := store.AddWithTx(context.Background(), tx, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, stored.ID)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingMovesRowsToProcessing(t *testing.T) {
	store, mock := newMockStore(t)

	first := pendingMessage(t, "order.created")
	second := pendingMessage(t, "order.shipped")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(outbox.StatusPending, 5, 10).
		WillReturnRows(messageRows(first, second))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "outbox_messages" SET status =`)).
		WithArgs(outbox.StatusProcessing, sqlmock.AnyArg(), first.ID, second.ID, outbox.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	claimed, err := store.ClaimPending(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	for _, msg := range claimed {
		assert.Equal(t, outbox.StatusProcessing, msg.Status)
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingEmptyBatchSkipsUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(messageRows())
	mock.ExpectCommit()

	claimed, err := store.ClaimPending(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingConflictRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	msg := pendingMessage(t, "order.created")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(messageRows(msg))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "outbox_messages" SET status =`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.ClaimPending(context.Background(), 10, 5)
	require.ErrorIs(t, err, outbox.ErrStateConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingValidation(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.ClaimPending(context.Background(), 0, 5)
	require.ErrorIs(t, err, ErrLimitMustBePositive)

	_, err = store.ClaimPending(context.Background(), 10, 0)
	require.ErrorIs(t, err, ErrMaxAttemptsMustBePositive)
}

func TestMarkProcessedGuardsOnProcessing(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	processedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET status = $1::outbox_status, processed_at =`)).
		WithArgs(outbox.StatusProcessed, processedAt, sqlmock.AnyArg(), id, outbox.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkProcessed(context.Background(), id, processedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedStateConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET status = $1::outbox_status, processed_at =`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.MarkProcessed(context.Background(), uuid.New(), time.Now().UTC())
	require.ErrorIs(t, err, outbox.ErrStateConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedIncrementsAndRoutesStatus(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END")).
		WithArgs(5, outbox.StatusFailed, outbox.StatusPending, "broker unavailable",
			sqlmock.AnyArg(), id, outbox.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkFailed(context.Background(), id, "broker unavailable", 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedSanitizesErrorMessage(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CASE WHEN retry_count + 1 >= $1")).
		WithArgs(5, outbox.StatusFailed, outbox.StatusPending,
			"dial postgres://svc:[REDACTED]@db:5432 failed", sqlmock.AnyArg(), id, outbox.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.MarkFailed(context.Background(), id, "dial postgres://svc:hunter2@db:5432 failed", 5)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStuckProcessingReturnsSweptCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	swept, err := store.ResetStuckProcessing(context.Background(), 100, time.Now().Add(-10*time.Minute), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, swept)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingAppliesTenantFilter(t *testing.T) {
	store, mock := newMockStore(t)
	msg := pendingMessage(t, "order.created")
	msg.TenantID = "tenant-a"

	mock.ExpectQuery(regexp.QuoteMeta("AND tenant_id = $2")).
		WithArgs(outbox.StatusPending, "tenant-a", 10).
		WillReturnRows(messageRows(msg))

	ctx := eventflow.ContextWithTenantID(context.Background(), "tenant-a")

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tenant-a", pending[0].TenantID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireTenantRejectsUnscopedContext(t *testing.T) {
	store, _ := newMockStore(t, WithRequireTenant(true))

	_, err := store.ListPending(context.Background(), 10)
	require.ErrorIs(t, err, ErrTenantIDRequired)
}

func TestGetByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetByID(context.Background(), id)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListTenantsReturnsDistinctActiveTenants(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT tenant_id")).
		WithArgs(outbox.StatusPending, outbox.StatusProcessing).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).
			AddRow("tenant-a").
			AddRow("tenant-b"))

	tenants, err := store.ListTenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)
}

type recordingTenantResolver struct {
	applied []string
	err     error
}

func (r *recordingTenantResolver) ApplyTenant(_ context.Context, _ *sql.Tx, tenantID string) error {
	r.applied = append(r.applied, tenantID)

	return r.err
}

func TestTenantResolverAppliedInsideTransaction(t *testing.T) {
	resolver := &recordingTenantResolver{}
	store, mock := newMockStore(t, WithTenantResolver(resolver))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CASE WHEN retry_count + 1 >= $1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := eventflow.ContextWithTenantID(context.Background(), "tenant-a")

	require.NoError(t, store.MarkFailed(ctx, uuid.New(), "boom", 5))
	assert.Equal(t, []string{"tenant-a"}, resolver.applied)
}

func TestTenantResolverFailureAborts(t *testing.T) {
	resolver := &recordingTenantResolver{err: errors.New("schema missing")}
	store, mock := newMockStore(t, WithTenantResolver(resolver))

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.MarkFailed(context.Background(), uuid.New(), "boom", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply tenant")
}
