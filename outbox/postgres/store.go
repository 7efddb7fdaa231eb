package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	eventflow "github.com/novair/lib-eventflow"
	"github.com/novair/lib-eventflow/internal/nilcheck"
	"github.com/novair/lib-eventflow/log"
	"github.com/novair/lib-eventflow/outbox"
	pgconn "github.com/novair/lib-eventflow/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrDatabaseRequired          = errors.New("database handle is required")
	ErrStoreNotInitialized       = errors.New("outbox store not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrTenantIDRequired          = errors.New("tenant id is required")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

const exhaustedRetriesMessage = "max delivery attempts exceeded"

const messageColumns = "id, event_type, payload, correlation_id, tenant_id, " +
	"status, retry_count, last_error, created_at, processed_at"

// DB is the database handle subset the store needs. Both dbresolver.DB and
// *sql.DB satisfy it; reads without a transaction follow the handle's own
// routing (replicas under dbresolver).
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option customizes the store at construction.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTableName overrides the default outbox_messages table.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithTenantResolver installs per-transaction tenant scoping for hosts that
// isolate tenants beyond the tenant_id column (schema per tenant).
func WithTenantResolver(resolver outbox.TenantResolver) Option {
	return func(store *Store) {
		if nilcheck.Interface(resolver) {
			return
		}

		store.tenantResolver = resolver
	}
}

// WithRequireTenant makes every operation fail when the context carries no
// tenant id.
func WithRequireTenant(required bool) Option {
	return func(store *Store) {
		store.requireTenant = required
	}
}

// WithTransactionTimeout bounds store-owned transactions that have no
// caller deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists outbox messages in PostgreSQL.
type Store struct {
	db                 DB
	logger             log.Logger
	tenantResolver     outbox.TenantResolver
	requireTenant      bool
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store over an open database handle.
func NewStore(db DB, opts ...Option) (*Store, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDatabaseRequired
	}

	store := &Store{
		db:                 db,
		logger:             log.NewNop(),
		tableName:          "outbox_messages",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "outbox_messages"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// NewStoreFromConnection creates a store from the shared connection client,
// connecting lazily through its resolver.
func NewStoreFromConnection(ctx context.Context, conn *pgconn.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrDatabaseRequired
	}

	resolver, err := conn.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve database handle: %w", err)
	}

	return NewStore(resolver, opts...)
}

// Add persists a pending message in its own transaction.
func (store *Store) Add(ctx context.Context, msg *outbox.Message) (*outbox.Message, error) {
	return store.add(ctx, nil, msg)
}

// AddWithTx persists a pending message inside the caller's transaction.
func (store *Store) AddWithTx(ctx context.Context, tx outbox.Tx, msg *outbox.Message) (*outbox.Message, error) {
	return store.add(ctx, tx, msg)
}

func (store *Store) add(ctx context.Context, tx *sql.Tx, msg *outbox.Message) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if msg == nil {
		return nil, outbox.ErrMessageRequired
	}

	if msg.ID == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox_store.add")
	defer span.End()

	tenantID, err := store.resolveTenantID(ctx, msg.TenantID)
	if err != nil {
		return nil, err
	}

	result, err := withTxOrExisting(store, ctx, tx, func(execTx *sql.Tx) (*outbox.Message, error) {
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		query := "INSERT INTO " + store.table() +
			" (id, event_type, payload, correlation_id, tenant_id, status, retry_count, last_error, created_at, updated_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6::outbox_status, 0, NULL, $7, $7)" +
			" RETURNING " + messageColumns

		row := execTx.QueryRowContext(ctx, query,
			msg.ID, msg.EventType, msg.Payload, msg.CorrelationID, tenantID,
			outbox.StatusPending, createdAt,
		)

		return scanMessage(row)
	})
	if err != nil {
		recordSpanError(span, "failed to add outbox message", err)
		logSanitizedError(logger, ctx, "failed to add outbox message", err)

		return nil, fmt.Errorf("adding outbox message: %w", err)
	}

	return result, nil
}

// ClaimPending selects up to limit pending messages below the attempt
// ceiling, oldest first, skipping rows locked by other replicas, and moves
// them to PROCESSING before the claiming transaction commits.
func (store *Store) ClaimPending(ctx context.Context, limit, maxAttempts int) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox_store.claim_pending")
	defer span.End()

	tenantID, err := store.contextTenantID(ctx)
	if err != nil {
		return nil, err
	}

	result, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*outbox.Message, error) {
		query := "SELECT " + messageColumns + " FROM " + store.table() +
			" WHERE status = $1::outbox_status AND retry_count < $2"

		args := []any{outbox.StatusPending, maxAttempts}

		filter, filterArgs := tenantFilterClause(len(args)+1, tenantID)
		query += filter
		args = append(args, filterArgs...)

		query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED", len(args)+1)
		args = append(args, limit)

		messages, err := queryMessages(ctx, tx, query, args, limit, "querying pending messages")
		if err != nil {
			return nil, err
		}

		if len(messages) == 0 {
			return messages, nil
		}

		now := time.Now().UTC()
		if err := store.markClaimed(ctx, tx, messages, tenantID, now); err != nil {
			return nil, err
		}

		for _, msg := range messages {
			msg.Status = outbox.StatusProcessing
		}

		return messages, nil
	})
	if err != nil {
		recordSpanError(span, "failed to claim pending messages", err)
		logSanitizedError(logger, ctx, "failed to claim pending messages", err)

		return nil, fmt.Errorf("claiming pending messages: %w", err)
	}

	return result, nil
}

func (store *Store) markClaimed(
	ctx context.Context,
	tx *sql.Tx,
	messages []*outbox.Message,
	tenantID string,
	now time.Time,
) error {
	ids := collectIDs(messages)
	if len(ids) == 0 {
		return nil
	}

	query := "UPDATE " + store.table() +
		" SET status = $1::outbox_status, updated_at = $2 WHERE id IN (" +
		placeholders(3, len(ids)) + ") AND status = $" + fmt.Sprint(3+len(ids)) + "::outbox_status"

	args := make([]any, 0, 3+len(ids)+1)
	args = append(args, outbox.StatusProcessing, now)

	for _, id := range ids {
		args = append(args, id)
	}

	args = append(args, outbox.StatusPending)

	filter, filterArgs := tenantFilterClause(len(args)+1, tenantID)
	query += filter
	args = append(args, filterArgs...)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("marking messages processing: %w", err)
	}

	// The SELECT holds row locks, so every selected row must transition.
	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("marking messages processing: %w", err)
	}

	return nil
}

// MarkProcessed finalizes a PROCESSING message.
func (store *Store) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox_store.mark_processed")
	defer span.End()

	tenantID, err := store.contextTenantID(ctx)
	if err != nil {
		return err
	}

	_, err = withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		query := "UPDATE " + store.table() +
			" SET status = $1::outbox_status, processed_at = $2, updated_at = $3" +
			" WHERE id = $4 AND status = $5::outbox_status"

		args := []any{outbox.StatusProcessed, processedAt, time.Now().UTC(), id, outbox.StatusProcessing}

		filter, filterArgs := tenantFilterClause(len(args)+1, tenantID)
		query += filter
		args = append(args, filterArgs...)

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrStateConflict) {
			recordSpanError(span, "failed to mark message processed", err)
			logSanitizedError(logger, ctx, "failed to mark message processed", err)
		}

		return fmt.Errorf("marking processed: %w", err)
	}

	return nil
}

// MarkFailed records one failed delivery attempt. The row reverts to PENDING
// while attempts remain, and settles at FAILED once the new retry count
// reaches maxAttempts.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox_store.mark_failed")
	defer span.End()

	tenantID, err := store.contextTenantID(ctx)
	if err != nil {
		return err
	}

	_, err = withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		query := "UPDATE " + store.table() + " SET " +
			"status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END::outbox_status, " +
			"retry_count = retry_count + 1, " +
			"last_error = $4, " +
			"updated_at = $5 WHERE id = $6 AND status = $7::outbox_status"

		args := []any{
			maxAttempts,
			outbox.StatusFailed,
			outbox.StatusPending,
			errMsg,
			time.Now().UTC(),
			id,
			outbox.StatusProcessing,
		}

		filter, filterArgs := tenantFilterClause(len(args)+1, tenantID)
		query += filter
		args = append(args, filterArgs...)

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrStateConflict) {
			recordSpanError(span, "failed to mark message failed", err)
			logSanitizedError(logger, ctx, "failed to mark message failed", err)
		}

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// ResetStuckProcessing sweeps PROCESSING rows whose claim is older than
// processingBefore. Rows with attempts remaining revert to PENDING; rows at
// the ceiling settle at FAILED. The interrupted attempt counts either way.
func (store *Store) ResetStuckProcessing(
	ctx context.Context,
	limit int,
	processingBefore time.Time,
	maxAttempts int,
) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return 0, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox_store.reset_stuck_processing")
	defer span.End()

	tenantID, err := store.contextTenantID(ctx)
	if err != nil {
		return 0, err
	}

	swept, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := store.table()

		subquery := "SELECT id FROM " + table +
			" WHERE status = $4::outbox_status AND updated_at <= $5"

		subArgs := 7

		filter, filterArgs := tenantFilterClause(subArgs+1, tenantID)
		subquery += filter
		subArgs += len(filterArgs)

		subquery += fmt.Sprintf(" ORDER BY updated_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED", subArgs+1)

		query := "UPDATE " + table + " SET " +
			"status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END::outbox_status, " +
			"retry_count = retry_count + 1, " +
			"last_error = CASE WHEN retry_count + 1 >= $1 THEN $6 ELSE last_error END, " +
			"updated_at = $7 WHERE id IN (" + subquery + ")"

		args := []any{
			maxAttempts,
			outbox.StatusFailed,
			outbox.StatusPending,
			outbox.StatusProcessing,
			processingBefore,
			exhaustedRetriesMessage,
			time.Now().UTC(),
		}
		args = append(args, filterArgs...)
		args = append(args, limit)

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("executing sweep: %w", execErr)
		}

		return result.RowsAffected()
	})
	if err != nil {
		recordSpanError(span, "failed to sweep stuck messages", err)
		logSanitizedError(logger, ctx, "failed to sweep stuck messages", err)

		return 0, fmt.Errorf("sweeping stuck messages: %w", err)
	}

	return int(swept), nil
}

// ListPending returns pending messages oldest first without claiming them.
func (store *Store) ListPending(ctx context.Context, limit int) ([]*outbox.Message, error) {
	return store.listByStatus(ctx, outbox.StatusPending, limit, "outbox_store.list_pending")
}

// ListFailed returns terminally failed messages, most recent failures first.
func (store *Store) ListFailed(ctx context.Context, limit int) ([]*outbox.Message, error) {
	return store.listByStatus(ctx, outbox.StatusFailed, limit, "outbox_store.list_failed")
}

func (store *Store) listByStatus(
	ctx context.Context,
	status outbox.Status,
	limit int,
	spanName string,
) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	tenantID, err := store.contextTenantID(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM " + store.table() +
		" WHERE status = $1::outbox_status"
	args := []any{status}

	filter, filterArgs := tenantFilterClause(len(args)+1, tenantID)
	query += filter
	args = append(args, filterArgs...)

	order := " ORDER BY created_at ASC"
	if status == outbox.StatusFailed {
		order = " ORDER BY updated_at DESC"
	}

	query += fmt.Sprintf("%s LIMIT $%d", order, len(args)+1)
	args = append(args, limit)

	rows, err := store.db.QueryContext(ctx, query, args...)
	if err != nil {
		recordSpanError(span, "failed to list messages", err)
		logSanitizedError(logger, ctx, "failed to list messages", err)

		return nil, fmt.Errorf("listing %s messages: %w", strings.ToLower(status.String()), err)
	}

	defer rows.Close()

	return scanMessageRows(rows, limit)
}

// GetByID fetches one message regardless of state.
func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox_store.get_by_id")
	defer span.End()

	tenantID, err := store.contextTenantID(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM " + store.table() + " WHERE id = $1"
	args := []any{id}

	filter, filterArgs := tenantFilterClause(len(args)+1, tenantID)
	query += filter
	args = append(args, filterArgs...)

	msg, err := scanMessage(store.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			recordSpanError(span, "failed to get message", err)
			logSanitizedError(logger, ctx, "failed to get message", err)
		}

		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return msg, nil
}

// ListTenants returns distinct tenant ids with undelivered messages.
func (store *Store) ListTenants(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	logger, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox_store.list_tenants")
	defer span.End()

	query := "SELECT DISTINCT tenant_id FROM " + store.table() +
		" WHERE status IN ($1::outbox_status, $2::outbox_status) AND tenant_id <> ''"

	rows, err := store.db.QueryContext(ctx, query, outbox.StatusPending, outbox.StatusProcessing)
	if err != nil {
		recordSpanError(span, "failed to list tenants", err)
		logSanitizedError(logger, ctx, "failed to list tenants", err)

		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	defer rows.Close()

	var tenants []string

	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}

		tenants = append(tenants, tenantID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}

	return tenants, nil
}

func (store *Store) initialized() bool {
	return store != nil && !nilcheck.Interface(store.db)
}

func (store *Store) table() string {
	return quoteIdentifierPath(store.tableName)
}

// resolveTenantID picks the message tenant over the context tenant for
// writes; a context tenant is still required when the store demands one.
func (store *Store) resolveTenantID(ctx context.Context, messageTenantID string) (string, error) {
	if messageTenantID != "" {
		return messageTenantID, nil
	}

	return store.contextTenantID(ctx)
}

func (store *Store) contextTenantID(ctx context.Context) (string, error) {
	tenantID, ok := eventflow.TenantIDFromContext(ctx)
	if store.requireTenant && (!ok || tenantID == "") {
		return "", ErrTenantIDRequired
	}

	return tenantID, nil
}

func withTxOrExisting[T any](
	store *Store,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	tenantID, err := store.contextTenantID(ctx)
	if err != nil {
		return zero, err
	}

	if tx != nil {
		if err := store.applyTenant(ctx, tx, tenantID); err != nil {
			return zero, err
		}

		return fn(tx)
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	newTx, err := store.db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	if err := store.applyTenant(txCtx, newTx, tenantID); err != nil {
		return zero, err
	}

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}

	return result, nil
}

func (store *Store) applyTenant(ctx context.Context, tx *sql.Tx, tenantID string) error {
	if nilcheck.Interface(store.tenantResolver) {
		return nil
	}

	if err := store.tenantResolver.ApplyTenant(ctx, tx, tenantID); err != nil {
		return fmt.Errorf("apply tenant: %w", err)
	}

	return nil
}

func tenantFilterClause(index int, tenantID string) (string, []any) {
	if tenantID == "" {
		return "", nil
	}

	return fmt.Sprintf(" AND tenant_id = $%d", index), []any{tenantID}
}

func placeholders(start, count int) string {
	var builder strings.Builder

	for i := range count {
		if i > 0 {
			builder.WriteString(", ")
		}

		fmt.Fprintf(&builder, "$%d", start+i)
	}

	return builder.String()
}

func collectIDs(messages []*outbox.Message) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(messages))

	for _, msg := range messages {
		if msg == nil || msg.ID == uuid.Nil {
			continue
		}

		ids = append(ids, msg.ID)
	}

	return ids
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.Message, error) {
	var msg outbox.Message

	var (
		correlationID sql.NullString
		tenantID      sql.NullString
		lastError     sql.NullString
	)

	if err := scanner.Scan(
		&msg.ID,
		&msg.EventType,
		&msg.Payload,
		&correlationID,
		&tenantID,
		&msg.Status,
		&msg.RetryCount,
		&lastError,
		&msg.CreatedAt,
		&msg.ProcessedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	msg.CorrelationID = correlationID.String
	msg.TenantID = tenantID.String
	msg.LastError = lastError.String

	return &msg, nil
}

func scanMessageRows(rows *sql.Rows, limit int) ([]*outbox.Message, error) {
	messages := make([]*outbox.Message, 0, limit)

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return messages, nil
}

func queryMessages(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.Message, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	return scanMessageRows(rows, limit)
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return outbox.ErrStateConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrStateConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func recordSpanError(span trace.Span, msg string, err error) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message,
		log.String("error", outbox.SanitizeErrorMessage(err.Error())))
}
