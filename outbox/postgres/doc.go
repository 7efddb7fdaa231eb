// Package postgres implements the outbox.Store contract on PostgreSQL.
//
// Claiming uses FOR UPDATE SKIP LOCKED plus a conditional status update in
// the same transaction, so concurrent processor replicas never deliver the
// same message twice from the claim path. All state transitions are guarded
// on the expected current status; a transition that matches zero rows
// surfaces outbox.ErrStateConflict instead of silently succeeding.
package postgres
