// Package outbox implements the transactional outbox pattern: domain events
// are persisted in the same database transaction as the business change and
// delivered to the broker by a background polling processor with retry
// bookkeeping. Delivery is at-least-once; consumers must be idempotent.
package outbox
