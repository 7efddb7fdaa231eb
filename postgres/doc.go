// Package postgres manages primary/replica PostgreSQL connections with
// read/write splitting and schema migrations.
//
// The Connection type opens two database/sql pools through the pgx stdlib
// driver and wraps them in a dbresolver handle: writes and transactions go
// to the primary, plain queries round-robin across replicas. Pending
// golang-migrate migrations run against the primary during Connect.
package postgres
