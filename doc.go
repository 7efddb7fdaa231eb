// Package eventflow carries request-scoped tracking values (correlation id,
// tenant id, logger, tracer) through context for the reliable event-delivery
// pipeline packages in this module.
//
// Every value has a fail-safe accessor: extraction from an unpopulated
// context returns a usable default (no-op logger, global tracer, generated
// correlation id) so callers never need nil checks downstream.
package eventflow
