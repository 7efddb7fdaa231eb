package eventflow

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/novair/lib-eventflow/log"
)

type trackingContextKey string

// TrackingContextKey stores the per-unit-of-work tracking container.
const TrackingContextKey trackingContextKey = "eventflow.tracking"

type tenantIDContextKey string

// TenantIDContextKey stores the tenant id used by multi-tenant operations.
const TenantIDContextKey tenantIDContextKey = "eventflow.tenant_id"

// Tracking holds the request-scoped facilities attached to a context.
//
// Correlation ids are carried explicitly here instead of in goroutine-local
// state so they survive handoffs between the write path, the processor, and
// broker consumers.
type Tracking struct {
	CorrelationID string
	Logger        log.Logger
	Tracer        trace.Tracer
}

func trackingFromContext(ctx context.Context) *Tracking {
	if ctx == nil {
		return nil
	}

	tracking, _ := ctx.Value(TrackingContextKey).(*Tracking)

	return tracking
}

func withTracking(ctx context.Context, mutate func(*Tracking)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	current := trackingFromContext(ctx)

	next := &Tracking{}
	if current != nil {
		*next = *current
	}

	mutate(next)

	return context.WithValue(ctx, TrackingContextKey, next)
}

// ContextWithLogger returns a context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	return withTracking(ctx, func(tracking *Tracking) {
		tracking.Logger = logger
	})
}

// LoggerFromContext extracts the logger, falling back to a no-op logger.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if tracking := trackingFromContext(ctx); tracking != nil && tracking.Logger != nil {
		return tracking.Logger
	}

	return log.NewNop()
}

// ContextWithTracer returns a context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return withTracking(ctx, func(tracking *Tracking) {
		tracking.Tracer = tracer
	})
}

// TracerFromContext extracts the tracer, falling back to the global provider.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if tracking := trackingFromContext(ctx); tracking != nil && tracking.Tracer != nil {
		return tracking.Tracer
	}

	return otel.Tracer("eventflow.default")
}

// ContextWithCorrelationID returns a context carrying correlationID.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withTracking(ctx, func(tracking *Tracking) {
		tracking.CorrelationID = strings.TrimSpace(correlationID)
	})
}

// CorrelationIDFromContext reads the correlation id from context.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	tracking := trackingFromContext(ctx)
	if tracking == nil {
		return "", false
	}

	correlationID := strings.TrimSpace(tracking.CorrelationID)
	if correlationID == "" {
		return "", false
	}

	return correlationID, true
}

// EnsureCorrelationID returns the context's correlation id, generating and
// attaching a new one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		return ctx, correlationID
	}

	correlationID := uuid.New().String()

	return ContextWithCorrelationID(ctx, correlationID), correlationID
}

// NewTrackingFromContext extracts tracking components with fail-safe
// defaults: a no-op logger, the global tracer, and a generated correlation id
// when the context carries none.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	logger := LoggerFromContext(ctx)
	tracer := TracerFromContext(ctx)

	correlationID, ok := CorrelationIDFromContext(ctx)
	if !ok {
		correlationID = uuid.New().String()
	}

	return logger, tracer, correlationID
}

// ContextWithTenantID returns a context carrying tenantID.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, TenantIDContextKey, strings.TrimSpace(tenantID))
}

// TenantIDFromContext reads the tenant id from context.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	tenantID, ok := ctx.Value(TenantIDContextKey).(string)
	if !ok || strings.TrimSpace(tenantID) == "" {
		return "", false
	}

	return strings.TrimSpace(tenantID), true
}
