package faults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "operation timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestCategorizeBuiltinTable(t *testing.T) {
	categorizer := NewCategorizer()

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"context deadline", context.DeadlineExceeded, CategoryTransient},
		{"context canceled", context.Canceled, CategoryTransient},
		{"wrapped deadline", fmt.Errorf("publish: %w", context.DeadlineExceeded), CategoryTransient},
		{"connection refused", syscall.ECONNREFUSED, CategoryInfrastructure},
		{"connection reset", syscall.ECONNRESET, CategoryInfrastructure},
		{"sql conn done", sql.ErrConnDone, CategoryInfrastructure},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, CategoryTransient},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "broker"}, CategoryInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizer.Categorize(tt.err))
		})
	}
}

func TestCategorizeKeywordHeuristics(t *testing.T) {
	categorizer := NewCategorizer()

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"timeout wording", errors.New("request timed out after 30s"), CategoryTransient},
		{"rate limit", errors.New("429 too many requests"), CategoryTransient},
		{"unauthorized", errors.New("401 unauthorized"), CategorySecurity},
		{"forbidden", errors.New("access denied for principal"), CategorySecurity},
		{"validation", errors.New("validation failed: amount must be positive"), CategoryValidation},
		{"unmarshal", errors.New("json: cannot unmarshal string into int"), CategoryValidation},
		{"not found", errors.New("ledger account not found"), CategoryBusiness},
		{"duplicate", errors.New("duplicate entry for key"), CategoryBusiness},
		{"broker down", errors.New("dial tcp 10.0.0.4:5672: host unreachable"), CategoryInfrastructure},
		{"unknown", errors.New("something odd happened"), CategoryUnknown},
		{"nil error", nil, CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizer.Categorize(tt.err))
		})
	}
}

func TestCategorizeCustomMatchersWinOverBuiltins(t *testing.T) {
	sentinel := errors.New("balance below zero")

	categorizer := NewCategorizer(
		WithSentinel(sentinel, CategoryBusiness),
		WithSentinel(context.DeadlineExceeded, CategoryInfrastructure),
	)

	assert.Equal(t, CategoryBusiness, categorizer.Categorize(fmt.Errorf("apply: %w", sentinel)))
	assert.Equal(t, CategoryInfrastructure, categorizer.Categorize(context.DeadlineExceeded))
}

type quotaError struct{ limit int }

func (e *quotaError) Error() string { return fmt.Sprintf("quota of %d exceeded", e.limit) }

func TestMatchTypeClaimsTypedErrors(t *testing.T) {
	categorizer := NewCategorizer(WithMatcher(MatchType[*quotaError](CategoryBusiness)))

	err := fmt.Errorf("charge: %w", &quotaError{limit: 10})
	assert.Equal(t, CategoryBusiness, categorizer.Categorize(err))
}

func TestIsRetryablePerCategory(t *testing.T) {
	assert.True(t, CategoryTransient.IsRetryable())
	assert.True(t, CategoryInfrastructure.IsRetryable())
	assert.True(t, CategoryUnknown.IsRetryable())
	assert.False(t, CategoryValidation.IsRetryable())
	assert.False(t, CategorySecurity.IsRetryable())
	assert.False(t, CategoryBusiness.IsRetryable())
}

func TestNonRetryablePredicate(t *testing.T) {
	categorizer := NewCategorizer()
	predicate := categorizer.NonRetryable()

	assert.True(t, predicate(errors.New("validation failed: bad payload")))
	assert.False(t, predicate(errors.New("request timed out")))
	assert.False(t, predicate(nil))
}

func TestCategorizePurity(t *testing.T) {
	categorizer := NewCategorizer()

	for range 10 {
		assert.Equal(t, CategoryValidation,
			categorizer.Categorize(errors.New("invalid event payload")))
	}
}

func TestCaptureBuildsWrappedTrace(t *testing.T) {
	categorizer := NewCategorizer()

	cause := errors.New("connection refused by broker")
	err := fmt.Errorf("publish order.created: %w", cause)

	trace := categorizer.CaptureWithSource(err, "outbox.processor")

	assert.Equal(t, "outbox.processor", trace.Source)
	assert.Equal(t, CategoryInfrastructure, trace.Category)
	assert.Contains(t, trace.Site, "TestCaptureBuildsWrappedTrace")
	assert.NotEmpty(t, trace.File)
	assert.Positive(t, trace.Line)
	assert.Len(t, trace.Fingerprint, fingerprintLength)

	require.Len(t, trace.Inner, 1)
	assert.Equal(t, cause.Error(), trace.Inner[0].Message)
	assert.Empty(t, trace.Inner[0].Fingerprint)
}

func TestCaptureFlattensJoinedErrors(t *testing.T) {
	categorizer := NewCategorizer()

	err := errors.Join(
		errors.New("validation failed: missing id"),
		errors.New("request timed out"),
	)

	trace := categorizer.Capture(err)

	require.Len(t, trace.Inner, 2)
	assert.Equal(t, CategoryValidation, trace.Inner[0].Category)
	assert.Equal(t, CategoryTransient, trace.Inner[1].Category)
}

func TestCaptureBoundsDepth(t *testing.T) {
	categorizer := NewCategorizer()

	err := errors.New("root cause")
	for i := range 20 {
		err = fmt.Errorf("layer %d: %w", i, err)
	}

	trace := categorizer.Capture(err)

	depth := 0
	for node := trace; len(node.Inner) > 0; node = node.Inner[0] {
		depth++
	}

	assert.LessOrEqual(t, depth, maxTraceDepth)
}

func TestCaptureNilError(t *testing.T) {
	trace := NewCategorizer().Capture(nil)
	assert.Equal(t, CategoryUnknown, trace.Category)
	assert.Empty(t, trace.Message)
}

func TestFingerprintStableForSameSite(t *testing.T) {
	categorizer := NewCategorizer()

	capture := func(err error) TraceInfo {
		return categorizer.capture(err, "", 0)
	}

	first := capture(errors.New("payment gateway timed out"))
	second := capture(errors.New("payment gateway timed out"))

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestApplyHistorySummarizesAttempts(t *testing.T) {
	dlc := &DeadLetterContext{
		EventType: "order.created",
		EventID:   "evt-1",
		Queue:     "orders.dlq",
		FaultedAt: time.Now().UTC(),
	}

	dlc.ApplyHistory([]TraceInfo{
		{Message: "broker unavailable", Category: CategoryInfrastructure, Fingerprint: "aaa"},
		{Message: "broker unavailable", Category: CategoryInfrastructure},
		{Message: "validation failed", Category: CategoryValidation, Fingerprint: "bbb"},
	})

	assert.Equal(t, 3, dlc.TotalAttempts)
	assert.Equal(t, "broker unavailable", dlc.FirstFailure)
	assert.Equal(t, CategoryInfrastructure, dlc.FirstCategory)
	assert.Equal(t, "validation failed", dlc.LastFailure)
	assert.Equal(t, CategoryValidation, dlc.LastCategory)
	assert.Equal(t, "bbb", dlc.Fingerprint())
}

func TestApplyHistoryKeepsHeaderAttemptCount(t *testing.T) {
	dlc := &DeadLetterContext{TotalAttempts: 5}

	dlc.ApplyHistory([]TraceInfo{{Message: "boom", Category: CategoryUnknown}})

	assert.Equal(t, 5, dlc.TotalAttempts)
	assert.Equal(t, "boom", dlc.LastFailure)
}
