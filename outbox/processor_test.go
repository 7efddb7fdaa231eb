package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventflow "github.com/novair/lib-eventflow"
)

type fakeStore struct {
	mu sync.Mutex

	pending []*Message
	tenants []string

	processed []uuid.UUID
	failures  []failureRecord
	sweeps    int

	claimErr         error
	markProcessedErr error
	markFailedErr    error
	listTenantsErr   error

	claimedTenants []string
}

type failureRecord struct {
	id          uuid.UUID
	errMsg      string
	maxAttempts int
}

func (s *fakeStore) Add(_ context.Context, msg *Message) (*Message, error) { return msg, nil }

func (s *fakeStore) AddWithTx(_ context.Context, _ Tx, msg *Message) (*Message, error) {
	return msg, nil
}

func (s *fakeStore) ClaimPending(ctx context.Context, limit, _ int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return nil, s.claimErr
	}

	tenantID, _ := eventflow.TenantIDFromContext(ctx)
	s.claimedTenants = append(s.claimedTenants, tenantID)

	if limit > len(s.pending) {
		limit = len(s.pending)
	}

	claimed := s.pending[:limit]
	s.pending = s.pending[limit:]

	return claimed, nil
}

func (s *fakeStore) MarkProcessed(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markProcessedErr != nil {
		return s.markProcessedErr
	}

	s.processed = append(s.processed, id)

	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markFailedErr != nil {
		return s.markFailedErr
	}

	s.failures = append(s.failures, failureRecord{id: id, errMsg: errMsg, maxAttempts: maxAttempts})

	return nil
}

func (s *fakeStore) ResetStuckProcessing(context.Context, int, time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweeps++

	return 0, nil
}

func (s *fakeStore) ListPending(_ context.Context, _ int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Message(nil), s.pending...), nil
}

func (s *fakeStore) ListFailed(context.Context, int) ([]*Message, error) { return nil, nil }

func (s *fakeStore) GetByID(context.Context, uuid.UUID) (*Message, error) { return nil, nil }

func (s *fakeStore) ListTenants(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listTenantsErr != nil {
		return nil, s.listTenantsErr
	}

	return s.tenants, nil
}

func mustMessage(t *testing.T, eventType string) *Message {
	t.Helper()

	msg, err := NewMessage(eventType, []byte(`{"k":"v"}`))
	require.NoError(t, err)

	return msg
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(nil, NewRegistry(), nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewProcessor(&fakeStore{}, nil, nil, nil)
	require.ErrorIs(t, err, ErrRegistryRequired)

	processor, err := NewProcessor(&fakeStore{}, NewRegistry(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, processor)
}

func TestProcessOncePublishesAndSettles(t *testing.T) {
	good := mustMessage(t, "order.created")
	bad := mustMessage(t, "order.rejected")

	store := &fakeStore{pending: []*Message{good, bad}}
	registry := NewRegistry()

	require.NoError(t, registry.Register("order.created", func(context.Context, *Message) error {
		return nil
	}))
	require.NoError(t, registry.Register("order.rejected", func(context.Context, *Message) error {
		return errors.New("broker unavailable")
	}))

	processor, err := NewProcessor(store, registry, nil, nil,
		WithPublishMaxAttempts(1),
		WithMaxAttempts(5),
	)
	require.NoError(t, err)

	result := processor.ProcessOnce(context.Background())

	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.StateUpdateFailed)

	require.Len(t, store.processed, 1)
	assert.Equal(t, good.ID, store.processed[0])

	require.Len(t, store.failures, 1)
	assert.Equal(t, bad.ID, store.failures[0].id)
	assert.Equal(t, 5, store.failures[0].maxAttempts)
	assert.Contains(t, store.failures[0].errMsg, "broker unavailable")

	assert.Equal(t, 1, store.sweeps)
}

func TestProcessOnceFailureDoesNotAbortBatch(t *testing.T) {
	first := mustMessage(t, "a")
	second := mustMessage(t, "b")
	third := mustMessage(t, "a")

	store := &fakeStore{pending: []*Message{first, second, third}}
	registry := NewRegistry()

	require.NoError(t, registry.Register("a", func(context.Context, *Message) error { return nil }))
	require.NoError(t, registry.Register("b", func(context.Context, *Message) error {
		return errors.New("decode failure")
	}))

	processor, err := NewProcessor(store, registry, nil, nil, WithPublishMaxAttempts(1))
	require.NoError(t, err)

	result := processor.ProcessOnce(context.Background())

	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 2, result.Published)
	assert.Equal(t, 1, result.Failed)
}

func TestProcessOnceStateUpdateFailure(t *testing.T) {
	msg := mustMessage(t, "order.created")
	store := &fakeStore{pending: []*Message{msg}, markProcessedErr: errors.New("conn lost")}
	registry := NewRegistry()

	require.NoError(t, registry.Register("order.created", func(context.Context, *Message) error {
		return nil
	}))

	processor, err := NewProcessor(store, registry, nil, nil)
	require.NoError(t, err)

	result := processor.ProcessOnce(context.Background())

	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 1, result.StateUpdateFailed)
}

func TestPublishWithRetryStopsOnNonRetryable(t *testing.T) {
	msg := mustMessage(t, "order.created")
	store := &fakeStore{}
	registry := NewRegistry()

	attempts := 0
	permanent := errors.New("schema mismatch")

	require.NoError(t, registry.Register("order.created", func(context.Context, *Message) error {
		attempts++

		return permanent
	}))

	processor, err := NewProcessor(store, registry, nil, nil,
		WithPublishMaxAttempts(4),
		WithPublishBackoff(time.Millisecond),
		WithNonRetryable(func(err error) bool { return errors.Is(err, permanent) }),
	)
	require.NoError(t, err)

	err = processor.publishWithRetry(context.Background(), msg)
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestPublishWithRetryRetriesTransient(t *testing.T) {
	msg := mustMessage(t, "order.created")
	registry := NewRegistry()

	attempts := 0

	require.NoError(t, registry.Register("order.created", func(context.Context, *Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}

		return nil
	}))

	processor, err := NewProcessor(&fakeStore{}, registry, nil, nil,
		WithPublishMaxAttempts(3),
		WithPublishBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	require.NoError(t, processor.publishWithRetry(context.Background(), msg))
	assert.Equal(t, 3, attempts)
}

func TestProcessOnceDefaultsToSingleWireAttemptPerRetry(t *testing.T) {
	msg := mustMessage(t, "order.created")
	store := &fakeStore{pending: []*Message{msg}}
	registry := NewRegistry()

	attempts := 0

	require.NoError(t, registry.Register("order.created", func(context.Context, *Message) error {
		attempts++

		return errors.New("broker unavailable")
	}))

	processor, err := NewProcessor(store, registry, nil, nil)
	require.NoError(t, err)

	processor.ProcessOnce(context.Background())

	// One wire attempt per recorded retry, and the stored error is the raw
	// failure message, not a wrapped attempt summary.
	assert.Equal(t, 1, attempts)
	require.Len(t, store.failures, 1)
	assert.Equal(t, "broker unavailable", store.failures[0].errMsg)
}

func TestPublishWithRetryReturnsLastRawFailure(t *testing.T) {
	msg := mustMessage(t, "order.created")
	registry := NewRegistry()

	attempts := 0
	final := errors.New("third failure")

	require.NoError(t, registry.Register("order.created", func(context.Context, *Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("earlier failure")
		}

		return final
	}))

	processor, err := NewProcessor(&fakeStore{}, registry, nil, nil,
		WithPublishMaxAttempts(3),
		WithPublishBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	err = processor.publishWithRetry(context.Background(), msg)
	require.ErrorIs(t, err, final)
	assert.EqualError(t, err, "third failure")
	assert.Equal(t, 3, attempts)
}

type fakeSweepLock struct {
	mu sync.Mutex

	acquired bool
	tryErr   error

	tryCalls    int
	unlockCalls int
	keys        []string
}

func (l *fakeSweepLock) TryLock(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tryCalls++
	l.keys = append(l.keys, key)

	return l.acquired, l.tryErr
}

func (l *fakeSweepLock) Unlock(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.unlockCalls++

	return nil
}

func TestSweepLockGuardsAndReleases(t *testing.T) {
	store := &fakeStore{}
	lock := &fakeSweepLock{acquired: true}

	processor, err := NewProcessor(store, NewRegistry(), nil, nil,
		WithSweepLock(lock, ""))
	require.NoError(t, err)

	processor.ProcessOnce(context.Background())

	assert.Equal(t, 1, store.sweeps)
	assert.Equal(t, 1, lock.tryCalls)
	assert.Equal(t, 1, lock.unlockCalls)
	require.Len(t, lock.keys, 1)
	assert.Equal(t, "eventflow:outbox:sweep", lock.keys[0])
}

func TestSweepLockSkipsWhenHeldElsewhere(t *testing.T) {
	store := &fakeStore{}
	lock := &fakeSweepLock{acquired: false}

	processor, err := NewProcessor(store, NewRegistry(), nil, nil,
		WithSweepLock(lock, "custom:sweep"))
	require.NoError(t, err)

	processor.ProcessOnce(context.Background())

	assert.Zero(t, store.sweeps)
	assert.Zero(t, lock.unlockCalls)
	require.Len(t, lock.keys, 1)
	assert.Equal(t, "custom:sweep", lock.keys[0])
}

func TestSweepLockFailureSweepsUnguarded(t *testing.T) {
	store := &fakeStore{}
	lock := &fakeSweepLock{tryErr: errors.New("redis down")}

	processor, err := NewProcessor(store, NewRegistry(), nil, nil,
		WithSweepLock(lock, ""))
	require.NoError(t, err)

	processor.ProcessOnce(context.Background())

	assert.Equal(t, 1, store.sweeps)
	assert.Zero(t, lock.unlockCalls)
}

func TestProcessAcrossTenantsScopesEachTenant(t *testing.T) {
	store := &fakeStore{tenants: []string{"tenant-a", "", "tenant-b"}}
	registry := NewRegistry()

	processor, err := NewProcessor(store, registry, nil, nil)
	require.NoError(t, err)

	processor.processAcrossTenants(context.Background())

	assert.ElementsMatch(t, []string{"tenant-a", "tenant-b"}, store.claimedTenants)
}

func TestProcessAcrossTenantsFallsBackToDefaultScope(t *testing.T) {
	store := &fakeStore{}
	registry := NewRegistry()

	processor, err := NewProcessor(store, registry, nil, nil)
	require.NoError(t, err)

	processor.processAcrossTenants(context.Background())

	require.Len(t, store.claimedTenants, 1)
	assert.Empty(t, store.claimedTenants[0])
}

func TestTenantOrderRotates(t *testing.T) {
	processor, err := NewProcessor(&fakeStore{}, NewRegistry(), nil, nil)
	require.NoError(t, err)

	tenants := []string{"a", "b", "c"}

	first := processor.tenantOrder(tenants)
	second := processor.tenantOrder(tenants)

	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, []string{"b", "c", "a"}, second)
}

func TestRunAndShutdown(t *testing.T) {
	store := &fakeStore{tenants: []string{"tenant-a"}}
	registry := NewRegistry()

	processor, err := NewProcessor(store, registry, nil, nil,
		WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	runErr := make(chan error, 1)

	go func() { runErr <- processor.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()

		return len(store.claimedTenants) > 0
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, processor.Shutdown(ctx))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRunRejectsConcurrentLoops(t *testing.T) {
	processor, err := NewProcessor(&fakeStore{}, NewRegistry(), nil, nil,
		WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = processor.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return errors.Is(processor.Run(context.Background()), ErrProcessorRunning)
	}, time.Second, 5*time.Millisecond)
}
