package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/novair/lib-eventflow/log"
)

// Lock errors.
var (
	ErrLockManagerRequired = errors.New("lock manager is required")
	ErrLockKeyRequired     = errors.New("lock key is required")
	ErrLockFnRequired      = errors.New("lock function is required")
	ErrLockNotHeld         = errors.New("lock is not held")
)

const (
	defaultLockExpiry     = 10 * time.Second
	defaultLockTries      = 3
	defaultLockRetryDelay = 500 * time.Millisecond
)

// lazyPool resolves the current client on every Get so locks keep working
// across reconnects.
type lazyPool struct {
	conn *Client
}

func (p *lazyPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// LockManager provides distributed mutual exclusion on Redis via the RedLock
// algorithm. TryLock/Unlock pairs are tracked per key, so callers hold plain
// string keys instead of mutex handles. Held locks expire on their own after
// the configured expiry, which bounds the damage of a crashed holder.
type LockManager struct {
	rs         *redsync.Redsync
	logger     log.Logger
	expiry     time.Duration
	tries      int
	retryDelay time.Duration

	mu   sync.Mutex
	held map[string]*redsync.Mutex
}

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockExpiry sets how long an acquired lock is held before auto-expiry.
func WithLockExpiry(expiry time.Duration) LockOption {
	return func(manager *LockManager) {
		if expiry > 0 {
			manager.expiry = expiry
		}
	}
}

// WithLockRetries sets acquisition attempts and the delay between them for
// the blocking WithLock path. TryLock always attempts exactly once.
func WithLockRetries(tries int, delay time.Duration) LockOption {
	return func(manager *LockManager) {
		if tries > 0 {
			manager.tries = tries
		}

		if delay > 0 {
			manager.retryDelay = delay
		}
	}
}

// NewLockManager builds a lock manager over the managed client. The pool
// resolves the live client per operation, surviving reconnects.
func NewLockManager(conn *Client, opts ...LockOption) (*LockManager, error) {
	if conn == nil {
		return nil, ErrClientRequired
	}

	logger := conn.logger
	if logger == nil {
		logger = log.NewNop()
	}

	manager := &LockManager{
		rs:         redsync.New(&lazyPool{conn: conn}),
		logger:     logger,
		expiry:     defaultLockExpiry,
		tries:      defaultLockTries,
		retryDelay: defaultLockRetryDelay,
		held:       make(map[string]*redsync.Mutex),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}

	return manager, nil
}

// TryLock attempts a single, non-blocking acquisition of key. Contention is
// reported as (false, nil); transport failures are errors.
func (m *LockManager) TryLock(ctx context.Context, key string) (bool, error) {
	if m == nil {
		return false, ErrLockManagerRequired
	}

	if strings.TrimSpace(key) == "" {
		return false, ErrLockKeyRequired
	}

	mutex := m.rs.NewMutex(key,
		redsync.WithExpiry(m.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			m.logger.Log(ctx, log.LevelDebug, "lock held elsewhere", log.String("lock_key", key))

			return false, nil
		}

		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	m.mu.Lock()
	m.held[key] = mutex
	m.mu.Unlock()

	return true, nil
}

// Unlock releases a lock previously acquired by TryLock on this manager.
func (m *LockManager) Unlock(ctx context.Context, key string) error {
	if m == nil {
		return ErrLockManagerRequired
	}

	if strings.TrimSpace(key) == "" {
		return ErrLockKeyRequired
	}

	m.mu.Lock()
	mutex, ok := m.held[key]
	delete(m.held, key)
	m.mu.Unlock()

	if !ok {
		return ErrLockNotHeld
	}

	released, err := mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}

	if !released {
		return ErrLockNotHeld
	}

	return nil
}

// WithLock runs fn while holding key, retrying acquisition per the
// configured tries and delay. The lock is released even when fn fails.
func (m *LockManager) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if m == nil {
		return ErrLockManagerRequired
	}

	if strings.TrimSpace(key) == "" {
		return ErrLockKeyRequired
	}

	if fn == nil {
		return ErrLockFnRequired
	}

	mutex := m.rs.NewMutex(key,
		redsync.WithExpiry(m.expiry),
		redsync.WithTries(m.tries),
		redsync.WithRetryDelay(m.retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}

	defer func() {
		if released, err := mutex.UnlockContext(ctx); err != nil || !released {
			m.logger.Log(ctx, log.LevelWarn, "failed to release lock",
				log.String("lock_key", key), log.Err(err))
		}
	}()

	return fn(ctx)
}

func isLockContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	return strings.Contains(err.Error(), "lock already taken")
}
