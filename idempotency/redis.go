package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/novair/lib-eventflow/internal/nilcheck"
	eventflowredis "github.com/novair/lib-eventflow/redis"
)

// ErrCommandsRequired is returned when the Redis command surface is missing.
var ErrCommandsRequired = errors.New("redis commands are required")

// Commands is the command surface the Redis store needs. redis.UniversalClient
// and *redis.Client satisfy it.
type Commands interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore implements Store over Redis. SETNX with a TTL gives the atomic
// claim; markers expire on their own so the store never needs sweeping.
type RedisStore struct {
	commands Commands
	tracer   trace.Tracer
}

// NewRedisStore builds a store over an established command surface.
func NewRedisStore(commands Commands) (*RedisStore, error) {
	if nilcheck.Interface(commands) {
		return nil, ErrCommandsRequired
	}

	return &RedisStore{
		commands: commands,
		tracer:   otel.Tracer("eventflow.idempotency"),
	}, nil
}

// NewRedisStoreFromClient builds a store over the managed redis client.
func NewRedisStoreFromClient(ctx context.Context, client *eventflowredis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, eventflowredis.ErrClientRequired
	}

	commands, err := client.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("idempotency: acquiring redis client: %w", err)
	}

	return NewRedisStore(commands)
}

// Exists reports whether a marker is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}

	ctx, span := s.tracer.Start(ctx, "idempotency.exists")
	defer span.End()

	span.SetAttributes(attribute.String("idempotency.key", key))

	count, err := s.commands.Exists(ctx, key).Result()
	if err != nil {
		span.RecordError(err)

		return false, fmt.Errorf("idempotency: exists %s: %w", key, err)
	}

	return count > 0, nil
}

// Set writes a marker unconditionally.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "idempotency.set")
	defer span.End()

	span.SetAttributes(attribute.String("idempotency.key", key))

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if err := s.commands.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)

		return fmt.Errorf("idempotency: set %s: %w", key, err)
	}

	return nil
}

// SetIfAbsent atomically claims a marker via SETNX.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}

	ctx, span := s.tracer.Start(ctx, "idempotency.set_if_absent")
	defer span.End()

	span.SetAttributes(attribute.String("idempotency.key", key))

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	claimed, err := s.commands.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		span.RecordError(err)

		return false, fmt.Errorf("idempotency: claim %s: %w", key, err)
	}

	span.SetAttributes(attribute.Bool("idempotency.claimed", claimed))

	return claimed, nil
}

// Delete removes a marker.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "idempotency.delete")
	defer span.End()

	span.SetAttributes(attribute.String("idempotency.key", key))

	if err := s.commands.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)

		return fmt.Errorf("idempotency: delete %s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) check(key string) error {
	if s == nil || nilcheck.Interface(s.commands) {
		return ErrStoreRequired
	}

	if key == "" {
		return ErrKeyRequired
	}

	return nil
}
