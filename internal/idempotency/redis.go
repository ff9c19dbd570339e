package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// RedisStore keeps run records in Redis. Claims use SETNX so exactly one
// caller wins a key across every ledger instance.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

// RedisOptions configures NewRedisStore. Zero PoolSize and MaxRetries keep
// the go-redis defaults.
type RedisOptions struct {
	URL        string
	PoolSize   int
	MaxRetries int
	// TTL is how long completed records are kept.
	TTL time.Duration
}

// NewRedisStore connects to opts.URL and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.PoolSize > 0 {
		opt.PoolSize = opts.PoolSize
	}
	if opts.MaxRetries != 0 {
		opt.MaxRetries = opts.MaxRetries
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreFromClient(client, opts.TTL), nil
}

func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:   client,
		ttl:      ttl,
		claimTTL: DefaultClaimTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) Begin(ctx context.Context, operation, key string) (*Record, bool, error) {
	rec := &Record{Operation: operation, Key: key, Status: StatusRunning, StartedAt: s.now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	claimed, err := s.client.SetNX(ctx, storageKey(operation, key), data, s.claimTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim run key: %w", err)
	}
	if claimed {
		return rec, true, nil
	}

	existing, err := s.get(ctx, operation, key)
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; let the caller retry.
		return nil, false, models.ErrRunInFlight.WithDetail("%s %s", operation, key)
	}
	if err != nil {
		return nil, false, err
	}
	if existing.Status == StatusCompleted {
		return existing, false, nil
	}
	return nil, false, models.ErrRunInFlight.WithDetail("%s %s started at %s", operation, key, existing.StartedAt.Format(time.RFC3339))
}

func (s *RedisStore) get(ctx context.Context, operation, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, storageKey(operation, key)).Bytes()
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt run record %s: %w", storageKey(operation, key), err)
	}
	return &rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, operation, key string, result json.RawMessage) error {
	now := s.now()
	rec := &Record{Operation: operation, Key: key, Status: StatusCompleted, Result: result, StartedAt: now, CompletedAt: &now}
	if existing, err := s.get(ctx, operation, key); err == nil {
		rec.StartedAt = existing.StartedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, storageKey(operation, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store run result: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, operation, key string) error {
	rec, err := s.get(ctx, operation, key)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != StatusRunning {
		return nil
	}
	return s.client.Del(ctx, storageKey(operation, key)).Err()
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
