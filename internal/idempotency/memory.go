package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

type memEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memEntry),
		ttl:      ttl,
		claimTTL: DefaultClaimTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) lookup(k string) (memEntry, bool) {
	e, ok := s.entries[k]
	if ok && !s.now().Before(e.expires) {
		delete(s.entries, k)
		return memEntry{}, false
	}
	return e, ok
}

func (s *MemoryStore) Begin(ctx context.Context, operation, key string) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storageKey(operation, key)
	if e, ok := s.lookup(k); ok {
		if e.rec.Status == StatusCompleted {
			rec := e.rec
			return &rec, false, nil
		}
		return nil, false, models.ErrRunInFlight.WithDetail("%s %s", operation, key)
	}
	now := s.now()
	rec := Record{Operation: operation, Key: key, Status: StatusRunning, StartedAt: now}
	s.entries[k] = memEntry{rec: rec, expires: now.Add(s.claimTTL)}
	return &rec, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, operation, key string, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storageKey(operation, key)
	now := s.now()
	rec := Record{Operation: operation, Key: key, Status: StatusCompleted, Result: result, StartedAt: now, CompletedAt: &now}
	if e, ok := s.lookup(k); ok {
		rec.StartedAt = e.rec.StartedAt
	}
	s.entries[k] = memEntry{rec: rec, expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, operation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storageKey(operation, key)
	if e, ok := s.lookup(k); ok && e.rec.Status == StatusRunning {
		delete(s.entries, k)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
