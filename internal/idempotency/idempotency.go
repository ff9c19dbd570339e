// Package idempotency tracks caller-keyed runs of state-transition
// operations so a repeated call with the same key returns the first result
// instead of running again.
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Record is the stored state of one keyed run.
type Record struct {
	Operation   string          `json:"operation"`
	Key         string          `json:"key"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Store claims, completes and releases run keys.
type Store interface {
	// Begin claims (operation, key). When the key has already completed it
	// returns the completed record and claimed=false. When another run holds
	// the key it fails with models.ErrRunInFlight.
	Begin(ctx context.Context, operation, key string) (rec *Record, claimed bool, err error)
	// Complete stores the result of a claimed run.
	Complete(ctx context.Context, operation, key string, result json.RawMessage) error
	// Release drops a claim after a failed run so the key can be retried.
	Release(ctx context.Context, operation, key string) error
	Close() error
}

// DefaultClaimTTL bounds how long a crashed run keeps its key claimed.
const DefaultClaimTTL = 10 * time.Minute

func storageKey(operation, key string) string {
	return "ledger:run:" + operation + ":" + key
}
