package messaging

import (
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// Subjects follow {domain}.{resource}.{action}.
const (
	// Events published by the ledger
	SubjectFactsIngested         = "ledger.facts.ingested"
	SubjectEpochsClosed          = "ledger.epochs.closed"
	SubjectVerificationCompleted = "ledger.verification.completed"

	// Keyed jobs consumed by the ledger workers
	SubjectJobsCollect  = "ledger.jobs.collect"
	SubjectJobsFinalize = "ledger.jobs.finalize"
	SubjectJobsVerify   = "ledger.jobs.verify"
)

// QueueLedgerWorkers is the queue group shared by ledger job workers.
const QueueLedgerWorkers = "ledger-workers"

// FactsIngestedEvent is published after a collection run.
type FactsIngestedEvent struct {
	Key      string    `json:"key"`
	ScopeID  string    `json:"scope_id"`
	Adapter  string    `json:"adapter"`
	Inserted int       `json:"inserted"`
	Skipped  int       `json:"skipped"`
	Assigned int       `json:"assigned"`
	At       time.Time `json:"at"`
}

// EpochClosedEvent is published once, by the call that closed the epoch.
type EpochClosedEvent struct {
	Key         string    `json:"key"`
	ScopeID     string    `json:"scope_id"`
	EpochID     string    `json:"epoch_id"`
	StatementID string    `json:"statement_id"`
	PoolTotal   int64     `json:"pool_total"`
	TotalUnits  int64     `json:"total_units"`
	ClosedAt    time.Time `json:"closed_at"`
}

// VerificationCompletedEvent reports a verification outcome.
type VerificationCompletedEvent struct {
	EpochID     string    `json:"epoch_id"`
	StatementID string    `json:"statement_id"`
	Matches     bool      `json:"matches"`
	Diffs       int       `json:"diffs"`
	CheckedAt   time.Time `json:"checked_at"`
}

// CollectJob asks a worker to run a keyed collection.
type CollectJob struct {
	Key     string                `json:"key"`
	Request models.CollectRequest `json:"request"`
}

// EpochJob asks a worker to finalize or verify an epoch.
type EpochJob struct {
	Key     string `json:"key"`
	EpochID string `json:"epoch_id"`
}
