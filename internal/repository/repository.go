package repository

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// Tx is the set of ledger operations available inside a unit of work.
//
// Facts, identity bindings, pool components and payout statements expose
// insert and read methods only. Epochs expose one state transition
// (MarkEpochClosed). Curation entries and allocations are writable, but the
// store rejects those writes once the owning epoch is closed.
type Tx interface {
	// Facts
	InsertFact(ctx context.Context, fact *models.ActivityFact) (bool, error)
	GetFact(ctx context.Context, scopeID, factID string) (*models.ActivityFact, error)
	ListFacts(ctx context.Context, filter models.FactFilter) ([]*models.ActivityFact, error)
	ListEpochFacts(ctx context.Context, epochID string) ([]*models.ActivityFact, error)

	// Identity bindings
	InsertIdentityBinding(ctx context.Context, binding *models.IdentityBinding) (bool, error)
	GetIdentityBinding(ctx context.Context, scopeID, source, platformUserID string) (*models.IdentityBinding, error)

	// Epochs
	InsertEpoch(ctx context.Context, epoch *models.Epoch) error
	GetEpoch(ctx context.Context, epochID string) (*models.Epoch, error)
	// LockEpoch reads the epoch and holds a row lock until the unit of work ends.
	LockEpoch(ctx context.Context, epochID string) (*models.Epoch, error)
	FindEpochByWindow(ctx context.Context, scopeID string, start, end time.Time) (*models.Epoch, error)
	GetOpenEpoch(ctx context.Context, scopeID string) (*models.Epoch, error)
	ListEpochs(ctx context.Context, scopeID string) ([]*models.Epoch, error)
	MarkEpochClosed(ctx context.Context, epochID string, poolTotal int64, closedAt time.Time) error

	// Curation
	InsertCurationEntry(ctx context.Context, entry *models.CurationEntry) (bool, error)
	SaveCurationEntry(ctx context.Context, entry *models.CurationEntry) error
	GetCurationEntry(ctx context.Context, epochID, factID string) (*models.CurationEntry, error)
	GetCurationEntryByFact(ctx context.Context, scopeID, factID string) (*models.CurationEntry, error)
	ListCurationEntries(ctx context.Context, epochID string) ([]*models.CurationEntry, error)

	// Pool components
	InsertPoolComponent(ctx context.Context, component *models.PoolComponent) error
	ListPoolComponents(ctx context.Context, epochID string) ([]*models.PoolComponent, error)
	SumPoolComponents(ctx context.Context, epochID string) (int64, error)

	// Allocations
	UpsertProposedAllocation(ctx context.Context, alloc *models.Allocation) error
	SetFinalUnits(ctx context.Context, epochID, subjectID string, finalUnits *int64, reason string) error
	ListAllocations(ctx context.Context, epochID string) ([]*models.Allocation, error)

	// Payout statements
	InsertStatement(ctx context.Context, statement *models.PayoutStatement) error
	GetOriginalStatement(ctx context.Context, epochID string) (*models.PayoutStatement, error)
	ListStatements(ctx context.Context, epochID string) ([]*models.PayoutStatement, error)

	// Source cursors
	GetCursor(ctx context.Context, scopeID, adapter, stream string) (*models.SourceCursor, error)
	SaveCursor(ctx context.Context, cursor *models.SourceCursor) error
}

// Store is a Tx that can also open atomic units of work.
// Methods called directly on a Store run in their own implicit transaction.
type Store interface {
	Tx
	// WithTx runs fn inside a single atomic transaction. Any error returned by
	// fn rolls back every write fn made.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
