package repository

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// Direct calls on the store run as their own unit of work.

func (r *InMemoryRepository) InsertFact(ctx context.Context, fact *models.ActivityFact) (bool, error) {
	var out bool
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.InsertFact(ctx, fact)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) GetFact(ctx context.Context, scopeID, factID string) (*models.ActivityFact, error) {
	var out *models.ActivityFact
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetFact(ctx, scopeID, factID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) ListFacts(ctx context.Context, filter models.FactFilter) ([]*models.ActivityFact, error) {
	var out []*models.ActivityFact
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.ListFacts(ctx, filter)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) ListEpochFacts(ctx context.Context, epochID string) ([]*models.ActivityFact, error) {
	var out []*models.ActivityFact
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.ListEpochFacts(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) InsertIdentityBinding(ctx context.Context, binding *models.IdentityBinding) (bool, error) {
	var out bool
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.InsertIdentityBinding(ctx, binding)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) GetIdentityBinding(ctx context.Context, scopeID, source, platformUserID string) (*models.IdentityBinding, error) {
	var out *models.IdentityBinding
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetIdentityBinding(ctx, scopeID, source, platformUserID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) InsertEpoch(ctx context.Context, epoch *models.Epoch) error {
	return r.direct(func(t *memTx) error {
		return t.InsertEpoch(ctx, epoch)
	})
}

func (r *InMemoryRepository) GetEpoch(ctx context.Context, epochID string) (*models.Epoch, error) {
	var out *models.Epoch
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetEpoch(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) LockEpoch(ctx context.Context, epochID string) (*models.Epoch, error) {
	var out *models.Epoch
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.LockEpoch(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) FindEpochByWindow(ctx context.Context, scopeID string, start, end time.Time) (*models.Epoch, error) {
	var out *models.Epoch
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.FindEpochByWindow(ctx, scopeID, start, end)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) GetOpenEpoch(ctx context.Context, scopeID string) (*models.Epoch, error) {
	var out *models.Epoch
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetOpenEpoch(ctx, scopeID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) ListEpochs(ctx context.Context, scopeID string) ([]*models.Epoch, error) {
	var out []*models.Epoch
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.ListEpochs(ctx, scopeID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) MarkEpochClosed(ctx context.Context, epochID string, poolTotal int64, closedAt time.Time) error {
	return r.direct(func(t *memTx) error {
		return t.MarkEpochClosed(ctx, epochID, poolTotal, closedAt)
	})
}

func (r *InMemoryRepository) InsertCurationEntry(ctx context.Context, entry *models.CurationEntry) (bool, error) {
	var out bool
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.InsertCurationEntry(ctx, entry)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) SaveCurationEntry(ctx context.Context, entry *models.CurationEntry) error {
	return r.direct(func(t *memTx) error {
		return t.SaveCurationEntry(ctx, entry)
	})
}

func (r *InMemoryRepository) GetCurationEntry(ctx context.Context, epochID, factID string) (*models.CurationEntry, error) {
	var out *models.CurationEntry
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetCurationEntry(ctx, epochID, factID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) GetCurationEntryByFact(ctx context.Context, scopeID, factID string) (*models.CurationEntry, error) {
	var out *models.CurationEntry
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetCurationEntryByFact(ctx, scopeID, factID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) ListCurationEntries(ctx context.Context, epochID string) ([]*models.CurationEntry, error) {
	var out []*models.CurationEntry
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.ListCurationEntries(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) InsertPoolComponent(ctx context.Context, component *models.PoolComponent) error {
	return r.direct(func(t *memTx) error {
		return t.InsertPoolComponent(ctx, component)
	})
}

func (r *InMemoryRepository) ListPoolComponents(ctx context.Context, epochID string) ([]*models.PoolComponent, error) {
	var out []*models.PoolComponent
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.ListPoolComponents(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) SumPoolComponents(ctx context.Context, epochID string) (int64, error) {
	var out int64
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.SumPoolComponents(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) UpsertProposedAllocation(ctx context.Context, alloc *models.Allocation) error {
	return r.direct(func(t *memTx) error {
		return t.UpsertProposedAllocation(ctx, alloc)
	})
}

func (r *InMemoryRepository) SetFinalUnits(ctx context.Context, epochID, subjectID string, finalUnits *int64, reason string) error {
	return r.direct(func(t *memTx) error {
		return t.SetFinalUnits(ctx, epochID, subjectID, finalUnits, reason)
	})
}

func (r *InMemoryRepository) ListAllocations(ctx context.Context, epochID string) ([]*models.Allocation, error) {
	var out []*models.Allocation
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.ListAllocations(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) InsertStatement(ctx context.Context, statement *models.PayoutStatement) error {
	return r.direct(func(t *memTx) error {
		return t.InsertStatement(ctx, statement)
	})
}

func (r *InMemoryRepository) GetOriginalStatement(ctx context.Context, epochID string) (*models.PayoutStatement, error) {
	var out *models.PayoutStatement
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetOriginalStatement(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) ListStatements(ctx context.Context, epochID string) ([]*models.PayoutStatement, error) {
	var out []*models.PayoutStatement
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.ListStatements(ctx, epochID)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) GetCursor(ctx context.Context, scopeID, adapter, stream string) (*models.SourceCursor, error) {
	var out *models.SourceCursor
	err := r.direct(func(t *memTx) error {
		var err error
		out, err = t.GetCursor(ctx, scopeID, adapter, stream)
		return err
	})
	return out, err
}

func (r *InMemoryRepository) SaveCursor(ctx context.Context, cursor *models.SourceCursor) error {
	return r.direct(func(t *memTx) error {
		return t.SaveCursor(ctx, cursor)
	})
}
