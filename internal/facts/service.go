package facts

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

type Service struct {
	store  repository.Store
	logger *logging.Logger
	now    func() time.Time
}

func NewService(store repository.Store, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Ingest stores one fact. A fact that already exists is reported with
// Inserted=false; that is success, not an error.
func (s *Service) Ingest(ctx context.Context, fact *models.ActivityFact) (models.IngestResult, error) {
	res, err := s.IngestBatch(ctx, []*models.ActivityFact{fact})
	if err != nil {
		return models.IngestResult{}, err
	}
	return res.Results[0], nil
}

// IngestBatch validates every fact up front and then stores the batch in one
// transaction. A malformed fact rejects the whole batch before anything is written.
func (s *Service) IngestBatch(ctx context.Context, batch []*models.ActivityFact) (*models.BatchResult, error) {
	prepared, err := s.Prepare(batch)
	if err != nil {
		return nil, err
	}

	var result *models.BatchResult
	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		result, err = s.InsertPrepared(ctx, tx, prepared)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Prepare normalizes a batch without touching storage.
func (s *Service) Prepare(batch []*models.ActivityFact) ([]*models.ActivityFact, error) {
	now := s.now()
	prepared := make([]*models.ActivityFact, 0, len(batch))
	for i, f := range batch {
		n, err := Normalize(f)
		if err != nil {
			return nil, fmt.Errorf("fact %d: %w", i, err)
		}
		n.IngestedAt = now
		prepared = append(prepared, n)
	}
	return prepared, nil
}

// InsertPrepared writes already-normalized facts inside tx.
func (s *Service) InsertPrepared(ctx context.Context, tx repository.Tx, prepared []*models.ActivityFact) (*models.BatchResult, error) {
	result := &models.BatchResult{Results: make([]models.IngestResult, 0, len(prepared))}
	for _, f := range prepared {
		inserted, err := tx.InsertFact(ctx, f)
		if err != nil {
			return nil, err
		}
		if inserted {
			result.Inserted++
		} else {
			result.Skipped++
			s.logger.DebugContext(ctx, "fact already present", logging.FactID(f.ID), logging.Scope(f.ScopeID))
		}
		result.Results = append(result.Results, models.IngestResult{FactID: f.ID, Inserted: inserted})
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, scopeID, factID string) (*models.ActivityFact, error) {
	return s.store.GetFact(ctx, scopeID, factID)
}

func (s *Service) List(ctx context.Context, filter models.FactFilter) ([]*models.ActivityFact, error) {
	if filter.ScopeID == "" {
		return nil, models.ErrInvalidRequest.WithDetail("scope_id is required")
	}
	return s.store.ListFacts(ctx, filter)
}

// ListForEpoch returns the facts curated into an epoch.
func (s *Service) ListForEpoch(ctx context.Context, epochID string) ([]*models.ActivityFact, error) {
	if _, err := s.store.GetEpoch(ctx, epochID); err != nil {
		return nil, err
	}
	return s.store.ListEpochFacts(ctx, epochID)
}
