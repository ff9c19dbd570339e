// Package epoch drives the open → closed lifecycle of an accounting period
// and produces its payout statement.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/payout"
	"github.com/telhawk-systems/telhawk-ledger/internal/pool"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
	"github.com/telhawk-systems/telhawk-ledger/internal/weights"
)

// CloseResult is the statement produced (or found) by Close.
type CloseResult struct {
	Statement *models.PayoutStatement `json:"statement"`
	// Closed is true only for the call that performed the transition.
	Closed bool `json:"closed"`
}

type Service struct {
	store    repository.Store
	curation *curation.Service
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(store repository.Store, curationSvc *curation.Service, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if curationSvc == nil {
		curationSvc = curation.NewService(store, logger)
	}
	return &Service{
		store:    store,
		curation: curationSvc,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open creates an epoch for the window with a pinned copy of the policy.
// If an epoch with the identical window already exists it is returned with
// Created=false, provided its pinned policy matches. Opening while another
// epoch of the scope is open fails with ErrEpochAlreadyOpen.
func (s *Service) Open(ctx context.Context, req models.OpenEpochRequest) (*models.OpenEpochResponse, error) {
	if strings.TrimSpace(req.ScopeID) == "" {
		return nil, models.ErrInvalidRequest.WithDetail("scope_id is required")
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || !req.PeriodStart.Before(req.PeriodEnd) {
		return nil, models.ErrInvalidWindow
	}
	if err := weights.Validate(req.Policy); err != nil {
		return nil, err
	}
	if req.BaseIssuance < 0 {
		return nil, models.ErrInvalidComponent.WithDetail("base issuance must not be negative")
	}
	pinned := weights.Clone(req.Policy)
	policyHash, err := weights.Hash(pinned)
	if err != nil {
		return nil, err
	}

	start, end := req.PeriodStart.UTC(), req.PeriodEnd.UTC()
	now := s.now()
	epoch := &models.Epoch{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ScopeID:      req.ScopeID,
		Status:       models.EpochOpen,
		PeriodStart:  start,
		PeriodEnd:    end,
		WeightPolicy: pinned,
		PolicyHash:   policyHash,
		OpenedAt:     now,
	}

	var existing *models.Epoch
	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		found, err := tx.FindEpochByWindow(ctx, req.ScopeID, start, end)
		if err == nil {
			existing = found
			return nil
		}
		if !errors.Is(err, models.ErrEpochNotFound) {
			return err
		}
		if open, err := tx.GetOpenEpoch(ctx, req.ScopeID); err == nil {
			return models.ErrEpochAlreadyOpen.WithDetail("epoch %s covers %s to %s",
				open.ID, open.PeriodStart.Format(time.RFC3339), open.PeriodEnd.Format(time.RFC3339))
		} else if !errors.Is(err, models.ErrEpochNotFound) {
			return err
		}
		if err := tx.InsertEpoch(ctx, epoch); err != nil {
			return err
		}
		_, err = pool.EnsureBaseIssuance(ctx, tx, epoch, req.BaseIssuance, now)
		return err
	})
	if errors.Is(err, models.ErrEpochWindowExists) {
		// Lost a race with a concurrent open of the same window.
		existing, err = s.store.FindEpochByWindow(ctx, req.ScopeID, start, end)
	}
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.PolicyHash != policyHash {
			return nil, models.ErrPolicyImmutable.WithDetail("epoch %s was opened with policy %s", existing.ID, existing.PolicyHash)
		}
		if err := s.ensureBaseIssuance(ctx, existing.ID, req.BaseIssuance); err != nil {
			return nil, err
		}
		s.logger.DebugContext(ctx, "epoch already exists for window", logging.EpochID(existing.ID))
		return &models.OpenEpochResponse{Epoch: existing, Created: false}, nil
	}

	s.logger.InfoContext(ctx, "epoch opened",
		logging.EpochID(epoch.ID), logging.Scope(epoch.ScopeID),
		"period_start", start, "period_end", end, "policy_version", pinned.Version)
	return &models.OpenEpochResponse{Epoch: epoch, Created: true}, nil
}

// ensureBaseIssuance backfills the base issuance of an epoch created by an
// earlier call that did not carry one.
func (s *Service) ensureBaseIssuance(ctx context.Context, epochID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := tx.LockEpoch(ctx, epochID)
		if err != nil {
			return err
		}
		recorded, err := pool.EnsureBaseIssuance(ctx, tx, epoch, amount, s.now())
		if recorded {
			s.logger.InfoContext(ctx, "base issuance recorded for existing epoch",
				logging.EpochID(epochID), "amount", amount)
		}
		return err
	})
}

// Close finalizes the epoch. Calling it on a closed epoch returns the
// original statement unchanged. Otherwise everything from the allocation
// refresh to the statement insert happens in one transaction that holds the
// epoch row lock.
func (s *Service) Close(ctx context.Context, epochID string) (*CloseResult, error) {
	start := time.Now()
	result := &CloseResult{}
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := tx.LockEpoch(ctx, epochID)
		if err != nil {
			return err
		}
		if !epoch.IsOpen() {
			st, err := tx.GetOriginalStatement(ctx, epochID)
			if err != nil {
				return fmt.Errorf("closed epoch %s has no statement: %w", epochID, err)
			}
			result.Statement = st
			return nil
		}

		ok, err := pool.HasBaseIssuance(ctx, tx, epochID)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrMissingBaseIssuance.WithDetail("epoch %s", epochID)
		}

		allocs, err := s.curation.RefreshAllocationsTx(ctx, tx, epoch)
		if err != nil {
			return fmt.Errorf("failed to refresh allocations: %w", err)
		}
		total, err := pool.TotalFor(ctx, tx, epochID)
		if err != nil {
			return err
		}

		claims := payout.ClaimsFromAllocations(allocs)
		st, err := s.buildStatement(epoch, claims, total)
		if err != nil {
			return err
		}

		if err := tx.MarkEpochClosed(ctx, epochID, total, st.CreatedAt); err != nil {
			return err
		}
		if err := tx.InsertStatement(ctx, st); err != nil {
			return err
		}
		result.Statement = st
		result.Closed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Closed {
		s.logger.InfoContext(ctx, "epoch closed",
			logging.EpochID(epochID),
			"statement_id", result.Statement.ID,
			"pool_total", result.Statement.PoolTotal,
			"total_units", result.Statement.TotalUnits,
			"subjects", len(result.Statement.Lines),
			logging.Duration(time.Since(start)))
	} else {
		s.logger.DebugContext(ctx, "epoch already closed", logging.EpochID(epochID))
	}
	return result, nil
}

func (s *Service) buildStatement(epoch *models.Epoch, claims []payout.Claim, poolTotal int64) (*models.PayoutStatement, error) {
	dist, err := payout.ComputePayouts(claims, poolTotal)
	if err != nil {
		return nil, err
	}
	hash, err := payout.AllocationSetHash(claims)
	if err != nil {
		return nil, err
	}
	return &models.PayoutStatement{
		ID:                   uuid.Must(uuid.NewV7()).String(),
		ScopeID:              epoch.ScopeID,
		EpochID:              epoch.ID,
		AllocationSetHash:    hash,
		PoolTotal:            dist.PoolTotal,
		TotalUnits:           dist.TotalUnits,
		UndistributedCredits: dist.Undistributed,
		Lines:                dist.Lines,
		CreatedAt:            s.now(),
	}, nil
}

// IssueCorrection appends a statement superseding the latest one of a closed
// epoch. Its unit set is the latest statement's lines with each adjustment
// replacing that subject's units; the pool total is unchanged. Subjects
// adjusted to zero units leave the set.
func (s *Service) IssueCorrection(ctx context.Context, epochID string, req models.CorrectionRequest) (*models.PayoutStatement, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, models.ErrInvalidRequest.WithDetail("a correction needs a reason")
	}
	if len(req.Adjustments) == 0 {
		return nil, models.ErrInvalidRequest.WithDetail("a correction needs at least one adjustment")
	}
	adjust := make(map[string]int64, len(req.Adjustments))
	for _, a := range req.Adjustments {
		if a.SubjectID == "" || a.Units < 0 {
			return nil, models.ErrInvalidRequest.WithDetail("adjustment needs a subject and non-negative units")
		}
		if _, dup := adjust[a.SubjectID]; dup {
			return nil, models.ErrInvalidRequest.WithDetail("subject %s adjusted twice", a.SubjectID)
		}
		adjust[a.SubjectID] = a.Units
	}

	var correction *models.PayoutStatement
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := tx.LockEpoch(ctx, epochID)
		if err != nil {
			return err
		}
		if epoch.IsOpen() {
			return models.ErrEpochNotClosed.WithDetail("epoch %s", epochID)
		}
		chain, err := tx.ListStatements(ctx, epochID)
		if err != nil {
			return err
		}
		if len(chain) == 0 {
			return models.ErrStatementNotFound.WithDetail("epoch %s", epochID)
		}
		latest := chain[len(chain)-1]

		claims := CorrectedClaims(latest, adjust)
		st, err := s.buildStatement(epoch, claims, latest.PoolTotal)
		if err != nil {
			return err
		}
		st.SupersedesID = &latest.ID
		st.Reason = req.Reason
		if err := tx.InsertStatement(ctx, st); err != nil {
			return err
		}
		correction = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "correction issued",
		logging.EpochID(epochID), "statement_id", correction.ID, "supersedes_id", *correction.SupersedesID)
	return correction, nil
}

// CorrectedClaims applies adjustments to a statement's unit set and drops
// zero-unit subjects.
func CorrectedClaims(base *models.PayoutStatement, adjust map[string]int64) []payout.Claim {
	units := make(map[string]int64, len(base.Lines)+len(adjust))
	for _, l := range base.Lines {
		units[l.SubjectID] = l.Units
	}
	for subject, u := range adjust {
		units[subject] = u
	}
	claims := make([]payout.Claim, 0, len(units))
	for subject, u := range units {
		if u > 0 {
			claims = append(claims, payout.Claim{SubjectID: subject, Units: u})
		}
	}
	return claims
}

func (s *Service) Get(ctx context.Context, epochID string) (*models.Epoch, error) {
	return s.store.GetEpoch(ctx, epochID)
}

// List returns the scope's epochs, newest period first. An empty scope lists every scope.
func (s *Service) List(ctx context.Context, scopeID string) ([]*models.Epoch, error) {
	return s.store.ListEpochs(ctx, scopeID)
}

// Current returns the open epoch of the scope.
func (s *Service) Current(ctx context.Context, scopeID string) (*models.Epoch, error) {
	return s.store.GetOpenEpoch(ctx, scopeID)
}

// Statement returns the effective statement of the epoch: the newest
// correction if any, otherwise the original.
func (s *Service) Statement(ctx context.Context, epochID string) (*models.PayoutStatement, error) {
	chain, err := s.Statements(ctx, epochID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, models.ErrStatementNotFound.WithDetail("epoch %s", epochID)
	}
	return chain[len(chain)-1], nil
}

// Statements returns the original statement followed by its corrections in order.
func (s *Service) Statements(ctx context.Context, epochID string) ([]*models.PayoutStatement, error) {
	if _, err := s.store.GetEpoch(ctx, epochID); err != nil {
		return nil, err
	}
	return s.store.ListStatements(ctx, epochID)
}
