// Package curation attributes facts to subjects and epochs and holds the
// reviewer's decisions about them. Every write is rejected once the owning
// epoch is closed.
package curation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

// SystemActor is recorded as the author of automatic curation changes.
const SystemActor = "system"

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

// lockOpen locks the epoch row and fails unless the epoch is open.
func lockOpen(ctx context.Context, tx repository.Tx, epochID string) (*models.Epoch, error) {
	epoch, err := tx.LockEpoch(ctx, epochID)
	if err != nil {
		return nil, err
	}
	if !epoch.IsOpen() {
		return nil, models.ErrEpochClosed.WithDetail("epoch %s", epochID)
	}
	return epoch, nil
}

// BindIdentity maps a platform identity to a subject. Repeating an identical
// binding is a no-op; binding the identity to another subject fails.
func (s *Service) BindIdentity(ctx context.Context, req models.BindIdentityRequest) (*models.IdentityBinding, bool, error) {
	if req.ScopeID == "" || req.Source == "" || req.PlatformUserID == "" || strings.TrimSpace(req.SubjectID) == "" {
		return nil, false, models.ErrInvalidRequest.WithDetail("scope_id, source, platform_user_id and subject_id are required")
	}
	binding := &models.IdentityBinding{
		ScopeID:        req.ScopeID,
		Source:         req.Source,
		PlatformUserID: req.PlatformUserID,
		SubjectID:      req.SubjectID,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      s.now(),
	}
	created, err := s.store.InsertIdentityBinding(ctx, binding)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.InfoContext(ctx, "identity bound",
			logging.Scope(req.ScopeID), logging.SubjectID(req.SubjectID), "source", req.Source)
	}
	stored, err := s.store.GetIdentityBinding(ctx, req.ScopeID, req.Source, req.PlatformUserID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// lookupSubject returns the subject bound to the fact's platform identity, or "".
func lookupSubject(ctx context.Context, tx repository.Tx, fact *models.ActivityFact) (string, error) {
	b, err := tx.GetIdentityBinding(ctx, fact.ScopeID, fact.Source, fact.PlatformUserID)
	if errors.Is(err, models.ErrBindingNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return b.SubjectID, nil
}

// AssignToEpoch creates the curation entry for (epoch, fact). Identity is
// resolved immediately when a binding exists. Assigning a fact to the epoch
// it already belongs to returns the existing entry.
func (s *Service) AssignToEpoch(ctx context.Context, factID, epochID string) (*models.CurationEntry, error) {
	var entry *models.CurationEntry
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := lockOpen(ctx, tx, epochID)
		if err != nil {
			return err
		}
		entry, _, err = s.assign(ctx, tx, epoch, factID)
		return err
	})
	return entry, err
}

// AssignTx assigns inside an existing unit of work. The epoch must already
// be locked and open. It reports whether a new entry was created.
func (s *Service) AssignTx(ctx context.Context, tx repository.Tx, epoch *models.Epoch, factID string) (bool, error) {
	_, created, err := s.assign(ctx, tx, epoch, factID)
	return created, err
}

func (s *Service) assign(ctx context.Context, tx repository.Tx, epoch *models.Epoch, factID string) (*models.CurationEntry, bool, error) {
	fact, err := tx.GetFact(ctx, epoch.ScopeID, factID)
	if err != nil {
		return nil, false, err
	}
	subject, err := lookupSubject(ctx, tx, fact)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	entry := &models.CurationEntry{
		ScopeID:   epoch.ScopeID,
		EpochID:   epoch.ID,
		FactID:    fact.ID,
		Included:  true,
		UpdatedBy: SystemActor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if subject != "" {
		entry.SubjectID = &subject
	}

	created, err := tx.InsertCurationEntry(ctx, entry)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := tx.GetCurationEntry(ctx, epoch.ID, fact.ID)
		return existing, false, err
	}
	return entry, true, nil
}

// AssignWindow assigns every unassigned fact of the epoch's scope whose event
// time lies in [periodStart, periodEnd). It returns the number assigned.
func (s *Service) AssignWindow(ctx context.Context, epochID string) (int, error) {
	assigned := 0
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := lockOpen(ctx, tx, epochID)
		if err != nil {
			return err
		}
		candidates, err := tx.ListFacts(ctx, models.FactFilter{
			ScopeID:    epoch.ScopeID,
			Since:      epoch.PeriodStart,
			Until:      epoch.PeriodEnd,
			Unassigned: true,
		})
		if err != nil {
			return err
		}
		for _, f := range candidates {
			created, err := s.AssignTx(ctx, tx, epoch, f.ID)
			if err != nil {
				return err
			}
			if created {
				assigned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "facts assigned to epoch", logging.EpochID(epochID), "assigned", assigned)
	return assigned, nil
}

// ResolveIdentity returns the subject the fact is attributed to in the epoch.
// An unresolved entry is re-checked against the identity bindings; when the
// epoch is still open a newly found subject is persisted. ok is false while
// the fact stays unresolved.
func (s *Service) ResolveIdentity(ctx context.Context, epochID, factID string) (subjectID string, ok bool, err error) {
	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := tx.LockEpoch(ctx, epochID)
		if err != nil {
			return err
		}
		entry, err := tx.GetCurationEntry(ctx, epochID, factID)
		if err != nil {
			return err
		}
		if entry.IsResolved() {
			subjectID, ok = *entry.SubjectID, true
			return nil
		}
		if !epoch.IsOpen() {
			return nil
		}
		fact, err := tx.GetFact(ctx, epoch.ScopeID, factID)
		if err != nil {
			return err
		}
		subject, err := lookupSubject(ctx, tx, fact)
		if err != nil || subject == "" {
			return err
		}
		entry.SubjectID = &subject
		entry.UpdatedAt = s.now()
		if err := tx.SaveCurationEntry(ctx, entry); err != nil {
			return err
		}
		subjectID, ok = subject, true
		return nil
	})
	return subjectID, ok, err
}

// SetInclusion includes or excludes a fact from the epoch's allocation.
func (s *Service) SetInclusion(ctx context.Context, epochID, factID string, included bool, reason, reviewer string) (*models.CurationEntry, error) {
	return s.Update(ctx, epochID, factID, models.CurationRequest{Included: &included, Reason: reason, Reviewer: reviewer})
}

// SetWeightOverride replaces the policy weight of one fact. A nil weight
// clears the override.
func (s *Service) SetWeightOverride(ctx context.Context, epochID, factID string, weightMilli *int64, reason, reviewer string) (*models.CurationEntry, error) {
	return s.Update(ctx, epochID, factID, models.CurationRequest{
		WeightOverride: weightMilli,
		ClearOverride:  weightMilli == nil,
		Reason:         reason,
		Reviewer:       reviewer,
	})
}

// Update applies a reviewer edit to one curation entry.
func (s *Service) Update(ctx context.Context, epochID, factID string, req models.CurationRequest) (*models.CurationEntry, error) {
	if req.WeightOverride != nil && *req.WeightOverride < 0 {
		return nil, models.ErrInvalidRequest.WithDetail("weight override must not be negative")
	}
	if req.WeightOverride != nil && req.ClearOverride {
		return nil, models.ErrInvalidRequest.WithDetail("weight override and clear_override are mutually exclusive")
	}

	var entry *models.CurationEntry
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := lockOpen(ctx, tx, epochID); err != nil {
			return err
		}
		var err error
		entry, err = tx.GetCurationEntry(ctx, epochID, factID)
		if err != nil {
			return err
		}
		if req.Included != nil {
			entry.Included = *req.Included
		}
		if req.WeightOverride != nil {
			w := *req.WeightOverride
			entry.WeightOverride = &w
		}
		if req.ClearOverride {
			entry.WeightOverride = nil
		}
		if req.Reason != "" {
			entry.Rationale = req.Reason
		}
		if req.Reviewer != "" {
			entry.UpdatedBy = req.Reviewer
		}
		entry.UpdatedAt = s.now()
		return tx.SaveCurationEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "curation entry updated",
		logging.EpochID(epochID), logging.FactID(factID), "included", entry.Included)
	return entry, nil
}

// SetFinalUnits sets (or with nil, clears) the reviewer's final units for a
// subject's allocation.
func (s *Service) SetFinalUnits(ctx context.Context, epochID, subjectID string, units *int64, reason string) (*models.Allocation, error) {
	if units != nil && *units < 0 {
		return nil, models.ErrInvalidRequest.WithDetail("final units must not be negative")
	}
	var updated *models.Allocation
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := lockOpen(ctx, tx, epochID); err != nil {
			return err
		}
		if err := tx.SetFinalUnits(ctx, epochID, subjectID, units, reason); err != nil {
			return err
		}
		allocs, err := tx.ListAllocations(ctx, epochID)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			if a.SubjectID == subjectID {
				updated = a
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RefreshAllocations recomputes the epoch's proposed allocations.
func (s *Service) RefreshAllocations(ctx context.Context, epochID string) ([]*models.Allocation, error) {
	var allocs []*models.Allocation
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := lockOpen(ctx, tx, epochID)
		if err != nil {
			return err
		}
		allocs, err = s.RefreshAllocationsTx(ctx, tx, epoch)
		return err
	})
	return allocs, err
}

// RefreshAllocationsTx retries identity resolution for unresolved entries and
// rewrites proposed units from the current curation state. Subjects that no
// longer have counted facts keep their row with zero proposed units, and
// reviewer-set final units are preserved.
func (s *Service) RefreshAllocationsTx(ctx context.Context, tx repository.Tx, epoch *models.Epoch) ([]*models.Allocation, error) {
	entries, err := tx.ListCurationEntries(ctx, epoch.ID)
	if err != nil {
		return nil, err
	}
	epochFacts, err := tx.ListEpochFacts(ctx, epoch.ID)
	if err != nil {
		return nil, err
	}
	factIdx := IndexFacts(epochFacts)

	now := s.now()
	for _, e := range entries {
		if e.IsResolved() {
			continue
		}
		fact, ok := factIdx[e.FactID]
		if !ok {
			continue
		}
		subject, err := lookupSubject(ctx, tx, fact)
		if err != nil {
			return nil, err
		}
		if subject == "" {
			continue
		}
		e.SubjectID = &subject
		e.UpdatedAt = now
		if err := tx.SaveCurationEntry(ctx, e); err != nil {
			return nil, err
		}
	}

	computed, err := ComputeAllocations(entries, factIdx, epoch.WeightPolicy)
	if err != nil {
		return nil, err
	}

	existing, err := tx.ListAllocations(ctx, epoch.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(computed))
	for _, c := range computed {
		seen[c.SubjectID] = true
		if err := tx.UpsertProposedAllocation(ctx, &models.Allocation{
			ScopeID:       epoch.ScopeID,
			EpochID:       epoch.ID,
			SubjectID:     c.SubjectID,
			ProposedUnits: c.Units,
			FactCount:     c.FactCount,
			UpdatedAt:     now,
		}); err != nil {
			return nil, err
		}
	}
	for _, a := range existing {
		if seen[a.SubjectID] || (a.ProposedUnits == 0 && a.FactCount == 0) {
			continue
		}
		if err := tx.UpsertProposedAllocation(ctx, &models.Allocation{
			ScopeID:   epoch.ScopeID,
			EpochID:   epoch.ID,
			SubjectID: a.SubjectID,
			UpdatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	return tx.ListAllocations(ctx, epoch.ID)
}

func (s *Service) Entries(ctx context.Context, epochID string) ([]*models.CurationEntry, error) {
	if _, err := s.store.GetEpoch(ctx, epochID); err != nil {
		return nil, err
	}
	return s.store.ListCurationEntries(ctx, epochID)
}

func (s *Service) Allocations(ctx context.Context, epochID string) ([]*models.Allocation, error) {
	if _, err := s.store.GetEpoch(ctx, epochID); err != nil {
		return nil, err
	}
	return s.store.ListAllocations(ctx, epochID)
}
