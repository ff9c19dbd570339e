// Package verify recomputes a closed epoch's payout from persisted data and
// reports every field that disagrees with the stored statements. It reads
// only the store and never corrects anything.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/facts"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/payout"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

// Diff field names.
const (
	FieldPayloadHash       = "fact.payload_hash"
	FieldCurationFact      = "curation.fact"
	FieldProposedUnits     = "allocation.proposed_units"
	FieldFactCount         = "allocation.fact_count"
	FieldAllocationHash    = "statement.allocation_set_hash"
	FieldPoolComponents    = "pool.component_sum"
	FieldStatementPool     = "statement.pool_total"
	FieldTotalUnits        = "statement.total_units"
	FieldUndistributed     = "statement.undistributed_credits"
	FieldLineUnits         = "line.units"
	FieldLineShare         = "line.share"
	FieldLineAmount        = "line.amount"
	FieldLinePresence      = "line.present"
	FieldStatementSum      = "statement.sum"
	FieldCorrectionChain   = "correction.supersedes_id"
	FieldCorrectionPool    = "correction.pool_total"
	FieldCorrectionHash    = "correction.allocation_set_hash"
	FieldCorrectionUnits   = "correction.total_units"
	FieldCorrectionUndistr = "correction.undistributed_credits"
)

type Service struct {
	store  repository.Tx
	logger *logging.Logger
	now    func() time.Time
}

// NewService accepts any read view of the store.
func NewService(store repository.Tx, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type report struct {
	diffs []models.Diff
}

func (r *report) add(field, subject, ref string, expected, actual any) {
	r.diffs = append(r.diffs, models.Diff{
		Field:     field,
		SubjectID: subject,
		Ref:       ref,
		Expected:  fmt.Sprint(expected),
		Actual:    fmt.Sprint(actual),
	})
}

// Verify recomputes the epoch's allocations, allocation-set hash and payout
// from its stored facts, curation entries, reviewer final units and pinned
// policy, then diffs them against the stored allocations and statements.
// Expected values in the report are recomputed, actual values are stored.
func (s *Service) Verify(ctx context.Context, epochID string) (*models.VerificationReport, error) {
	epoch, err := s.store.GetEpoch(ctx, epochID)
	if err != nil {
		return nil, err
	}
	if epoch.IsOpen() || epoch.PoolTotal == nil {
		return nil, models.ErrEpochNotClosed.WithDetail("epoch %s", epochID)
	}
	chain, err := s.store.ListStatements(ctx, epochID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 || chain[0].SupersedesID != nil {
		return nil, models.ErrStatementNotFound.WithDetail("epoch %s has no original statement", epochID)
	}
	original := chain[0]

	r := &report{diffs: []models.Diff{}}

	epochFacts, err := s.store.ListEpochFacts(ctx, epochID)
	if err != nil {
		return nil, err
	}
	checkPayloads(r, epochFacts)

	entries, err := s.store.ListCurationEntries(ctx, epochID)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.ListAllocations(ctx, epochID)
	if err != nil {
		return nil, err
	}

	computed, err := curation.ComputeAllocations(entries, curation.IndexFacts(epochFacts), epoch.WeightPolicy)
	if errors.Is(err, models.ErrFactNotFound) {
		r.add(FieldCurationFact, "", epochID, "every curated fact stored", err.Error())
		computed = nil
	} else if err != nil {
		return nil, err
	}
	claims := compareAllocations(r, computed, stored)

	hash, err := payout.AllocationSetHash(claims)
	if err != nil {
		return nil, err
	}
	if hash != original.AllocationSetHash {
		r.add(FieldAllocationHash, "", original.ID, hash, original.AllocationSetHash)
	}

	componentSum, err := s.store.SumPoolComponents(ctx, epochID)
	if err != nil {
		return nil, err
	}
	poolTotal := *epoch.PoolTotal
	if componentSum != poolTotal {
		r.add(FieldPoolComponents, "", epochID, componentSum, poolTotal)
	}
	if original.PoolTotal != poolTotal {
		r.add(FieldStatementPool, "", original.ID, poolTotal, original.PoolTotal)
	}

	dist, err := payout.ComputePayouts(claims, poolTotal)
	if err != nil {
		return nil, err
	}
	compareDistribution(r, original, dist, FieldTotalUnits, FieldUndistributed)
	if err := payout.CheckSum(original.Lines, original.UndistributedCredits, original.PoolTotal); err != nil {
		r.add(FieldStatementSum, "", original.ID, original.PoolTotal, err.Error())
	}

	for i := 1; i < len(chain); i++ {
		if err := checkCorrection(r, chain[i-1], chain[i], original.PoolTotal); err != nil {
			return nil, err
		}
	}

	rep := &models.VerificationReport{
		EpochID:     epochID,
		StatementID: chain[len(chain)-1].ID,
		Matches:     len(r.diffs) == 0,
		Diffs:       r.diffs,
		CheckedAt:   s.now(),
	}
	if rep.Matches {
		s.logger.InfoContext(ctx, "epoch verified", logging.EpochID(epochID), "statements", len(chain))
	} else {
		s.logger.WarnContext(ctx, "epoch verification mismatch", logging.EpochID(epochID), "diffs", len(r.diffs))
	}
	return rep, nil
}

func checkPayloads(r *report, epochFacts []*models.ActivityFact) {
	for _, f := range epochFacts {
		hash, err := facts.HashPayload(f.Payload)
		if err != nil {
			r.add(FieldPayloadHash, "", f.ID, f.PayloadHash, "unparseable payload: "+err.Error())
			continue
		}
		if hash != f.PayloadHash {
			r.add(FieldPayloadHash, "", f.ID, hash, f.PayloadHash)
		}
	}
}

// compareAllocations diffs recomputed proposed units against stored rows
// and returns the claims the payout runs on: recomputed units, replaced by
// the stored reviewer final units where one is set.
func compareAllocations(r *report, computed []curation.SubjectUnits, stored []*models.Allocation) []payout.Claim {
	byStored := make(map[string]*models.Allocation, len(stored))
	for _, a := range stored {
		byStored[a.SubjectID] = a
	}
	byComputed := make(map[string]curation.SubjectUnits, len(computed))
	for _, c := range computed {
		byComputed[c.SubjectID] = c
	}

	subjects := make([]string, 0, len(byStored)+len(byComputed))
	for id := range byStored {
		subjects = append(subjects, id)
	}
	for id := range byComputed {
		if _, ok := byStored[id]; !ok {
			subjects = append(subjects, id)
		}
	}
	sort.Strings(subjects)

	claims := make([]payout.Claim, 0, len(subjects))
	for _, id := range subjects {
		c := byComputed[id]
		a, ok := byStored[id]
		if !ok {
			r.add(FieldProposedUnits, id, "", c.Units, "missing")
			claims = append(claims, payout.Claim{SubjectID: id, Units: c.Units})
			continue
		}
		if a.ProposedUnits != c.Units {
			r.add(FieldProposedUnits, id, "", c.Units, a.ProposedUnits)
		}
		if a.FactCount != c.FactCount {
			r.add(FieldFactCount, id, "", c.FactCount, a.FactCount)
		}
		units := c.Units
		if a.FinalUnits != nil {
			units = *a.FinalUnits
		}
		claims = append(claims, payout.Claim{SubjectID: id, Units: units})
	}
	return claims
}

func compareDistribution(r *report, st *models.PayoutStatement, dist *payout.Distribution, unitsField, undistributedField string) {
	if dist.TotalUnits != st.TotalUnits {
		r.add(unitsField, "", st.ID, dist.TotalUnits, st.TotalUnits)
	}
	if dist.Undistributed != st.UndistributedCredits {
		r.add(undistributedField, "", st.ID, dist.Undistributed, st.UndistributedCredits)
	}

	storedLines := make(map[string]models.StatementLine, len(st.Lines))
	for _, l := range st.Lines {
		storedLines[l.SubjectID] = l
	}
	for _, want := range dist.Lines {
		got, ok := storedLines[want.SubjectID]
		if !ok {
			r.add(FieldLinePresence, want.SubjectID, st.ID, "present", "missing")
			continue
		}
		delete(storedLines, want.SubjectID)
		if got.Units != want.Units {
			r.add(FieldLineUnits, want.SubjectID, st.ID, want.Units, got.Units)
		}
		if got.Share != want.Share {
			r.add(FieldLineShare, want.SubjectID, st.ID, want.Share, got.Share)
		}
		if got.Amount != want.Amount {
			r.add(FieldLineAmount, want.SubjectID, st.ID, want.Amount, got.Amount)
		}
	}
	extra := make([]string, 0, len(storedLines))
	for id := range storedLines {
		extra = append(extra, id)
	}
	sort.Strings(extra)
	for _, id := range extra {
		r.add(FieldLinePresence, id, st.ID, "absent", "present")
	}
}

// checkCorrection verifies a correction against its own pinned unit set: the
// lines must recompute from their units, and the chain must be linear with
// an unchanged pool total.
func checkCorrection(r *report, prev, st *models.PayoutStatement, poolTotal int64) error {
	if st.SupersedesID == nil || *st.SupersedesID != prev.ID {
		got := "none"
		if st.SupersedesID != nil {
			got = *st.SupersedesID
		}
		r.add(FieldCorrectionChain, "", st.ID, prev.ID, got)
	}
	if st.PoolTotal != poolTotal {
		r.add(FieldCorrectionPool, "", st.ID, poolTotal, st.PoolTotal)
	}

	claims := make([]payout.Claim, 0, len(st.Lines))
	for _, l := range st.Lines {
		if l.Units < 0 {
			r.add(FieldLineUnits, l.SubjectID, st.ID, "non-negative", strconv.FormatInt(l.Units, 10))
			return nil
		}
		claims = append(claims, payout.Claim{SubjectID: l.SubjectID, Units: l.Units})
	}
	hash, err := payout.AllocationSetHash(claims)
	if err != nil {
		return err
	}
	if hash != st.AllocationSetHash {
		r.add(FieldCorrectionHash, "", st.ID, hash, st.AllocationSetHash)
	}
	dist, err := payout.ComputePayouts(claims, st.PoolTotal)
	if err != nil {
		return err
	}
	compareDistribution(r, st, dist, FieldCorrectionUnits, FieldCorrectionUndistr)
	if err := payout.CheckSum(st.Lines, st.UndistributedCredits, st.PoolTotal); err != nil {
		r.add(FieldStatementSum, "", st.ID, st.PoolTotal, err.Error())
	}
	return nil
}
