package curation

import (
	"math"
	"sort"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/weights"
)

// SubjectUnits is a subject's proposed unit total computed from curation.
type SubjectUnits struct {
	SubjectID string
	Units     int64
	FactCount int
}

// ComputeAllocations derives proposed units per subject from an epoch's
// curation entries. Only included entries with a resolved subject count.
// A fact's weight is the entry's override when set, otherwise the pinned
// policy weight of its category. The result is sorted by subject.
//
// It is pure so that close and verification compute the same thing.
func ComputeAllocations(entries []*models.CurationEntry, facts map[string]*models.ActivityFact, policy models.WeightPolicy) ([]SubjectUnits, error) {
	totals := make(map[string]*SubjectUnits)
	for _, e := range entries {
		if !e.Included || !e.IsResolved() {
			continue
		}
		fact, ok := facts[e.FactID]
		if !ok {
			return nil, models.ErrFactNotFound.WithDetail("curation entry references fact %s", e.FactID)
		}

		w := weights.WeightFor(policy, fact.Category)
		if e.WeightOverride != nil {
			w = *e.WeightOverride
		}
		if w < 0 {
			return nil, models.ErrInvalidClaim.WithDetail("fact %s has negative weight", e.FactID)
		}

		t, ok := totals[*e.SubjectID]
		if !ok {
			t = &SubjectUnits{SubjectID: *e.SubjectID}
			totals[*e.SubjectID] = t
		}
		if t.Units > math.MaxInt64-w {
			return nil, models.ErrInvalidClaim.WithDetail("units of subject %s overflow", t.SubjectID)
		}
		t.Units += w
		t.FactCount++
	}

	out := make([]SubjectUnits, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

// IndexFacts keys facts by id.
func IndexFacts(facts []*models.ActivityFact) map[string]*models.ActivityFact {
	idx := make(map[string]*models.ActivityFact, len(facts))
	for _, f := range facts {
		idx[f.ID] = f
	}
	return idx
}
