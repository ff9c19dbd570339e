package curation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ledger/internal/facts"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

var start = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *repository.InMemoryRepository
	svc   *Service
	facts *facts.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewInMemoryRepository()
	require.NoError(t, store.InsertEpoch(context.Background(), &models.Epoch{
		ID:          "e1",
		ScopeID:     "acme",
		Status:      models.EpochOpen,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		WeightPolicy: models.WeightPolicy{Version: "v1", Weights: map[string]int64{
			"pr_merged": 5000,
			"review":    1500,
		}},
	}))
	return &fixture{store: store, svc: NewService(store, nil), facts: facts.NewService(store, nil)}
}

func (f *fixture) ingest(t *testing.T, key, user, category string, at time.Time) string {
	t.Helper()
	res, err := f.facts.Ingest(context.Background(), &models.ActivityFact{
		ScopeID:         "acme",
		Source:          "github",
		NativeKey:       key,
		Category:        category,
		PlatformUserID:  user,
		ArtifactURL:     "https://example.test/" + key,
		Payload:         json.RawMessage(`{"k":"` + key + `"}`),
		ProducerName:    "test",
		ProducerVersion: "1",
		EventTime:       at,
		RetrievedAt:     at,
	})
	require.NoError(t, err)
	return res.FactID
}

func (f *fixture) bind(t *testing.T, user, subject string) {
	t.Helper()
	_, _, err := f.svc.BindIdentity(context.Background(), models.BindIdentityRequest{
		ScopeID: "acme", Source: "github", PlatformUserID: user, SubjectID: subject,
	})
	require.NoError(t, err)
}

func unitsBySubject(allocs []*models.Allocation) map[string]int64 {
	out := make(map[string]int64, len(allocs))
	for _, a := range allocs {
		out[a.SubjectID] = a.EffectiveUnits()
	}
	return out
}

func TestBindIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := models.BindIdentityRequest{ScopeID: "acme", Source: "github", PlatformUserID: "octo", SubjectID: "alice"}

	b, created, err := f.svc.BindIdentity(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", b.SubjectID)

	_, created, err = f.svc.BindIdentity(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)

	req.SubjectID = "bob"
	_, _, err = f.svc.BindIdentity(ctx, req)
	assert.ErrorIs(t, err, models.ErrIdentityConflict)

	_, _, err = f.svc.BindIdentity(ctx, models.BindIdentityRequest{ScopeID: "acme"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestAssignToEpoch_ResolvesKnownIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bind(t, "octo", "alice")
	factID := f.ingest(t, "pr/1", "octo", "pr_merged", start.Add(time.Hour))

	entry, err := f.svc.AssignToEpoch(ctx, factID, "e1")
	require.NoError(t, err)
	require.True(t, entry.IsResolved())
	assert.Equal(t, "alice", *entry.SubjectID)
	assert.True(t, entry.Included)

	again, err := f.svc.AssignToEpoch(ctx, factID, "e1")
	require.NoError(t, err)
	assert.Equal(t, entry.FactID, again.FactID)

	_, err = f.svc.AssignToEpoch(ctx, "no-such-fact", "e1")
	assert.ErrorIs(t, err, models.ErrFactNotFound)
}

func TestAssignWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, "pr/1", "octo", "pr_merged", start)
	f.ingest(t, "pr/2", "octo", "pr_merged", start.AddDate(0, 1, 0).Add(-time.Second))
	f.ingest(t, "pr/3", "octo", "pr_merged", start.AddDate(0, 1, 0)) // end is exclusive
	f.ingest(t, "pr/4", "octo", "pr_merged", start.Add(-time.Second))

	n, err := f.svc.AssignWindow(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.AssignWindow(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := f.svc.Entries(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLateIdentityResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	factID := f.ingest(t, "pr/1", "octo", "pr_merged", start.Add(time.Hour))
	_, err := f.svc.AssignToEpoch(ctx, factID, "e1")
	require.NoError(t, err)

	_, ok, err := f.svc.ResolveIdentity(ctx, "e1", factID)
	require.NoError(t, err)
	assert.False(t, ok)

	allocs, err := f.svc.RefreshAllocations(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, allocs, "unresolved facts are not allocated")

	f.bind(t, "octo", "alice")

	allocs, err = f.svc.RefreshAllocations(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 5000}, unitsBySubject(allocs))

	subject, ok, err := f.svc.ResolveIdentity(ctx, "e1", factID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", subject)
}

func TestResolveIdentity_PersistsBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	factID := f.ingest(t, "pr/1", "octo", "pr_merged", start.Add(time.Hour))
	_, err := f.svc.AssignToEpoch(ctx, factID, "e1")
	require.NoError(t, err)
	f.bind(t, "octo", "alice")

	subject, ok, err := f.svc.ResolveIdentity(ctx, "e1", factID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", subject)

	entry, err := f.store.GetCurationEntry(ctx, "e1", factID)
	require.NoError(t, err)
	require.NotNil(t, entry.SubjectID)
	assert.Equal(t, "alice", *entry.SubjectID)
}

func TestInclusionAndOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bind(t, "octo", "alice")
	f.bind(t, "hubot", "bob")
	pr := f.ingest(t, "pr/1", "octo", "pr_merged", start.Add(time.Hour))
	review := f.ingest(t, "rv/1", "octo", "review", start.Add(2*time.Hour))
	spam := f.ingest(t, "pr/2", "hubot", "pr_merged", start.Add(3*time.Hour))
	_, err := f.svc.AssignWindow(ctx, "e1")
	require.NoError(t, err)

	allocs, err := f.svc.RefreshAllocations(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 6500, "bob": 5000}, unitsBySubject(allocs))

	_, err = f.svc.SetInclusion(ctx, "e1", spam, false, "bot account", "reviewer-1")
	require.NoError(t, err)
	w := int64(2000)
	entry, err := f.svc.SetWeightOverride(ctx, "e1", pr, &w, "small fix", "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", entry.UpdatedBy)
	assert.Equal(t, "small fix", entry.Rationale)

	allocs, err = f.svc.RefreshAllocations(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 3500, "bob": 0}, unitsBySubject(allocs))
	for _, a := range allocs {
		if a.SubjectID == "alice" {
			assert.Equal(t, 2, a.FactCount)
		}
	}

	entry, err = f.svc.SetWeightOverride(ctx, "e1", pr, nil, "", "")
	require.NoError(t, err)
	assert.Nil(t, entry.WeightOverride)

	_, err = f.svc.SetWeightOverride(ctx, "e1", review, ptr(-1), "", "")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestSetFinalUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bind(t, "octo", "alice")
	f.ingest(t, "pr/1", "octo", "pr_merged", start.Add(time.Hour))
	_, err := f.svc.AssignWindow(ctx, "e1")
	require.NoError(t, err)
	_, err = f.svc.RefreshAllocations(ctx, "e1")
	require.NoError(t, err)

	a, err := f.svc.SetFinalUnits(ctx, "e1", "alice", ptr(9000), "mentoring")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), a.EffectiveUnits())
	assert.Equal(t, int64(5000), a.ProposedUnits)

	allocs, err := f.svc.RefreshAllocations(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), allocs[0].EffectiveUnits(), "refresh keeps reviewer units")

	a, err = f.svc.SetFinalUnits(ctx, "e1", "alice", nil, "revert")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), a.EffectiveUnits())

	_, err = f.svc.SetFinalUnits(ctx, "e1", "nobody", ptr(1), "")
	assert.ErrorIs(t, err, models.ErrAllocationNotFound)
	_, err = f.svc.SetFinalUnits(ctx, "e1", "alice", ptr(-1), "")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestWritesFrozenAfterClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bind(t, "octo", "alice")
	factID := f.ingest(t, "pr/1", "octo", "pr_merged", start.Add(time.Hour))
	late := f.ingest(t, "pr/2", "octo", "pr_merged", start.Add(2*time.Hour))
	_, err := f.svc.AssignToEpoch(ctx, factID, "e1")
	require.NoError(t, err)
	_, err = f.svc.RefreshAllocations(ctx, "e1")
	require.NoError(t, err)
	require.NoError(t, f.store.MarkEpochClosed(ctx, "e1", 100, start.AddDate(0, 1, 0)))

	_, err = f.svc.SetInclusion(ctx, "e1", factID, false, "too late", "admin")
	assert.ErrorIs(t, err, models.ErrEpochClosed)
	_, err = f.svc.SetWeightOverride(ctx, "e1", factID, ptr(1), "", "admin")
	assert.ErrorIs(t, err, models.ErrEpochClosed)
	_, err = f.svc.AssignToEpoch(ctx, late, "e1")
	assert.ErrorIs(t, err, models.ErrEpochClosed)
	_, err = f.svc.SetFinalUnits(ctx, "e1", "alice", ptr(1), "")
	assert.ErrorIs(t, err, models.ErrEpochClosed)
	_, err = f.svc.RefreshAllocations(ctx, "e1")
	assert.ErrorIs(t, err, models.ErrEpochClosed)
	_, err = f.svc.AssignWindow(ctx, "e1")
	assert.ErrorIs(t, err, models.ErrEpochClosed)

	entry, err := f.store.GetCurationEntry(ctx, "e1", factID)
	require.NoError(t, err)
	assert.True(t, entry.Included)
}

func TestComputeAllocations(t *testing.T) {
	alice, bob := "alice", "bob"
	override := int64(100)
	factIdx := IndexFacts([]*models.ActivityFact{
		{ID: "f1", Category: "pr_merged"},
		{ID: "f2", Category: "review"},
		{ID: "f3", Category: "unknown"},
		{ID: "f4", Category: "pr_merged"},
		{ID: "f5", Category: "pr_merged"},
	})
	entries := []*models.CurationEntry{
		{FactID: "f1", SubjectID: &alice, Included: true},
		{FactID: "f2", SubjectID: &alice, Included: true, WeightOverride: &override},
		{FactID: "f3", SubjectID: &bob, Included: true},
		{FactID: "f4", SubjectID: &bob, Included: false},
		{FactID: "f5", Included: true},
	}
	policy := models.WeightPolicy{Version: "v1", Weights: map[string]int64{"pr_merged": 5000, "review": 1500}}

	got, err := ComputeAllocations(entries, factIdx, policy)
	require.NoError(t, err)
	assert.Equal(t, []SubjectUnits{
		{SubjectID: "alice", Units: 5100, FactCount: 2},
		{SubjectID: "bob", Units: 0, FactCount: 1},
	}, got)

	_, err = ComputeAllocations([]*models.CurationEntry{{FactID: "missing", SubjectID: &alice, Included: true}}, factIdx, policy)
	assert.ErrorIs(t, err, models.ErrFactNotFound)
}

func ptr(v int64) *int64 { return &v }
