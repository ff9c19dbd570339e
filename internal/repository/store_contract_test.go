package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

var (
	periodStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
)

func testFact(scope, id string, at time.Time) *models.ActivityFact {
	payload := json.RawMessage(`{"title":"fix","n":1}`)
	return &models.ActivityFact{
		ID:              id,
		ScopeID:         scope,
		Source:          "github",
		NativeKey:       "pr/" + id,
		Category:        "pr_merged",
		PlatformUserID:  "u-" + id,
		ArtifactURL:     "https://example.test/" + id,
		Payload:         payload,
		PayloadHash:     "sha256:abc",
		ProducerName:    "test",
		ProducerVersion: "1",
		EventTime:       at,
		RetrievedAt:     at.Add(time.Minute),
		IngestedAt:      at.Add(2 * time.Minute),
	}
}

func testEpoch(scope, id string, start, end time.Time) *models.Epoch {
	return &models.Epoch{
		ID:           id,
		ScopeID:      scope,
		Status:       models.EpochOpen,
		PeriodStart:  start,
		PeriodEnd:    end,
		WeightPolicy: models.WeightPolicy{Version: "v1", Weights: map[string]int64{"pr_merged": 1000}},
		PolicyHash:   "sha256:policy",
		OpenedAt:     start,
	}
}

func testEntry(scope, epochID, factID string) *models.CurationEntry {
	return &models.CurationEntry{
		ScopeID:   scope,
		EpochID:   epochID,
		FactID:    factID,
		Included:  true,
		CreatedAt: periodStart,
		UpdatedAt: periodStart,
	}
}

func testComponent(scope, epochID, id, kind string, amount int64) *models.PoolComponent {
	return &models.PoolComponent{
		ID:               id,
		ScopeID:          scope,
		EpochID:          epochID,
		ComponentType:    kind,
		AlgorithmVersion: "v1",
		Inputs:           json.RawMessage(`{"fixed":true}`),
		Amount:           amount,
		ComputedAt:       periodStart,
	}
}

// runStoreContract exercises the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("fact insert is idempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inserted, err := store.InsertFact(ctx, testFact("s1", "f1", periodStart))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.InsertFact(ctx, testFact("s1", "f1", periodStart))
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := store.GetFact(ctx, "s1", "f1")
		require.NoError(t, err)
		assert.Equal(t, "pr_merged", got.Category)
		assert.JSONEq(t, `{"title":"fix","n":1}`, string(got.Payload))

		_, err = store.GetFact(ctx, "s1", "missing")
		assert.ErrorIs(t, err, models.ErrFactNotFound)
	})

	t.Run("fact listing filters and orders", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 3; i >= 1; i-- {
			_, err := store.InsertFact(ctx, testFact("s1", fmt.Sprintf("f%d", i), periodStart.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
		}
		_, err := store.InsertFact(ctx, testFact("s2", "other", periodStart))
		require.NoError(t, err)

		facts, err := store.ListFacts(ctx, models.FactFilter{ScopeID: "s1"})
		require.NoError(t, err)
		require.Len(t, facts, 3)
		assert.Equal(t, "f1", facts[0].ID)
		assert.Equal(t, "f3", facts[2].ID)

		facts, err = store.ListFacts(ctx, models.FactFilter{ScopeID: "s1", Since: periodStart.Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Len(t, facts, 2)

		facts, err = store.ListFacts(ctx, models.FactFilter{ScopeID: "s1", Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, "f2", facts[0].ID)
	})

	t.Run("identity binding conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		binding := &models.IdentityBinding{ScopeID: "s1", Source: "github", PlatformUserID: "octo", SubjectID: "alice", CreatedAt: periodStart}

		created, err := store.InsertIdentityBinding(ctx, binding)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = store.InsertIdentityBinding(ctx, binding)
		require.NoError(t, err)
		assert.False(t, created)

		other := *binding
		other.SubjectID = "bob"
		_, err = store.InsertIdentityBinding(ctx, &other)
		assert.ErrorIs(t, err, models.ErrIdentityConflict)

		got, err := store.GetIdentityBinding(ctx, "s1", "github", "octo")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.SubjectID)
	})

	t.Run("one open epoch per scope and unique windows", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

		err := store.InsertEpoch(ctx, testEpoch("s1", "e2", periodStart, periodEnd))
		assert.ErrorIs(t, err, models.ErrEpochWindowExists)

		err = store.InsertEpoch(ctx, testEpoch("s1", "e3", periodEnd, periodEnd.AddDate(0, 1, 0)))
		assert.ErrorIs(t, err, models.ErrEpochAlreadyOpen)

		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s2", "e4", periodStart, periodEnd)))

		open, err := store.GetOpenEpoch(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "e1", open.ID)
		assert.Equal(t, int64(1000), open.WeightPolicy.Weights["pr_merged"])
	})

	t.Run("close is a single transition", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

		closedAt := periodEnd.Add(time.Hour)
		require.NoError(t, store.MarkEpochClosed(ctx, "e1", 100, closedAt))

		err := store.MarkEpochClosed(ctx, "e1", 200, closedAt)
		assert.ErrorIs(t, err, models.ErrEpochClosed)

		e, err := store.GetEpoch(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, models.EpochClosed, e.Status)
		require.NotNil(t, e.PoolTotal)
		assert.Equal(t, int64(100), *e.PoolTotal)

		// A new epoch may open once the previous one closed.
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e2", periodEnd, periodEnd.AddDate(0, 1, 0))))
	})

	t.Run("curation frozen after close", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.InsertFact(ctx, testFact("s1", "f1", periodStart))
		require.NoError(t, err)
		_, err = store.InsertFact(ctx, testFact("s1", "f2", periodStart))
		require.NoError(t, err)
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

		assigned, err := store.InsertCurationEntry(ctx, testEntry("s1", "e1", "f1"))
		require.NoError(t, err)
		assert.True(t, assigned)

		assigned, err = store.InsertCurationEntry(ctx, testEntry("s1", "e1", "f1"))
		require.NoError(t, err)
		assert.False(t, assigned)

		require.NoError(t, store.UpsertProposedAllocation(ctx, &models.Allocation{
			ScopeID: "s1", EpochID: "e1", SubjectID: "alice", ProposedUnits: 1000, FactCount: 1, UpdatedAt: periodStart,
		}))
		require.NoError(t, store.MarkEpochClosed(ctx, "e1", 100, periodEnd))

		entry, err := store.GetCurationEntry(ctx, "e1", "f1")
		require.NoError(t, err)
		entry.Included = false
		assert.ErrorIs(t, store.SaveCurationEntry(ctx, entry), models.ErrEpochClosed)

		_, err = store.InsertCurationEntry(ctx, testEntry("s1", "e1", "f2"))
		assert.ErrorIs(t, err, models.ErrEpochClosed)

		units := int64(5)
		assert.ErrorIs(t, store.SetFinalUnits(ctx, "e1", "alice", &units, "late"), models.ErrEpochClosed)
		assert.ErrorIs(t, store.UpsertProposedAllocation(ctx, &models.Allocation{
			ScopeID: "s1", EpochID: "e1", SubjectID: "bob", ProposedUnits: 1, UpdatedAt: periodStart,
		}), models.ErrEpochClosed)
		assert.ErrorIs(t, store.InsertPoolComponent(ctx, testComponent("s1", "e1", "c9", models.ComponentManualTopUp, 1)), models.ErrEpochClosed)
	})

	t.Run("fact belongs to at most one epoch", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.InsertFact(ctx, testFact("s1", "f1", periodStart))
		require.NoError(t, err)
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))
		_, err = store.InsertCurationEntry(ctx, testEntry("s1", "e1", "f1"))
		require.NoError(t, err)
		require.NoError(t, store.MarkEpochClosed(ctx, "e1", 0, periodEnd))
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e2", periodEnd, periodEnd.AddDate(0, 1, 0))))

		_, err = store.InsertCurationEntry(ctx, testEntry("s1", "e2", "f1"))
		assert.ErrorIs(t, err, models.ErrFactAlreadyAssigned)

		facts, err := store.ListEpochFacts(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, "f1", facts[0].ID)

		unassigned, err := store.ListFacts(ctx, models.FactFilter{ScopeID: "s1", Unassigned: true})
		require.NoError(t, err)
		assert.Empty(t, unassigned)
	})

	t.Run("pool components unique per type", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

		require.NoError(t, store.InsertPoolComponent(ctx, testComponent("s1", "e1", "c1", models.ComponentBaseIssuance, 70)))
		require.NoError(t, store.InsertPoolComponent(ctx, testComponent("s1", "e1", "c2", models.ComponentMetricBonus, 30)))
		err := store.InsertPoolComponent(ctx, testComponent("s1", "e1", "c3", models.ComponentBaseIssuance, 5))
		assert.ErrorIs(t, err, models.ErrDuplicateComponent)

		total, err := store.SumPoolComponents(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), total)

		components, err := store.ListPoolComponents(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, components, 2)
		assert.Equal(t, models.ComponentBaseIssuance, components[0].ComponentType)
	})

	t.Run("pool sum overflow is reported", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

		require.NoError(t, store.InsertPoolComponent(ctx, testComponent("s1", "e1", "c1", models.ComponentBaseIssuance, math.MaxInt64)))
		require.NoError(t, store.InsertPoolComponent(ctx, testComponent("s1", "e1", "c2", models.ComponentMetricBonus, math.MaxInt64)))
		require.NoError(t, store.InsertPoolComponent(ctx, testComponent("s1", "e1", "c3", models.ComponentManualTopUp, 2)))

		_, err := store.SumPoolComponents(ctx, "e1")
		assert.ErrorIs(t, err, models.ErrPoolOverflow)
	})

	t.Run("proposed upsert keeps final units", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

		alloc := &models.Allocation{ScopeID: "s1", EpochID: "e1", SubjectID: "alice", ProposedUnits: 1000, FactCount: 1, UpdatedAt: periodStart}
		require.NoError(t, store.UpsertProposedAllocation(ctx, alloc))

		final := int64(1500)
		require.NoError(t, store.SetFinalUnits(ctx, "e1", "alice", &final, "mentoring"))

		alloc.ProposedUnits = 2000
		alloc.FactCount = 2
		require.NoError(t, store.UpsertProposedAllocation(ctx, alloc))

		allocs, err := store.ListAllocations(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, allocs, 1)
		assert.Equal(t, int64(2000), allocs[0].ProposedUnits)
		require.NotNil(t, allocs[0].FinalUnits)
		assert.Equal(t, int64(1500), allocs[0].EffectiveUnits())
		assert.Equal(t, "mentoring", allocs[0].OverrideNote)

		assert.ErrorIs(t, store.SetFinalUnits(ctx, "e1", "nobody", &final, "x"), models.ErrAllocationNotFound)
	})

	t.Run("statement chain", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))
		require.NoError(t, store.MarkEpochClosed(ctx, "e1", 100, periodEnd))

		original := &models.PayoutStatement{
			ID: "st1", ScopeID: "s1", EpochID: "e1", AllocationSetHash: "sha256:x", PoolTotal: 100, TotalUnits: 1,
			Lines:     []models.StatementLine{{SubjectID: "alice", Units: 1, Share: "1/1", Amount: 100}},
			CreatedAt: periodEnd,
		}
		require.NoError(t, store.InsertStatement(ctx, original))

		dup := *original
		dup.ID = "st2"
		assert.ErrorIs(t, store.InsertStatement(ctx, &dup), models.ErrStatementExists)

		supersedes := "st1"
		correction := *original
		correction.ID = "st3"
		correction.SupersedesID = &supersedes
		correction.Reason = "fix"
		correction.CreatedAt = periodEnd.Add(time.Hour)
		require.NoError(t, store.InsertStatement(ctx, &correction))

		fork := correction
		fork.ID = "st4"
		assert.ErrorIs(t, store.InsertStatement(ctx, &fork), models.ErrStatementExists)

		got, err := store.GetOriginalStatement(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "st1", got.ID)
		assert.Equal(t, original.Lines, got.Lines)

		chain, err := store.ListStatements(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, "st1", chain[0].ID)
		assert.Equal(t, "st3", chain[1].ID)
	})

	t.Run("failed unit of work rolls back", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")

		err := store.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertFact(ctx, testFact("s1", "f1", periodStart)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetFact(ctx, "s1", "f1")
		assert.ErrorIs(t, err, models.ErrFactNotFound)

		require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
			_, err := tx.InsertFact(ctx, testFact("s1", "f1", periodStart))
			return err
		}))
		_, err = store.GetFact(ctx, "s1", "f1")
		assert.NoError(t, err)
	})

	t.Run("cursors upsert", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.GetCursor(ctx, "s1", "files", "prs")
		assert.ErrorIs(t, err, models.ErrCursorNotFound)

		require.NoError(t, store.SaveCursor(ctx, &models.SourceCursor{ScopeID: "s1", Adapter: "files", Stream: "prs", Cursor: "10", UpdatedAt: periodStart}))
		require.NoError(t, store.SaveCursor(ctx, &models.SourceCursor{ScopeID: "s1", Adapter: "files", Stream: "prs", Cursor: "20", UpdatedAt: periodEnd}))

		c, err := store.GetCursor(ctx, "s1", "files", "prs")
		require.NoError(t, err)
		assert.Equal(t, "20", c.Cursor)
	})
}
