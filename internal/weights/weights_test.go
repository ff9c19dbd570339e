package weights

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
version: "2026-01"
weights:
  pr_merged: 5000
  review: 1500
  message: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	policy, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-01", policy.Version)
	assert.Equal(t, int64(5000), policy.Weights["pr_merged"])
	assert.Equal(t, int64(0), policy.Weights["message"])

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", "weights: [1, 2"},
		{"no version", "weights:\n  review: 1\n"},
		{"no weights", "version: v1\n"},
		{"negative weight", "version: v1\nweights:\n  review: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, models.ErrInvalidPolicy)
		})
	}
}

func TestHash_Stable(t *testing.T) {
	a := models.WeightPolicy{Version: "v1", Weights: map[string]int64{"review": 1500, "pr_merged": 5000}}
	b := models.WeightPolicy{Version: "v1", Weights: map[string]int64{"pr_merged": 5000, "review": 1500}}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ha)

	b.Weights["review"] = 1501
	hc, err := Hash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)

	b.Weights["review"] = 1500
	b.Version = "v2"
	hd, err := Hash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hd)
}

func TestWeightFor_UnknownCategoryIsZero(t *testing.T) {
	policy := models.WeightPolicy{Version: "v1", Weights: map[string]int64{"review": 1500}}
	assert.Equal(t, int64(1500), WeightFor(policy, "review"))
	assert.Equal(t, int64(0), WeightFor(policy, "emoji_reaction"))
}

func TestClone_DoesNotAlias(t *testing.T) {
	policy := models.WeightPolicy{Version: "v1", Weights: map[string]int64{"review": 1500}}
	snapshot := Clone(policy)
	policy.Weights["review"] = 1
	assert.Equal(t, int64(1500), snapshot.Weights["review"])
}

func TestResolver_UsesPinnedPolicy(t *testing.T) {
	store := repository.NewInMemoryRepository()
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertEpoch(ctx, &models.Epoch{
		ID:           "e1",
		ScopeID:      "s1",
		Status:       models.EpochOpen,
		PeriodStart:  start,
		PeriodEnd:    start.AddDate(0, 1, 0),
		WeightPolicy: models.WeightPolicy{Version: "v1", Weights: map[string]int64{"review": 1500}},
	}))

	r := NewResolver(store)
	w, err := r.WeightFor(ctx, "e1", "review")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), w)

	_, err = r.WeightFor(ctx, "nope", "review")
	assert.ErrorIs(t, err, models.ErrEpochNotFound)
}
