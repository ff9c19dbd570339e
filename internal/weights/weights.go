// Package weights holds the category -> milli-unit weight table that is
// snapshotted into an epoch when it opens.
package weights

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// MilliPerCredit is the number of milli-units in one credit.
const MilliPerCredit = 1000

// Load reads a YAML policy file:
//
//	version: "2026-01"
//	weights:
//	  pr_merged: 5000
//	  review: 1500
func Load(path string) (models.WeightPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.WeightPolicy{}, fmt.Errorf("failed to read weight policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML (or JSON) policy document.
func Parse(data []byte) (models.WeightPolicy, error) {
	var policy models.WeightPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return models.WeightPolicy{}, models.ErrInvalidPolicy.Wrap(err)
	}
	if err := Validate(policy); err != nil {
		return models.WeightPolicy{}, err
	}
	return policy, nil
}

// Validate checks that the policy has a version and only non-negative weights.
func Validate(policy models.WeightPolicy) error {
	if policy.Version == "" {
		return models.ErrInvalidPolicy.WithDetail("version is required")
	}
	if len(policy.Weights) == 0 {
		return models.ErrInvalidPolicy.WithDetail("at least one category weight is required")
	}
	for category, w := range policy.Weights {
		if category == "" {
			return models.ErrInvalidPolicy.WithDetail("empty category name")
		}
		if w < 0 {
			return models.ErrInvalidPolicy.WithDetail("category %s has negative weight %d", category, w)
		}
	}
	return nil
}

// Hash returns "sha256:<hex>" over the canonical JSON of the policy.
// encoding/json writes map keys sorted, so equal policies hash equally.
func Hash(policy models.WeightPolicy) (string, error) {
	weights := policy.Weights
	if weights == nil {
		weights = map[string]int64{}
	}
	canonical, err := json.Marshal(models.WeightPolicy{Version: policy.Version, Weights: weights})
	if err != nil {
		return "", fmt.Errorf("failed to encode weight policy: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// WeightFor returns the weight of category. Categories the policy does not
// name are worth zero.
func WeightFor(policy models.WeightPolicy, category string) int64 {
	return policy.Weights[category]
}

// Clone returns a deep copy so a pinned snapshot cannot alias the caller's map.
func Clone(policy models.WeightPolicy) models.WeightPolicy {
	weights := make(map[string]int64, len(policy.Weights))
	for k, v := range policy.Weights {
		weights[k] = v
	}
	return models.WeightPolicy{Version: policy.Version, Weights: weights}
}

// EpochReader is the slice of the store the resolver needs.
type EpochReader interface {
	GetEpoch(ctx context.Context, epochID string) (*models.Epoch, error)
}

// Resolver answers weight lookups against an epoch's pinned policy.
type Resolver struct {
	epochs EpochReader
}

func NewResolver(epochs EpochReader) *Resolver {
	return &Resolver{epochs: epochs}
}

// WeightFor returns the milli-unit weight of category under epochID's pinned policy.
func (r *Resolver) WeightFor(ctx context.Context, epochID, category string) (int64, error) {
	epoch, err := r.epochs.GetEpoch(ctx, epochID)
	if err != nil {
		return 0, err
	}
	return WeightFor(epoch.WeightPolicy, category), nil
}
