// Package pool records the independently computed components of an epoch's
// credit budget and sums them. It computes nothing beyond the sum.
package pool

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

// Algorithm versions pinned by the component constructors.
const (
	BaseIssuanceVersion = "fixed/v1"
	MetricBonusVersion  = "metric/v1"
	ManualTopUpVersion  = "manual/v1"
)

var knownTypes = map[string]bool{
	models.ComponentBaseIssuance: true,
	models.ComponentMetricBonus:  true,
	models.ComponentManualTopUp:  true,
}

// BaseIssuance is the fixed per-epoch issuance.
func BaseIssuance(amount int64) models.RecordComponentRequest {
	inputs, _ := json.Marshal(map[string]int64{"amount": amount})
	return models.RecordComponentRequest{
		ComponentType:    models.ComponentBaseIssuance,
		AlgorithmVersion: BaseIssuanceVersion,
		Inputs:           inputs,
		Amount:           amount,
	}
}

// MetricBonus pins the metric observation that produced amount.
func MetricBonus(metric string, value int64, amount int64, evidence string) models.RecordComponentRequest {
	inputs, _ := json.Marshal(map[string]any{"metric": metric, "value": value})
	return models.RecordComponentRequest{
		ComponentType:    models.ComponentMetricBonus,
		AlgorithmVersion: MetricBonusVersion,
		Inputs:           inputs,
		Amount:           amount,
		EvidenceRef:      evidence,
	}
}

// ManualTopUp records an operator-approved top-up.
func ManualTopUp(amount int64, approvedBy, evidence string) models.RecordComponentRequest {
	inputs, _ := json.Marshal(map[string]any{"approved_by": approvedBy, "amount": amount})
	return models.RecordComponentRequest{
		ComponentType:    models.ComponentManualTopUp,
		AlgorithmVersion: ManualTopUpVersion,
		Inputs:           inputs,
		Amount:           amount,
		EvidenceRef:      evidence,
	}
}

// ValidateComponent checks a component request before it is recorded.
func ValidateComponent(req models.RecordComponentRequest) error {
	if !knownTypes[req.ComponentType] {
		return models.ErrInvalidComponent.WithDetail("unknown component type %q", req.ComponentType)
	}
	if req.AlgorithmVersion == "" {
		return models.ErrInvalidComponent.WithDetail("algorithm_version is required")
	}
	if req.Amount < 0 {
		return models.ErrInvalidComponent.WithDetail("amount must not be negative")
	}
	if len(req.Inputs) > 0 && !json.Valid(req.Inputs) {
		return models.ErrInvalidComponent.WithDetail("inputs must be valid JSON")
	}
	return nil
}

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

// RecordComponent pins one budget component to an open epoch. A second
// component of the same type fails with ErrDuplicateComponent.
func (s *Service) RecordComponent(ctx context.Context, epochID string, req models.RecordComponentRequest) (*models.PoolComponent, error) {
	if err := ValidateComponent(req); err != nil {
		return nil, err
	}

	var component *models.PoolComponent
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		epoch, err := tx.LockEpoch(ctx, epochID)
		if err != nil {
			return err
		}
		component, err = Insert(ctx, tx, epoch, req, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "pool component recorded",
		logging.EpochID(epochID),
		"component_type", component.ComponentType,
		"amount", component.Amount)
	return component, nil
}

// TotalFor returns the literal sum of the epoch's component rows.
func (s *Service) TotalFor(ctx context.Context, epochID string) (int64, error) {
	return TotalFor(ctx, s.store, epochID)
}

func (s *Service) List(ctx context.Context, epochID string) ([]*models.PoolComponent, error) {
	if _, err := s.store.GetEpoch(ctx, epochID); err != nil {
		return nil, err
	}
	return s.store.ListPoolComponents(ctx, epochID)
}

// TotalFor sums the epoch's components within tx.
func TotalFor(ctx context.Context, tx repository.Tx, epochID string) (int64, error) {
	if _, err := tx.GetEpoch(ctx, epochID); err != nil {
		return 0, err
	}
	return tx.SumPoolComponents(ctx, epochID)
}

// Insert records req against epoch inside tx. The caller holds the epoch lock.
func Insert(ctx context.Context, tx repository.Tx, epoch *models.Epoch, req models.RecordComponentRequest, now time.Time) (*models.PoolComponent, error) {
	if !epoch.IsOpen() {
		return nil, models.ErrEpochClosed.WithDetail("epoch %s", epoch.ID)
	}
	total, err := tx.SumPoolComponents(ctx, epoch.ID)
	if err != nil {
		return nil, err
	}
	if req.Amount > math.MaxInt64-total {
		return nil, models.ErrPoolOverflow.WithDetail("epoch %s total %d plus %d", epoch.ID, total, req.Amount)
	}

	inputs := req.Inputs
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	component := &models.PoolComponent{
		ID:               id.String(),
		ScopeID:          epoch.ScopeID,
		EpochID:          epoch.ID,
		ComponentType:    req.ComponentType,
		AlgorithmVersion: req.AlgorithmVersion,
		Inputs:           inputs,
		Amount:           req.Amount,
		EvidenceRef:      req.EvidenceRef,
		ComputedAt:       now,
	}
	if err := tx.InsertPoolComponent(ctx, component); err != nil {
		return nil, err
	}
	return component, nil
}

// EnsureBaseIssuance records a base issuance of amount unless the open epoch
// already has one. It reports whether a component was written.
func EnsureBaseIssuance(ctx context.Context, tx repository.Tx, epoch *models.Epoch, amount int64, now time.Time) (bool, error) {
	if amount <= 0 || !epoch.IsOpen() {
		return false, nil
	}
	ok, err := HasBaseIssuance(ctx, tx, epoch.ID)
	if err != nil || ok {
		return false, err
	}
	if _, err := Insert(ctx, tx, epoch, BaseIssuance(amount), now); err != nil {
		return false, err
	}
	return true, nil
}

// HasBaseIssuance reports whether the epoch has a base issuance component.
func HasBaseIssuance(ctx context.Context, tx repository.Tx, epochID string) (bool, error) {
	components, err := tx.ListPoolComponents(ctx, epochID)
	if err != nil {
		return false, err
	}
	for _, c := range components {
		if c.ComponentType == models.ComponentBaseIssuance {
			return true, nil
		}
	}
	return false, nil
}
