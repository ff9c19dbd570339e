package models

import (
	"encoding/json"
	"time"
)

// FactFilter narrows fact listings. Zero values mean "no constraint".
type FactFilter struct {
	ScopeID    string
	Source     string
	Since      time.Time // inclusive, on event time
	Until      time.Time // exclusive, on event time
	Unassigned bool      // only facts with no curation entry
	Limit      int
	Offset     int
}

// IngestResult reports the outcome of a single idempotent insert.
type IngestResult struct {
	FactID   string `json:"fact_id"`
	Inserted bool   `json:"inserted"`
}

// BatchResult summarises an ingestion batch.
type BatchResult struct {
	Inserted int            `json:"inserted"`
	Skipped  int            `json:"skipped"`
	Results  []IngestResult `json:"results"`
}

// OpenEpochRequest is the API request for opening an epoch.
type OpenEpochRequest struct {
	ScopeID     string       `json:"scope_id"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	Policy      WeightPolicy `json:"weight_policy"`
	// BaseIssuance, when positive, is recorded as the epoch's base_issuance
	// component in the same transaction unless one already exists.
	BaseIssuance int64 `json:"base_issuance,omitempty"`
}

// OpenEpochResponse carries the epoch and whether this call created it.
type OpenEpochResponse struct {
	Epoch   *Epoch `json:"epoch"`
	Created bool   `json:"created"`
}

// RecordComponentRequest is the API request for recording a pool component.
type RecordComponentRequest struct {
	ComponentType    string          `json:"component_type"`
	AlgorithmVersion string          `json:"algorithm_version"`
	Inputs           json.RawMessage `json:"inputs"`
	Amount           int64           `json:"amount"`
	EvidenceRef      string          `json:"evidence_ref,omitempty"`
}

// CurationRequest is a reviewer edit of one (epoch, fact) entry.
// Nil fields are left unchanged.
type CurationRequest struct {
	Included       *bool  `json:"included,omitempty"`
	WeightOverride *int64 `json:"weight_override_milli,omitempty"`
	ClearOverride  bool   `json:"clear_override,omitempty"`
	Reason         string `json:"reason"`
	Reviewer       string `json:"reviewer,omitempty"`
}

// FinalUnitsRequest sets or clears the reviewer-set final units of an allocation.
type FinalUnitsRequest struct {
	FinalUnits *int64 `json:"final_units"`
	Reason     string `json:"reason"`
}

// BindIdentityRequest binds a platform identity to a subject.
type BindIdentityRequest struct {
	ScopeID        string `json:"scope_id"`
	Source         string `json:"source"`
	PlatformUserID string `json:"platform_user_id"`
	SubjectID      string `json:"subject_id"`
	CreatedBy      string `json:"created_by,omitempty"`
}

// UnitAdjustment replaces one subject's units in a correction statement.
type UnitAdjustment struct {
	SubjectID string `json:"subject_id"`
	Units     int64  `json:"units"`
}

// CorrectionRequest is the API request for issuing a superseding statement.
type CorrectionRequest struct {
	Adjustments []UnitAdjustment `json:"adjustments"`
	Reason      string           `json:"reason"`
}

// Diff is one field that disagrees between a recomputed and a persisted value.
type Diff struct {
	Field     string `json:"field"`
	SubjectID string `json:"subject_id,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// VerificationReport is the structured result of recomputing an epoch.
type VerificationReport struct {
	EpochID     string    `json:"epoch_id"`
	StatementID string    `json:"statement_id"`
	Matches     bool      `json:"matches"`
	Diffs       []Diff    `json:"diffs"`
	CheckedAt   time.Time `json:"checked_at"`
}

// CollectRequest asks the core to run a source adapter over a window.
type CollectRequest struct {
	ScopeID     string    `json:"scope_id"`
	Adapter     string    `json:"adapter"`
	Streams     []string  `json:"streams"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// CollectResult summarises a collection run.
type CollectResult struct {
	Adapter  string `json:"adapter"`
	Batches  int    `json:"batches"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
	Assigned int    `json:"assigned"`
}

// IngestFactsRequest is the API request for ingesting a batch of facts.
type IngestFactsRequest struct {
	Facts []*ActivityFact `json:"facts"`
}
