package models

import (
	"encoding/json"
	"time"
)

// ActivityFact is an immutable record of something that happened on a source
// platform. Once stored no field ever changes.
type ActivityFact struct {
	ID              string          `json:"id"`      // Deterministic: derived from source + native key
	ScopeID         string          `json:"scope_id"`
	Source          string          `json:"source"`
	NativeKey       string          `json:"native_key"`
	Category        string          `json:"category"`
	PlatformUserID  string          `json:"platform_user_id"`
	DisplayName     *string         `json:"display_name,omitempty"`
	ArtifactURL     string          `json:"artifact_url"`
	Payload         json.RawMessage `json:"payload"`
	PayloadHash     string          `json:"payload_hash"`
	ProducerName    string          `json:"producer_name"`
	ProducerVersion string          `json:"producer_version"`
	EventTime       time.Time       `json:"event_time"`
	RetrievedAt     time.Time       `json:"retrieved_at"`
	IngestedAt      time.Time       `json:"ingested_at"`
}

// IdentityBinding maps a platform identity to an internal subject. Bindings
// are append-only; a platform identity is bound at most once per scope.
type IdentityBinding struct {
	ScopeID        string    `json:"scope_id"`
	Source         string    `json:"source"`
	PlatformUserID string    `json:"platform_user_id"`
	SubjectID      string    `json:"subject_id"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// CurationEntry is the reviewer-editable view of one fact inside one epoch.
// It is writable only while the epoch is open.
type CurationEntry struct {
	ScopeID        string    `json:"scope_id"`
	EpochID        string    `json:"epoch_id"`
	FactID         string    `json:"fact_id"`
	SubjectID      *string   `json:"subject_id,omitempty"` // nil until identity resolution succeeds
	Included       bool      `json:"included"`
	WeightOverride *int64    `json:"weight_override_milli,omitempty"`
	Rationale      string    `json:"rationale,omitempty"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsResolved reports whether the entry has been attributed to a subject.
func (c *CurationEntry) IsResolved() bool {
	return c.SubjectID != nil && *c.SubjectID != ""
}

// EpochStatus is the lifecycle state of an epoch. closed is terminal.
type EpochStatus string

const (
	EpochOpen   EpochStatus = "open"
	EpochClosed EpochStatus = "closed"
)

// WeightPolicy is the flat category → milli-unit table pinned into an epoch.
type WeightPolicy struct {
	Version string           `json:"version" yaml:"version"`
	Weights map[string]int64 `json:"weights" yaml:"weights"`
}

// Epoch is one accounting period.
type Epoch struct {
	ID           string       `json:"id"`
	ScopeID      string       `json:"scope_id"`
	Status       EpochStatus  `json:"status"`
	PeriodStart  time.Time    `json:"period_start"`
	PeriodEnd    time.Time    `json:"period_end"`
	WeightPolicy WeightPolicy `json:"weight_policy"`
	PolicyHash   string       `json:"policy_hash"`
	PoolTotal    *int64       `json:"pool_total,omitempty"` // nil while open, set exactly once at close
	OpenedAt     time.Time    `json:"opened_at"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
}

// IsOpen reports whether the epoch still accepts curation writes.
func (e *Epoch) IsOpen() bool {
	return e.Status == EpochOpen
}

// Pool component types
const (
	ComponentBaseIssuance = "base_issuance"
	ComponentMetricBonus  = "metric_bonus"
	ComponentManualTopUp  = "manual_topup"
)

// PoolComponent is one independently computed, immutable piece of an epoch's budget.
type PoolComponent struct {
	ID               string          `json:"id"`
	ScopeID          string          `json:"scope_id"`
	EpochID          string          `json:"epoch_id"`
	ComponentType    string          `json:"component_type"`
	AlgorithmVersion string          `json:"algorithm_version"`
	Inputs           json.RawMessage `json:"inputs"`
	Amount           int64           `json:"amount"`
	EvidenceRef      string          `json:"evidence_ref,omitempty"`
	ComputedAt       time.Time       `json:"computed_at"`
}

// Allocation is a subject's unit total within an epoch.
type Allocation struct {
	ScopeID       string    `json:"scope_id"`
	EpochID       string    `json:"epoch_id"`
	SubjectID     string    `json:"subject_id"`
	ProposedUnits int64     `json:"proposed_units"`
	FinalUnits    *int64    `json:"final_units,omitempty"` // nil = use proposed
	OverrideNote  string    `json:"override_reason,omitempty"`
	FactCount     int       `json:"fact_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EffectiveUnits returns the reviewer-set final units when present, otherwise the proposed units.
func (a *Allocation) EffectiveUnits() int64 {
	if a.FinalUnits != nil {
		return *a.FinalUnits
	}
	return a.ProposedUnits
}

// StatementLine is one subject's share of a payout statement.
type StatementLine struct {
	SubjectID string `json:"subject_id"`
	Units     int64  `json:"units"`
	Share     string `json:"share"` // exact reduced fraction, e.g. "4/5"
	Amount    int64  `json:"amount"`
}

// PayoutStatement is the immutable result of distributing an epoch's pool.
// Corrections never edit a statement; they are new rows linked through SupersedesID.
type PayoutStatement struct {
	ID                   string          `json:"id"`
	ScopeID              string          `json:"scope_id"`
	EpochID              string          `json:"epoch_id"`
	AllocationSetHash    string          `json:"allocation_set_hash"`
	PoolTotal            int64           `json:"pool_total"`
	TotalUnits           int64           `json:"total_units"`
	UndistributedCredits int64           `json:"undistributed_credits"`
	Lines                []StatementLine `json:"lines"`
	SupersedesID         *string         `json:"supersedes_id,omitempty"`
	Reason               string          `json:"reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// SourceCursor is an adapter's resumption point for one stream.
type SourceCursor struct {
	ScopeID   string    `json:"scope_id"`
	Adapter   string    `json:"adapter"`
	Stream    string    `json:"stream"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}
