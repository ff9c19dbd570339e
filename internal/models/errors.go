package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ledger failures so callers (HTTP handlers, the job
// worker, an external orchestrator) can decide whether a retry makes sense.
type ErrorKind string

const (
	// KindConstraint is a unique-key collision that was not absorbed as an idempotent skip.
	KindConstraint ErrorKind = "constraint"
	// KindInvariant is a write against frozen or append-only data. Never retryable.
	KindInvariant ErrorKind = "invariant"
	// KindPrecondition is an operation attempted in the wrong state.
	KindPrecondition ErrorKind = "precondition"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindUnknown      ErrorKind = "unknown"
)

// LedgerError is the typed failure returned by every ledger component.
// Two LedgerErrors match under errors.Is when their codes are equal, so
// wrapped instances carrying extra detail still match the sentinels below.
type LedgerError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Is reports whether target is a LedgerError with the same code.
func (e *LedgerError) Is(target error) bool {
	var t *LedgerError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of the sentinel carrying a more specific message.
func (e *LedgerError) WithDetail(format string, args ...any) *LedgerError {
	return &LedgerError{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message + ": " + fmt.Sprintf(format, args...),
		Err:     e.Err,
	}
}

// Wrap returns a copy of the sentinel that wraps cause.
func (e *LedgerError) Wrap(cause error) *LedgerError {
	return &LedgerError{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

func newError(kind ErrorKind, code, msg string) *LedgerError {
	return &LedgerError{Kind: kind, Code: code, Message: msg}
}

var (
	// Constraint violations
	ErrEpochAlreadyOpen    = newError(KindConstraint, "epoch_already_open", "another epoch is already open in this scope")
	ErrEpochWindowExists   = newError(KindConstraint, "epoch_window_exists", "an epoch already exists for this period window")
	ErrDuplicateComponent  = newError(KindConstraint, "duplicate_pool_component", "pool component of this type already recorded for epoch")
	ErrFactAlreadyAssigned = newError(KindConstraint, "fact_already_assigned", "fact is already assigned to a different epoch")
	ErrIdentityConflict    = newError(KindConstraint, "identity_conflict", "platform identity is already bound to a different subject")
	ErrStatementExists     = newError(KindConstraint, "statement_exists", "payout statement already exists")
	ErrRunInFlight         = newError(KindConstraint, "run_in_flight", "an operation with this key is already running")

	// Invariant violations
	ErrEpochClosed        = newError(KindInvariant, "epoch_closed", "epoch is closed and its curation is frozen")
	ErrFactImmutable      = newError(KindInvariant, "fact_immutable", "activity facts are append-only")
	ErrComponentImmutable = newError(KindInvariant, "component_immutable", "pool components are immutable")
	ErrStatementImmutable = newError(KindInvariant, "statement_immutable", "payout statements are immutable")
	ErrImmutableRow       = newError(KindInvariant, "immutable_row", "row is append-only")
	ErrPolicyImmutable    = newError(KindInvariant, "policy_immutable", "weight policy snapshot is pinned")
	ErrPayoutSumMismatch  = newError(KindInvariant, "payout_sum_mismatch", "payout amounts do not sum to the pool total")

	// Precondition failures
	ErrMissingBaseIssuance = newError(KindPrecondition, "missing_base_issuance", "epoch has no base issuance pool component")
	ErrEpochNotClosed      = newError(KindPrecondition, "epoch_not_closed", "epoch is not closed")
	ErrEpochNotOpen        = newError(KindPrecondition, "epoch_not_open", "epoch is not open")
	ErrFactNotAssigned     = newError(KindPrecondition, "fact_not_assigned", "fact is not assigned to this epoch")

	// Not found
	ErrEpochNotFound      = newError(KindNotFound, "epoch_not_found", "epoch not found")
	ErrFactNotFound       = newError(KindNotFound, "fact_not_found", "activity fact not found")
	ErrStatementNotFound  = newError(KindNotFound, "statement_not_found", "payout statement not found")
	ErrAllocationNotFound = newError(KindNotFound, "allocation_not_found", "allocation not found")
	ErrCurationNotFound   = newError(KindNotFound, "curation_not_found", "curation entry not found")
	ErrBindingNotFound    = newError(KindNotFound, "binding_not_found", "identity binding not found")
	ErrCursorNotFound     = newError(KindNotFound, "cursor_not_found", "source cursor not found")

	// Validation
	ErrInvalidFact      = newError(KindValidation, "invalid_fact", "activity fact is malformed")
	ErrInvalidWindow    = newError(KindValidation, "invalid_window", "period start must be before period end")
	ErrInvalidPolicy    = newError(KindValidation, "invalid_policy", "weight policy is invalid")
	ErrInvalidComponent = newError(KindValidation, "invalid_component", "pool component is invalid")
	ErrInvalidClaim     = newError(KindValidation, "invalid_claim", "payout claim is invalid")
	ErrInvalidRequest   = newError(KindValidation, "invalid_request", "request is invalid")
	ErrPoolOverflow     = newError(KindValidation, "pool_overflow", "pool total exceeds the int64 range")
)

// KindOf returns the kind of the first LedgerError in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first LedgerError in err's chain, or "".
func CodeOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// Retryable reports whether an orchestrator may retry the failed call.
// Only in-flight collisions and unclassified (infrastructure) failures qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnknown:
		return true
	case KindConstraint:
		return errors.Is(err, ErrRunInFlight)
	default:
		return false
	}
}
