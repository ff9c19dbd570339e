package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerError_IsMatchesByCode(t *testing.T) {
	detailed := ErrEpochClosed.WithDetail("epoch %s", "e1")
	assert.ErrorIs(t, detailed, ErrEpochClosed)
	assert.NotErrorIs(t, detailed, ErrEpochNotFound)
	assert.Equal(t, "epoch is closed and its curation is frozen: epoch e1", detailed.Error())

	wrapped := fmt.Errorf("close: %w", detailed)
	assert.ErrorIs(t, wrapped, ErrEpochClosed)
}

func TestLedgerError_Wrap(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := ErrInvalidRequest.Wrap(cause)

	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "request is invalid: unexpected EOF", err.Error())
	assert.Nil(t, ErrInvalidRequest.Err, "sentinel must not be mutated")
}

func TestKindAndCode(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		code      string
		retryable bool
	}{
		{"nil", nil, "", "", false},
		{"constraint", ErrEpochAlreadyOpen, KindConstraint, "epoch_already_open", false},
		{"in flight", fmt.Errorf("finalize: %w", ErrRunInFlight), KindConstraint, "run_in_flight", true},
		{"invariant", ErrStatementImmutable, KindInvariant, "statement_immutable", false},
		{"precondition", ErrMissingBaseIssuance, KindPrecondition, "missing_base_issuance", false},
		{"not found", ErrFactNotFound, KindNotFound, "fact_not_found", false},
		{"validation", ErrInvalidWindow, KindValidation, "invalid_window", false},
		{"infrastructure", errors.New("connection refused"), KindUnknown, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.code, CodeOf(tt.err))
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
}

func TestAllocationEffectiveUnits(t *testing.T) {
	a := &Allocation{ProposedUnits: 4000}
	assert.Equal(t, int64(4000), a.EffectiveUnits())

	zero := int64(0)
	a.FinalUnits = &zero
	assert.Equal(t, int64(0), a.EffectiveUnits())
}
