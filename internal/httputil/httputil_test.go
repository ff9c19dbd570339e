package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

func TestWriteLedgerError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryable  bool
	}{
		{"validation", models.ErrInvalidWindow, http.StatusBadRequest, "invalid_window", false},
		{"not found", models.ErrEpochNotFound, http.StatusNotFound, "epoch_not_found", false},
		{"constraint", models.ErrEpochAlreadyOpen, http.StatusConflict, "epoch_already_open", false},
		{"invariant", models.ErrEpochClosed.WithDetail("e1"), http.StatusConflict, "epoch_closed", false},
		{"precondition", models.ErrMissingBaseIssuance, http.StatusUnprocessableEntity, "missing_base_issuance", false},
		{"in flight", models.ErrRunInFlight, http.StatusConflict, "run_in_flight", true},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteLedgerError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.retryable, body.Retryable)
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body.Error)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"x"}`, false},
		{"unknown field", `{"name":"x","extra":1}`, true},
		{"trailing value", `{"name":"x"}{"name":"y"}`, true},
		{"malformed", `{"name":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			err := DecodeJSON(req, &dst)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "x", dst.Name)
		})
	}
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=10&offset=-1&since=2026-01-01T00:00:00Z&until=yesterday", nil)

	limit, err := QueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)

	_, err = QueryInt(req, "offset", 0)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	def, err := QueryInt(req, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, def)

	since, err := QueryTime(req, "since")
	require.NoError(t, err)
	assert.Equal(t, 2026, since.Year())

	_, err = QueryTime(req, "until")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestActor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Equal(t, "api", Actor(req, "api"))
	req.Header.Set(HeaderActor, "reviewer-1")
	assert.Equal(t, "reviewer-1", Actor(req, "api"))
}
