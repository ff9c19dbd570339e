package handlers

import (
	"net/http"

	"github.com/telhawk-systems/telhawk-ledger/internal/httputil"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// ListEpochs handles GET /api/v1/epochs
func (h *Handler) ListEpochs(w http.ResponseWriter, r *http.Request) {
	epochs, err := h.cfg.Epochs.List(r.Context(), h.scope(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if epochs == nil {
		epochs = []*models.Epoch{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"epochs": epochs})
}

// OpenEpoch handles POST /api/v1/epochs
func (h *Handler) OpenEpoch(w http.ResponseWriter, r *http.Request) {
	var req models.OpenEpochRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ScopeID == "" {
		req.ScopeID = h.cfg.DefaultScope
	}
	if req.Policy.Version == "" && len(req.Policy.Weights) == 0 && h.cfg.DefaultPolicy != nil {
		req.Policy = *h.cfg.DefaultPolicy
	}

	if req.BaseIssuance == 0 {
		req.BaseIssuance = h.cfg.BaseIssuance
	}

	resp, err := h.cfg.Epochs.Open(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, resp)
}

// GetEpoch handles GET /api/v1/epochs/{id}
func (h *Handler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	e, err := h.cfg.Epochs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, e)
}

// FinalizeEpoch handles POST /api/v1/epochs/{id}/finalize
func (h *Handler) FinalizeEpoch(w http.ResponseWriter, r *http.Request) {
	res, err := h.cfg.Ledger.Finalize(r.Context(), r.Header.Get(HeaderIdempotencyKey), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// VerifyEpoch handles POST /api/v1/epochs/{id}/verify
func (h *Handler) VerifyEpoch(w http.ResponseWriter, r *http.Request) {
	rep, err := h.cfg.Ledger.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

// GetStatement handles GET /api/v1/epochs/{id}/statement
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.cfg.Epochs.Statement(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// ListStatements handles GET /api/v1/epochs/{id}/statements
func (h *Handler) ListStatements(w http.ResponseWriter, r *http.Request) {
	chain, err := h.cfg.Epochs.Statements(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if chain == nil {
		chain = []*models.PayoutStatement{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"statements": chain})
}

// IssueCorrection handles POST /api/v1/epochs/{id}/corrections
func (h *Handler) IssueCorrection(w http.ResponseWriter, r *http.Request) {
	var req models.CorrectionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.cfg.Epochs.IssueCorrection(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, st)
}

// RecordComponent handles POST /api/v1/epochs/{id}/pool-components
func (h *Handler) RecordComponent(w http.ResponseWriter, r *http.Request) {
	var req models.RecordComponentRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.cfg.Pool.RecordComponent(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, c)
}

// ListComponents handles GET /api/v1/epochs/{id}/pool-components
func (h *Handler) ListComponents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	components, err := h.cfg.Pool.List(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.cfg.Pool.TotalFor(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if components == nil {
		components = []*models.PoolComponent{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"components": components, "total": total})
}
