package handlers

import (
	"net/http"

	"github.com/telhawk-systems/telhawk-ledger/internal/httputil"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// IngestFacts handles POST /api/v1/facts
func (h *Handler) IngestFacts(w http.ResponseWriter, r *http.Request) {
	var req models.IngestFactsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if len(req.Facts) == 0 {
		h.fail(w, r, models.ErrInvalidRequest.WithDetail("facts must not be empty"))
		return
	}
	for _, f := range req.Facts {
		if f != nil && f.ScopeID == "" {
			f.ScopeID = h.cfg.DefaultScope
		}
	}
	res, err := h.cfg.Facts.IngestBatch(r.Context(), req.Facts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// GetFact handles GET /api/v1/facts/{id}
func (h *Handler) GetFact(w http.ResponseWriter, r *http.Request) {
	f, err := h.cfg.Facts.Get(r.Context(), h.scope(r), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, f)
}

// ListFacts handles GET /api/v1/facts
func (h *Handler) ListFacts(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	since, err := httputil.QueryTime(r, "since")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	until, err := httputil.QueryTime(r, "until")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.cfg.Facts.List(r.Context(), models.FactFilter{
		ScopeID:    h.scope(r),
		Source:     r.URL.Query().Get("source"),
		Since:      since,
		Until:      until,
		Unassigned: r.URL.Query().Get("unassigned") == "true",
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.ActivityFact{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"facts": list})
}

// Collect handles POST /api/v1/collect
func (h *Handler) Collect(w http.ResponseWriter, r *http.Request) {
	var req models.CollectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ScopeID == "" {
		req.ScopeID = h.cfg.DefaultScope
	}
	res, err := h.cfg.Ledger.CollectAndIngest(r.Context(), r.Header.Get(HeaderIdempotencyKey), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
