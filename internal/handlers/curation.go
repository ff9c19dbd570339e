package handlers

import (
	"net/http"

	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/httputil"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// ListEpochFacts handles GET /api/v1/epochs/{id}/facts
func (h *Handler) ListEpochFacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.cfg.Facts.ListForEpoch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.ActivityFact{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"facts": list})
}

// ListCuration handles GET /api/v1/epochs/{id}/curation
func (h *Handler) ListCuration(w http.ResponseWriter, r *http.Request) {
	entries, err := h.cfg.Curation.Entries(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.CurationEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// AssignWindow handles POST /api/v1/epochs/{id}/assign
func (h *Handler) AssignWindow(w http.ResponseWriter, r *http.Request) {
	n, err := h.cfg.Curation.AssignWindow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"assigned": n})
}

// UpdateCuration handles PUT /api/v1/epochs/{id}/curation/{fact}
func (h *Handler) UpdateCuration(w http.ResponseWriter, r *http.Request) {
	var req models.CurationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = httputil.Actor(r, curation.SystemActor)
	}
	entry, err := h.cfg.Curation.Update(r.Context(), r.PathValue("id"), r.PathValue("fact"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

// ListAllocations handles GET /api/v1/epochs/{id}/allocations
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.cfg.Curation.Allocations(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if allocs == nil {
		allocs = []*models.Allocation{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"allocations": allocs})
}

// RefreshAllocations handles POST /api/v1/epochs/{id}/allocations/refresh
func (h *Handler) RefreshAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.cfg.Curation.RefreshAllocations(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if allocs == nil {
		allocs = []*models.Allocation{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"allocations": allocs})
}

// SetFinalUnits handles PUT /api/v1/epochs/{id}/allocations/{subject}
func (h *Handler) SetFinalUnits(w http.ResponseWriter, r *http.Request) {
	var req models.FinalUnitsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.cfg.Curation.SetFinalUnits(r.Context(), r.PathValue("id"), r.PathValue("subject"), req.FinalUnits, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

// BindIdentity handles POST /api/v1/identities
func (h *Handler) BindIdentity(w http.ResponseWriter, r *http.Request) {
	var req models.BindIdentityRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ScopeID == "" {
		req.ScopeID = h.cfg.DefaultScope
	}
	if req.CreatedBy == "" {
		req.CreatedBy = httputil.Actor(r, curation.SystemActor)
	}
	b, created, err := h.cfg.Curation.BindIdentity(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, b)
}
