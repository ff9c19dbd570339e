package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-ledger/internal/handlers"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/metrics"
	"github.com/telhawk-systems/telhawk-ledger/internal/middleware"
)

// NewRouter constructs a ServeMux with the ledger API routes registered.
func NewRouter(h *handlers.Handler, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Epochs
	mux.HandleFunc("GET /api/v1/epochs", h.ListEpochs)
	mux.HandleFunc("POST /api/v1/epochs", h.OpenEpoch)
	mux.HandleFunc("GET /api/v1/epochs/{id}", h.GetEpoch)
	mux.HandleFunc("POST /api/v1/epochs/{id}/finalize", h.FinalizeEpoch)
	mux.HandleFunc("POST /api/v1/epochs/{id}/verify", h.VerifyEpoch)
	mux.HandleFunc("GET /api/v1/epochs/{id}/statement", h.GetStatement)
	mux.HandleFunc("GET /api/v1/epochs/{id}/statements", h.ListStatements)
	mux.HandleFunc("POST /api/v1/epochs/{id}/corrections", h.IssueCorrection)

	// Pool
	mux.HandleFunc("GET /api/v1/epochs/{id}/pool-components", h.ListComponents)
	mux.HandleFunc("POST /api/v1/epochs/{id}/pool-components", h.RecordComponent)

	// Curation and allocations
	mux.HandleFunc("GET /api/v1/epochs/{id}/facts", h.ListEpochFacts)
	mux.HandleFunc("POST /api/v1/epochs/{id}/assign", h.AssignWindow)
	mux.HandleFunc("GET /api/v1/epochs/{id}/curation", h.ListCuration)
	mux.HandleFunc("PUT /api/v1/epochs/{id}/curation/{fact}", h.UpdateCuration)
	mux.HandleFunc("GET /api/v1/epochs/{id}/allocations", h.ListAllocations)
	mux.HandleFunc("POST /api/v1/epochs/{id}/allocations/refresh", h.RefreshAllocations)
	mux.HandleFunc("PUT /api/v1/epochs/{id}/allocations/{subject}", h.SetFinalUnits)

	// Facts and identities
	mux.HandleFunc("GET /api/v1/facts", h.ListFacts)
	mux.HandleFunc("POST /api/v1/facts", h.IngestFacts)
	mux.HandleFunc("GET /api/v1/facts/{id}", h.GetFact)
	mux.HandleFunc("POST /api/v1/identities", h.BindIdentity)
	mux.HandleFunc("POST /api/v1/collect", h.Collect)

	return middleware.RequestID(middleware.AccessLog(logger.Logger, metrics.HTTPRequestsTotal)(mux))
}
