package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/epoch"
	"github.com/telhawk-systems/telhawk-ledger/internal/facts"
	"github.com/telhawk-systems/telhawk-ledger/internal/httputil"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/pool"
	"github.com/telhawk-systems/telhawk-ledger/internal/service"
)

// HeaderIdempotencyKey carries the caller's run key for keyed operations.
const HeaderIdempotencyKey = "Idempotency-Key"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the handler to the ledger components.
type Config struct {
	Facts    *facts.Service
	Curation *curation.Service
	Pool     *pool.Service
	Epochs   *epoch.Service
	Ledger   *service.Ledger

	// Store and Bus are checked by the readiness probe. Bus may be nil.
	Store Pinger
	Bus   interface{ IsConnected() bool }

	DefaultScope string

	// DefaultPolicy is pinned by POST /api/v1/epochs when the request has none.
	DefaultPolicy *models.WeightPolicy

	// BaseIssuance, when positive, is the base_issuance pool component
	// opened with every epoch whose request does not name one.
	BaseIssuance int64

	Logger *logging.Logger
}

type Handler struct {
	cfg    Config
	logger *logging.Logger
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{cfg: cfg, logger: logger}
}

// fail writes err and logs it when it is not a classified ledger error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if models.KindOf(err) == models.KindUnknown {
		h.logger.WithContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, logging.Error(err))
	}
	httputil.WriteLedgerError(w, err)
}

func (h *Handler) scope(r *http.Request) string {
	if s := r.URL.Query().Get("scope"); s != "" {
		return s
	}
	return h.cfg.DefaultScope
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck handles GET /readyz
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	ready := true
	if h.cfg.Store != nil {
		if err := h.cfg.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			ready = false
		}
	}
	if h.cfg.Bus != nil {
		checks["bus"] = "ok"
		if !h.cfg.Bus.IsConnected() {
			checks["bus"] = "disconnected"
			ready = false
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": state, "checks": checks})
}
