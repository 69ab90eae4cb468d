// Package httpapi serves the operator endpoints: health, status and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/techsuite-notify/internal/connection"
	"github.com/rickgao/techsuite-notify/internal/journal"
)

// StatsSource reports Connection Manager state.
type StatsSource interface {
	Stats() connection.Stats
}

// Pinger checks a dependency, typically the journal database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JournalSource reports journal writer state.
type JournalSource interface {
	Stats() journal.Stats
}

// Options configures the router. Manager is required; the rest is optional.
type Options struct {
	Manager     StatsSource
	Journal     JournalSource
	DB          Pinger
	Gatherer    prometheus.Gatherer // nil = prometheus.DefaultGatherer
	MetricsPath string              // "" = /metrics
	Logger      *slog.Logger
}

type handler struct {
	opts   Options
	logger *slog.Logger
}

// NewRouter creates the HTTP handler for health checks, status and metrics.
func NewRouter(opts Options) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handler{opts: opts, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.Handle(opts.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

// NewServer wraps handler in an http.Server listening on port.
func NewServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := healthResponse{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	// Check connection
	stats := h.opts.Manager.Stats()
	conn := map[string]any{
		"status":   stats.Status,
		"attempts": stats.Attempts,
	}
	if stats.LastError != "" {
		conn["error"] = stats.LastError
	}
	health.Components["connection"] = conn
	if stats.Status != connection.StatusAuthenticated {
		health.Status = "unhealthy"
	}

	// Check journal database
	if h.opts.DB != nil {
		if err := h.opts.DB.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}
	}

	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, health)
}

type statusResponse struct {
	Connection connection.Stats `json:"connection"`
	Journal    *journal.Stats   `json:"journal,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Connection: h.opts.Manager.Stats()}
	if h.opts.Journal != nil {
		js := h.opts.Journal.Stats()
		resp.Journal = &js
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}
