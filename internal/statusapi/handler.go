// Package statusapi exposes the running examination over HTTP: its state,
// the acknowledge/abort controls for the human-wait gate, and metrics.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/deskexam/pkg/exam"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/metrics"
)

// SessionSource reports the live session
type SessionSource interface {
	Snapshot() *exam.Session
}

// Resolver settles the human-wait gate. *exam.ChannelAcknowledger implements it.
type Resolver interface {
	Ack() bool
	Abort() bool
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	*exam.Session
	VNCURL string `json:"vnc_url,omitempty"`
}

// Handler serves the status API
type Handler struct {
	source   SessionSource
	resolver Resolver
	metrics  *metrics.Metrics
	logger   *logging.Logger
	vncURL   string
}

// NewHandler creates a handler. metrics may be nil.
func NewHandler(source SessionSource, resolver Resolver, m *metrics.Metrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		source:   source,
		resolver: resolver,
		metrics:  m,
		logger:   logger.WithComponent("statusapi"),
	}
}

// SetVNCURL adds the remote-view address to status responses
func (h *Handler) SetVNCURL(url string) {
	h.vncURL = url
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/ack", h.Ack).Methods("POST")
	r.HandleFunc("/abort", h.Abort).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if reg := h.metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Router returns a mux router with every route registered
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// Status returns the session snapshot
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Session: h.source.Snapshot(), VNCURL: h.vncURL})
}

// Ack finishes the human-operated interval
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "ack", h.resolver.Ack)
}

// Abort cancels the session from the human-wait gate
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "abort", h.resolver.Abort)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, action string, fn func() bool) {
	state := h.source.Snapshot().State
	if exam.IsTerminal(state) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "session already finished",
			"state": string(state),
		})
		return
	}
	if state != exam.StateAwaitingHuman {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "session is not awaiting the operator",
			"state": string(state),
		})
		return
	}
	if !fn() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "operator verdict not accepted: wait not in progress or already resolved"})
		return
	}

	h.logger.Info("Operator verdict received over HTTP", map[string]interface{}{
		"action": action,
		"remote": r.RemoteAddr,
		"state":  string(state),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "action": action})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}
