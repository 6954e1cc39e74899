package handshake

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/popup"
)

// APIOptions are the optional handlers mounted next to the control API.
type APIOptions struct {
	// Events serves GET /events.
	Events *EventHub
	// Metrics serves GET /metrics.
	Metrics http.Handler
	// RelayPage serves GET /relay, the hidden frame's host page.
	RelayPage http.Handler
}

// APIServer exposes the coordinator's HTTP API.
type APIServer struct {
	coordinator *Coordinator
	server      *http.Server
	logger      *slog.Logger
	started     time.Time
}

// NewAPIServer creates a new API server listening on addr.
func NewAPIServer(coordinator *Coordinator, addr string, opts APIOptions, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}

	api := &APIServer{
		coordinator: coordinator,
		logger:      logger,
		started:     time.Now(),
	}

	r := chi.NewRouter()
	r.Use(api.withLogging)
	r.Get("/health", api.handleHealth)
	r.Get("/status", api.handleStatus)
	r.Group(func(r chi.Router) {
		// A page on another site can post a simple form here, so
		// state-changing routes require JSON and a matching Origin.
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(api.sameOrigin)
		r.Post("/auth/login", api.handleLogin)
		r.Post("/auth/confirm", api.handleConfirm)
		r.Post("/auth/cancel", api.handleCancel)
	})
	r.Get("/tokens", api.handleToken)
	if opts.Events != nil {
		r.Method(http.MethodGet, "/events", opts.Events)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.RelayPage != nil {
		r.Method(http.MethodGet, "/relay", opts.RelayPage)
	}

	api.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return api
}

// Handler returns the routed handler, for tests and embedding.
func (a *APIServer) Handler() http.Handler {
	return a.server.Handler
}

// Addr returns the configured listen address.
func (a *APIServer) Addr() string {
	return a.server.Addr
}

// Start begins serving the API. It blocks until the server stops.
func (a *APIServer) Start() error {
	a.logger.Info("starting API server", "addr", a.server.Addr)
	return a.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (a *APIServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *APIServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// sameOrigin rejects browser requests sent from an origin other than the
// broker's own. Requests without an Origin header come from non-browser
// clients and pass.
func (a *APIServer) sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Origin")
		if got != "" && authreq.OriginOf(got) != a.coordinator.Origin() {
			a.logger.Warn("cross-origin request rejected",
				"path", r.URL.Path,
				"origin", got)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthResponse is the response from /health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Uptime    string    `json:"uptime,omitempty"`
}

func (a *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		RunID:     a.coordinator.RunID(),
		Uptime:    time.Since(a.started).Round(time.Second).String(),
	})
}

// StatusResponse is the response from /status endpoint.
type StatusResponse struct {
	RunID          string                `json:"run_id"`
	Origin         string                `json:"origin"`
	Flows          []FlowStatus          `json:"flows"`
	PendingWindows []popup.PendingWindow `json:"pending_windows"`
	Tokens         int                   `json:"tokens"`
}

func (a *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		RunID:          a.coordinator.RunID(),
		Origin:         a.coordinator.Origin(),
		Flows:          a.coordinator.Statuses(),
		PendingWindows: a.coordinator.Popups().PendingWindows(),
		Tokens:         a.coordinator.Tokens().Len(),
	})
}

func (a *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var svc authreq.AuthService
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := authreq.Validate(svc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.coordinator.Surface().RequestLogin(r.Context(), svc); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	a.logger.Info("login requested via API", "service_id", svc.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ServiceRequest is the request body for /auth/confirm and /auth/cancel.
type ServiceRequest struct {
	ServiceID string `json:"service_id"`
}

func decodeServiceRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return "", false
	}
	if req.ServiceID == "" {
		http.Error(w, "service_id required", http.StatusBadRequest)
		return "", false
	}
	return req.ServiceID, true
}

func (a *APIServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeServiceRequest(w, r)
	if !ok {
		return
	}
	a.coordinator.Confirm(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *APIServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeServiceRequest(w, r)
	if !ok {
		return
	}
	a.coordinator.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// TokenResponse reports whether a token is held. It never carries the
// token itself.
type TokenResponse struct {
	ServiceID string     `json:"service_id"`
	Has       bool       `json:"has"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (a *APIServer) handleToken(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("service_id")
	if id == "" {
		http.Error(w, "service_id required", http.StatusBadRequest)
		return
	}

	resp := TokenResponse{ServiceID: id}
	if tok, ok := a.coordinator.Tokens().Get(id); ok {
		resp.Has = true
		if tok.ExpiresIn > 0 {
			at := tok.ExpiresAt()
			resp.ExpiresAt = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
