// Copyright 2025 FlowGrid
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowgrid/platform/shared/logger"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const ctxKeyIdentity contextKey = "identity"

// Server carries the handler dependencies for the REST surface.
type Server struct {
	manager   *WorkflowManager
	registry  *AgentRegistry
	auth      *AuthService
	gate      *PolicyGate
	analytics AnalyticsStore
	limiter   *RateLimiter
	collector *MetricsCollector
	log       *logger.Logger
	readiness func(ctx context.Context) map[string]bool
}

// NewServer wires the REST layer. readiness may be nil when the service
// has no external dependencies to check.
func NewServer(manager *WorkflowManager, registry *AgentRegistry, auth *AuthService, gate *PolicyGate,
	analytics AnalyticsStore, limiter *RateLimiter, collector *MetricsCollector,
	readiness func(ctx context.Context) map[string]bool) *Server {
	return &Server{
		manager:   manager,
		registry:  registry,
		auth:      auth,
		gate:      gate,
		analytics: analytics,
		limiter:   limiter,
		collector: collector,
		log:       logger.New("orchestrator"),
		readiness: readiness,
	}
}

// Routes builds the full REST router: public health and auth endpoints
// plus the authenticated /api/v1 surface, all behind the metrics
// middleware and per-class rate limits.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	// Health and metrics
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET") // JSON metrics
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	// Auth endpoints (unauthenticated, tight rate limit keyed by address)
	r.HandleFunc("/api/v1/auth/register",
		s.rateLimitMiddleware("auth", RateLimitAuth, s.handleRegister)).Methods("POST")
	r.HandleFunc("/api/v1/auth/login",
		s.rateLimitMiddleware("auth", RateLimitAuth, s.handleLogin)).Methods("POST")

	// Everything below requires a bearer token.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/auth/logout",
		s.rateLimitMiddleware("auth", RateLimitAuth, s.handleLogout)).Methods("POST")

	// Agent catalog
	api.HandleFunc("/agents",
		s.rateLimitMiddleware("read", RateLimitRead, s.handleListAgents)).Methods("GET")
	api.HandleFunc("/agents/search",
		s.rateLimitMiddleware("read", RateLimitRead, s.handleSearchAgents)).Methods("GET")
	api.HandleFunc("/agents/category/{category}",
		s.rateLimitMiddleware("read", RateLimitRead, s.handleAgentsByCategory)).Methods("GET")
	api.HandleFunc("/agents/{id}",
		s.rateLimitMiddleware("read", RateLimitRead, s.handleGetAgent)).Methods("GET")

	// Workflow lifecycle
	api.HandleFunc("/workflows",
		s.rateLimitMiddleware("default", RateLimitDefault, s.handleCreateWorkflow)).Methods("POST")
	api.HandleFunc("/workflows",
		s.rateLimitMiddleware("read", RateLimitRead, s.handleListWorkflows)).Methods("GET")
	api.HandleFunc("/workflows/{id}/execute",
		s.rateLimitMiddleware("default", RateLimitDefault, s.handleExecuteWorkflow)).Methods("POST")
	api.HandleFunc("/workflows/{id}/cancel",
		s.rateLimitMiddleware("default", RateLimitDefault, s.handleCancelWorkflow)).Methods("POST")
	api.HandleFunc("/workflows/{id}",
		s.rateLimitMiddleware("read", RateLimitRead, s.handleGetWorkflow)).Methods("GET")

	// Analytics
	api.HandleFunc("/analytics/events",
		s.rateLimitMiddleware("read", RateLimitRead, s.handleAnalyticsEvents)).Methods("GET")

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, ErrUnknownAgent):
		status, code = http.StatusBadRequest, "unknown_agent"
	case errors.Is(err, ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ErrPolicyDenied):
		status, code = http.StatusForbidden, "policy_denied"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrStaleStatus), errors.Is(err, ErrStaleCursor):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// identityFrom returns the authenticated identity placed by the auth
// middleware.
func identityFrom(r *http.Request) *Identity {
	id, _ := r.Context().Value(ctxKeyIdentity).(*Identity)
	return id
}

// ============================================================
// Middleware
// ============================================================

// authMiddleware authenticates the bearer token and records the identity
// in the request context. PolicyGate runs here, synchronously on the
// request path, never inside the dispatch loop.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}

		identity, err := s.gate.Authenticate(r.Context(), token)
		if err != nil {
			s.collector.RecordRequest(http.StatusUnauthorized)
			s.writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware consumes one request from the subject's window.
// Unauthenticated routes key on the remote address instead.
func (s *Server) rateLimitMiddleware(class string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Unauthenticated requests are keyed by client address, without
		// the ephemeral port.
		subject := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			subject = host
		}
		if id := identityFrom(r); id != nil {
			subject = id.SubjectID
		}
		if err := s.limiter.Allow(r.Context(), class, subject, limit); err != nil {
			s.collector.RecordRequest(http.StatusTooManyRequests)
			s.writeError(w, err)
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records per-route counters and latency.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		promRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		promRequestDuration.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
		s.collector.RecordRequest(rec.status)
	})
}

// ============================================================
// Auth handlers
// ============================================================

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Join(ErrValidation, err))
		return
	}

	userID, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info(req.Username, "", "user registered", map[string]interface{}{"user_id": userID})
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Join(ErrValidation, err))
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if err := s.gate.Revoke(r.Context(), identity.TokenID, identity.ExpiresAt); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// ============================================================
// Agent handlers
// ============================================================

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.ListDetails()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"total":  len(agents),
	})
}

func (s *Server) handleSearchAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	results := s.registry.Search(q.Get("tag"), q.Get("q"), limit, offset)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleAgentsByCategory(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	agents := s.registry.ListByCategory(category)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":   agents,
		"count":    len(agents),
		"category": category,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	descriptor, err := s.registry.Lookup(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

// ============================================================
// Workflow handlers
// ============================================================

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Join(ErrValidation, err))
		return
	}

	wf, err := s.manager.Create(r.Context(), identityFrom(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
	})
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.manager.Execute(r.Context(), identityFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
	})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.manager.Cancel(r.Context(), identityFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.manager.Get(r.Context(), identityFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	workflows, err := s.manager.ListByOwner(r.Context(), identityFrom(r), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// ============================================================
// Analytics handlers
// ============================================================

func (s *Server) handleAnalyticsEvents(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if !s.gate.Authorize(identity, "analytics", "read") {
		s.writeError(w, ErrPolicyDenied)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.analytics.EventsByOwner(r.Context(), identity.SubjectID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ============================================================
// Health handlers
// ============================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "orchestration-core",
		"agents":  s.registry.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{}
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		checks = s.readiness(ctx)
	}

	ready := true
	for _, ok := range checks {
		if !ok {
			ready = false
		}
	}
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}
