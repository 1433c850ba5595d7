package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsewatch/pulsewatch/internal/dependency"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/scheduler"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	maxBodyBytes = 64 << 10
)

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	RunCycle(ctx context.Context) scheduler.CycleReport
	CheckOnce(ctx context.Context, endpointID string) (*scheduler.Outcome, error)
	Status() scheduler.Status
}

// Dependencies is the dependency graph service.
type Dependencies interface {
	AddDependency(ctx context.Context, source, target string, rel types.Relationship, required bool) error
	RemoveDependency(ctx context.Context, source, target string) error
	Graph(ctx context.Context, userID string) (*dependency.Graph, error)
	Impact(ctx context.Context, endpointID string) (*dependency.ImpactReport, error)
	DetectDependencies(ctx context.Context, userID string) ([]dependency.Candidate, error)
}

// Store is the read side of persistence the API exposes.
type Store interface {
	GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*types.Endpoint, error)
	ListUserEndpoints(ctx context.Context, userID string) ([]*types.Endpoint, error)
	RecentChecks(ctx context.Context, endpointID string, limit int) ([]*types.Check, error)
	ListAnomalies(ctx context.Context, endpointID string, limit int) ([]*types.Anomaly, error)
	ListRegressions(ctx context.Context, endpointID string) ([]*types.Regression, error)
	ListPredictiveAlerts(ctx context.Context, endpointID string) ([]*types.PredictiveAlert, error)
}

// Deps are the handler's collaborators. Gatherer may be nil.
type Deps struct {
	Store        Store
	Scheduler    Scheduler
	Dependencies Dependencies
	Gatherer     prometheus.Gatherer
}

// Handler serves /api/v1/*.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time
}

// New creates a Handler and registers all routes.
func New(deps Deps) http.Handler {
	h := &Handler{deps: deps, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("GET /api/v1/health", h.health)
	h.mux.HandleFunc("GET /api/v1/status", h.status)
	h.mux.HandleFunc("POST /api/v1/cycle", h.runCycle)

	h.mux.HandleFunc("GET /api/v1/endpoints", h.listEndpoints)
	h.mux.HandleFunc("GET /api/v1/endpoints/{id}", h.getEndpoint)
	h.mux.HandleFunc("POST /api/v1/endpoints/{id}/check", h.checkOnce)
	h.mux.HandleFunc("GET /api/v1/endpoints/{id}/checks", h.checks)
	h.mux.HandleFunc("GET /api/v1/endpoints/{id}/anomalies", h.anomalies)
	h.mux.HandleFunc("GET /api/v1/endpoints/{id}/regressions", h.regressions)
	h.mux.HandleFunc("GET /api/v1/endpoints/{id}/alerts", h.alerts)
	h.mux.HandleFunc("GET /api/v1/endpoints/{id}/impact", h.impact)

	h.mux.HandleFunc("GET /api/v1/users/{user}/dependencies", h.graph)
	h.mux.HandleFunc("GET /api/v1/users/{user}/dependencies/detect", h.detect)
	h.mux.HandleFunc("POST /api/v1/dependencies", h.addDependency)
	h.mux.HandleFunc("DELETE /api/v1/dependencies", h.removeDependency)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- scheduler --------------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Scheduler: h.deps.Scheduler.Status()}
	if h.deps.Gatherer != nil {
		totals, err := metrics.Totals(h.deps.Gatherer)
		if err != nil {
			slog.Warn("api: gather metrics", "err", err)
		}
		resp.Counters = totals
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) runCycle(w http.ResponseWriter, r *http.Request) {
	rep := h.deps.Scheduler.RunCycle(r.Context())
	code := http.StatusOK
	if rep.Skipped {
		code = http.StatusConflict
	}
	jsonResp(w, code, rep)
}

// --- endpoints --------------------------------------------------------------

func (h *Handler) listEndpoints(w http.ResponseWriter, r *http.Request) {
	var (
		eps []*types.Endpoint
		err error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		eps, err = h.deps.Store.ListUserEndpoints(r.Context(), user)
	} else {
		eps, err = h.deps.Store.ListEndpoints(r.Context())
	}
	if err != nil {
		h.fail(w, "list endpoints", err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(eps))
}

func (h *Handler) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := h.deps.Store.GetEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "get endpoint", err)
		return
	}
	jsonResp(w, http.StatusOK, ep)
}

func (h *Handler) checkOnce(w http.ResponseWriter, r *http.Request) {
	out, err := h.deps.Scheduler.CheckOnce(r.Context(), r.PathValue("id"))
	if err != nil && out == nil {
		h.fail(w, "check endpoint", err)
		return
	}
	if err != nil {
		// The probe ran but its check could not be stored.
		slog.Warn("api: check persisted with error", "endpoint", r.PathValue("id"), "err", err)
	}
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) checks(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Store.RecentChecks(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, "list checks", err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(list))
}

func (h *Handler) anomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Store.ListAnomalies(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, "list anomalies", err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(list))
}

func (h *Handler) regressions(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Store.ListRegressions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "list regressions", err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(list))
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Store.ListPredictiveAlerts(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "list alerts", err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(list))
}

// --- dependencies -----------------------------------------------------------

func (h *Handler) impact(w http.ResponseWriter, r *http.Request) {
	rep, err := h.deps.Dependencies.Impact(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "impact", err)
		return
	}
	jsonResp(w, http.StatusOK, rep)
}

func (h *Handler) graph(w http.ResponseWriter, r *http.Request) {
	g, err := h.deps.Dependencies.Graph(r.Context(), r.PathValue("user"))
	if err != nil {
		h.fail(w, "dependency graph", err)
		return
	}
	jsonResp(w, http.StatusOK, g)
}

func (h *Handler) detect(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Dependencies.DetectDependencies(r.Context(), r.PathValue("user"))
	if err != nil {
		h.fail(w, "detect dependencies", err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(list))
}

func (h *Handler) addDependency(w http.ResponseWriter, r *http.Request) {
	var req DependencyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Source == "" || req.Target == "" {
		jsonErr(w, http.StatusBadRequest, "source and target are required")
		return
	}
	err := h.deps.Dependencies.AddDependency(r.Context(), req.Source, req.Target, req.Relationship, req.IsRequired)
	if err != nil {
		h.fail(w, "add dependency", err)
		return
	}
	jsonResp(w, http.StatusCreated, req)
}

func (h *Handler) removeDependency(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, target := q.Get("source"), q.Get("target")
	if source == "" || target == "" {
		jsonErr(w, http.StatusBadRequest, "source and target query parameters are required")
		return
	}
	if err := h.deps.Dependencies.RemoveDependency(r.Context(), source, target); err != nil {
		h.fail(w, "remove dependency", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ----------------------------------------------------------------

// fail maps domain errors to status codes. Unexpected errors are logged and
// reported without detail.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, scheduler.ErrEndpointNotFound),
		errors.Is(err, dependency.ErrUnknownEndpoint),
		errors.Is(err, dependency.ErrNoSuchDependency):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dependency.ErrSelfDependency),
		errors.Is(err, dependency.ErrInvalidRelationship),
		errors.Is(err, dependency.ErrCrossUser):
		jsonErr(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("api: "+op, "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxLimit {
		jsonErr(w, http.StatusBadRequest, "limit must be an integer in [1, 1000]")
		return 0, false
	}
	return n, true
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
