package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsewatch/pulsewatch/internal/api"
	"github.com/pulsewatch/pulsewatch/internal/dependency"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/scheduler"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// --- helpers ----------------------------------------------------------------

// okProber stores a successful 120ms check for every endpoint it is given.
type okProber struct{ st store.Store }

func (p okProber) Probe(ctx context.Context, ep *types.Endpoint) (*types.Check, error) {
	now := time.Now().UTC()
	c := &types.Check{ID: "chk-" + ep.ID, EndpointID: ep.ID, Timestamp: now, StatusCode: 200, ResponseTime: 120, Success: true}
	stored, err := p.st.RecordProbe(ctx, c)
	if err != nil {
		return c, err
	}
	ep.CopyRuntime(stored)
	return c, nil
}

func newServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory(time.Hour)
	ctx := context.Background()
	for _, ep := range []*types.Endpoint{
		{ID: "gw", UserID: "u1", Name: "gateway", URL: "https://gw.example.com", IsActive: true},
		{ID: "auth", UserID: "u1", Name: "auth", URL: "https://auth.example.com", IsActive: true},
		{ID: "other", UserID: "u2", Name: "billing", URL: "https://billing.example.com", IsActive: true},
	} {
		if err := st.SaveEndpoint(ctx, ep); err != nil {
			t.Fatalf("SaveEndpoint: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("metrics.Register: %v", err)
	}

	sched := scheduler.New(scheduler.Deps{Store: st, Prober: okProber{st: st}}, scheduler.Config{})
	h := api.New(api.Deps{
		Store:        st,
		Scheduler:    sched,
		Dependencies: dependency.New(st),
		Gatherer:     reg,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	return do(t, http.MethodGet, url, nil)
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, code int) {
	t.Helper()
	if resp.StatusCode != code {
		t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, code)
	}
}

// --- tests ------------------------------------------------------------------

func TestHealth(t *testing.T) {
	srv, _ := newServer(t)
	resp := get(t, srv.URL+"/api/v1/health")
	wantStatus(t, resp, http.StatusOK)

	var body api.HealthResponse
	decode(t, resp, &body)
	if body.Status != "ok" || body.Time == "" {
		t.Errorf("health: %+v", body)
	}
}

func TestListEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	var all []types.Endpoint
	decode(t, get(t, srv.URL+"/api/v1/endpoints"), &all)
	if len(all) != 3 {
		t.Errorf("all endpoints: got %d, want 3", len(all))
	}

	var mine []types.Endpoint
	decode(t, get(t, srv.URL+"/api/v1/endpoints?user=u1"), &mine)
	if len(mine) != 2 {
		t.Errorf("u1 endpoints: got %d, want 2", len(mine))
	}
}

func TestGetEndpoint_NotFound(t *testing.T) {
	srv, _ := newServer(t)
	resp := get(t, srv.URL+"/api/v1/endpoints/nope")
	wantStatus(t, resp, http.StatusNotFound)

	var body map[string]string
	decode(t, resp, &body)
	if body["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestCheckOnceAndHistory(t *testing.T) {
	srv, _ := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/endpoints/gw/check", nil)
	wantStatus(t, resp, http.StatusOK)
	var out scheduler.Outcome
	decode(t, resp, &out)
	if out.Check == nil || out.Check.EndpointID != "gw" || !out.Check.Success {
		t.Fatalf("outcome: %+v", out)
	}

	var checks []types.Check
	decode(t, get(t, srv.URL+"/api/v1/endpoints/gw/checks?limit=5"), &checks)
	if len(checks) != 1 || checks[0].ResponseTime != 120 {
		t.Errorf("checks: %+v", checks)
	}

	var anomalies []types.Anomaly
	decode(t, get(t, srv.URL+"/api/v1/endpoints/gw/anomalies"), &anomalies)
	if anomalies == nil || len(anomalies) != 0 {
		t.Errorf("anomalies: got %v, want empty list", anomalies)
	}

	wantStatus(t, do(t, http.MethodPost, srv.URL+"/api/v1/endpoints/nope/check", nil), http.StatusNotFound)
}

func TestChecks_BadLimit(t *testing.T) {
	srv, _ := newServer(t)
	for _, q := range []string{"0", "-1", "abc", "5000"} {
		resp := get(t, srv.URL+"/api/v1/endpoints/gw/checks?limit="+q)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s: status %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestRunCycleAndStatus(t *testing.T) {
	srv, _ := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/cycle", nil)
	wantStatus(t, resp, http.StatusOK)
	var rep scheduler.CycleReport
	decode(t, resp, &rep)
	if rep.Due != 3 || rep.Probed != 3 {
		t.Errorf("cycle: %+v", rep)
	}

	var st api.StatusResponse
	decode(t, get(t, srv.URL+"/api/v1/status"), &st)
	if st.Scheduler.CyclesRun != 1 || st.Scheduler.LastCycleProbed != 3 {
		t.Errorf("scheduler status: %+v", st.Scheduler)
	}
	if st.Counters == nil {
		t.Error("expected counter totals")
	}
}

func TestDependencies_Lifecycle(t *testing.T) {
	srv, _ := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/dependencies", api.DependencyRequest{
		Source: "gw", Target: "auth", Relationship: types.RelCalls, IsRequired: true,
	})
	wantStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	var g dependency.Graph
	decode(t, get(t, srv.URL+"/api/v1/users/u1/dependencies"), &g)
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("graph: %+v", g)
	}
	if g.Edges[0].Source != "gw" || g.Edges[0].Target != "auth" {
		t.Errorf("edge: %+v", g.Edges[0])
	}

	var rep dependency.ImpactReport
	decode(t, get(t, srv.URL+"/api/v1/endpoints/auth/impact"), &rep)
	if rep.TotalAffected != 1 || len(rep.Direct) != 1 || rep.Direct[0].EndpointID != "gw" {
		t.Errorf("impact: %+v", rep)
	}

	var cands []dependency.Candidate
	decode(t, get(t, srv.URL+"/api/v1/users/u1/dependencies/detect"), &cands)
	if cands == nil {
		t.Error("detect: want an empty list, got null")
	}

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/dependencies?source=gw&target=auth", nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/dependencies?source=gw&target=auth", nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAddDependency_Errors(t *testing.T) {
	srv, _ := newServer(t)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"self", api.DependencyRequest{Source: "gw", Target: "gw"}, http.StatusBadRequest},
		{"cross user", api.DependencyRequest{Source: "gw", Target: "other"}, http.StatusBadRequest},
		{"bad relationship", api.DependencyRequest{Source: "gw", Target: "auth", Relationship: "owns"}, http.StatusBadRequest},
		{"unknown target", api.DependencyRequest{Source: "gw", Target: "ghost"}, http.StatusNotFound},
		{"missing target", api.DependencyRequest{Source: "gw"}, http.StatusBadRequest},
		{"unknown field", map[string]string{"source": "gw", "target": "auth", "weight": "3"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+"/api/v1/dependencies", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newServer(t)
	resp := get(t, srv.URL+"/api/v1/cycle")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/v1/cycle: status %d, want 405", resp.StatusCode)
	}
}
