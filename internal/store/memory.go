package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Memory is a thread-safe in-memory Store.
type Memory struct {
	mu        sync.RWMutex
	endpoints map[string]*types.Endpoint
	checks    map[string][]*types.Check // per endpoint, ascending by Timestamp
	anomalies map[string][]*types.Anomaly
	regs      map[string]*types.Regression
	alerts    map[string]*types.PredictiveAlert
	deps      map[string]*types.DependencyRecord

	retention time.Duration
	now       func() time.Time // injectable for deterministic tests
}

// NewMemory creates a Memory store that keeps checks for retention.
func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = DefaultCheckRetention
	}
	return &Memory{
		endpoints: make(map[string]*types.Endpoint),
		checks:    make(map[string][]*types.Check),
		anomalies: make(map[string][]*types.Anomaly),
		regs:      make(map[string]*types.Regression),
		alerts:    make(map[string]*types.PredictiveAlert),
		deps:      make(map[string]*types.DependencyRecord),
		retention: retention,
		now:       time.Now,
	}
}

// --- endpoints --------------------------------------------------------------

func (m *Memory) SaveEndpoint(_ context.Context, ep *types.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ep
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	m.endpoints[ep.ID] = &cp
	return nil
}

func (m *Memory) SyncEndpoint(_ context.Context, ep *types.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ep
	if cur, ok := m.endpoints[ep.ID]; ok {
		cp.CopyRuntime(cur)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	m.endpoints[ep.ID] = &cp
	return nil
}

func (m *Memory) RecordProbe(_ context.Context, c *types.Check) (*types.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.endpoints[c.EndpointID]
	if !ok {
		return nil, ErrNotFound
	}
	m.addCheckLocked(c)
	ep := *cur
	ep.ApplyCheck(c)
	m.endpoints[ep.ID] = &ep
	out := ep
	return &out, nil
}

func (m *Memory) GetEndpoint(_ context.Context, id string) (*types.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (m *Memory) ListEndpoints(_ context.Context) ([]*types.Endpoint, error) {
	return m.filterEndpoints(func(*types.Endpoint) bool { return true }), nil
}

func (m *Memory) ListActiveEndpoints(_ context.Context) ([]*types.Endpoint, error) {
	return m.filterEndpoints(func(ep *types.Endpoint) bool { return ep.IsActive }), nil
}

func (m *Memory) ListUserEndpoints(_ context.Context, userID string) ([]*types.Endpoint, error) {
	return m.filterEndpoints(func(ep *types.Endpoint) bool { return ep.UserID == userID }), nil
}

func (m *Memory) filterEndpoints(keep func(*types.Endpoint) bool) []*types.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		if keep(ep) {
			cp := *ep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- checks -----------------------------------------------------------------

func (m *Memory) AddCheck(_ context.Context, c *types.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCheckLocked(c)
	return nil
}

func (m *Memory) addCheckLocked(c *types.Check) {
	cp := *c
	list := append(m.checks[c.EndpointID], &cp)
	// Keep ascending order; checks almost always arrive in order.
	for i := len(list) - 1; i > 0 && list[i].Timestamp.Before(list[i-1].Timestamp); i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	m.checks[c.EndpointID] = list
}

func (m *Memory) RecentChecks(_ context.Context, endpointID string, limit int) ([]*types.Check, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.checks[endpointID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*types.Check, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ChecksInRange(_ context.Context, endpointID string, from, to time.Time) ([]*types.Check, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Check
	for _, c := range m.checks[endpointID] {
		if c.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !c.Timestamp.Before(to) {
			break
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) FailedChecksSince(_ context.Context, endpointIDs []string, since time.Time) ([]*types.Check, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Check
	for _, id := range endpointIDs {
		for _, c := range m.checks[id] {
			if !c.Success && !c.Timestamp.Before(since) {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- anomalies --------------------------------------------------------------

func (m *Memory) SaveAnomaly(_ context.Context, a *types.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.anomalies[a.EndpointID] = append(m.anomalies[a.EndpointID], &cp)
	return nil
}

func (m *Memory) ListAnomalies(_ context.Context, endpointID string, limit int) ([]*types.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.anomalies[endpointID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*types.Anomaly, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

// --- regressions ------------------------------------------------------------

func (m *Memory) SaveRegression(_ context.Context, r *types.Regression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.regs[r.ID] = &cp
	return nil
}

func (m *Memory) OpenRegressionSince(_ context.Context, endpointID string, since time.Time) (*types.Regression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *types.Regression
	for _, r := range m.regs {
		if r.EndpointID != endpointID || !r.Status.Open() || r.DetectedAt.Before(since) {
			continue
		}
		if best == nil || r.DetectedAt.After(best.DetectedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ListRegressions(_ context.Context, endpointID string) ([]*types.Regression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Regression
	for _, r := range m.regs {
		if r.EndpointID == endpointID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

// --- predictive alerts ------------------------------------------------------

func (m *Memory) SavePredictiveAlert(_ context.Context, a *types.PredictiveAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (m *Memory) ActivePredictiveAlert(_ context.Context, endpointID string, since time.Time) (*types.PredictiveAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *types.PredictiveAlert
	for _, a := range m.alerts {
		if a.EndpointID != endpointID || a.Status != types.AlertActive || a.DetectedAt.Before(since) {
			continue
		}
		if best == nil || a.DetectedAt.After(best.DetectedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneAlert(best), nil
}

func (m *Memory) ListPredictiveAlerts(_ context.Context, endpointID string) ([]*types.PredictiveAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.PredictiveAlert
	for _, a := range m.alerts {
		if a.EndpointID == endpointID {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

// --- dependencies -----------------------------------------------------------

func (m *Memory) SaveDependency(_ context.Context, rec *types.DependencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[rec.EndpointID] = cloneDependency(rec)
	return nil
}

func (m *Memory) SaveDependencies(_ context.Context, recs ...*types.DependencyRecord) error {
	for _, rec := range recs {
		if rec == nil || rec.EndpointID == "" {
			return fmt.Errorf("%w: dependency without endpoint id", ErrInvalidRecord)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.deps[rec.EndpointID] = cloneDependency(rec)
	}
	return nil
}

func (m *Memory) GetDependency(_ context.Context, endpointID string) (*types.DependencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deps[endpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDependency(rec), nil
}

func (m *Memory) ListDependencies(_ context.Context, userID string) ([]*types.DependencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.DependencyRecord
	for _, rec := range m.deps {
		if rec.UserID == userID {
			out = append(out, cloneDependency(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

// --- retention --------------------------------------------------------------

// Expire deletes checks older than the retention window and marks active
// predictive alerts whose ExpiresAt has passed as expired.
func (m *Memory) Expire(_ context.Context, now time.Time) (Expired, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n Expired
	cutoff := now.Add(-m.retention)
	for id, list := range m.checks {
		i := 0
		for i < len(list) && list[i].Timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			n.Checks += i
			m.checks[id] = append([]*types.Check(nil), list[i:]...)
		}
	}
	for _, a := range m.alerts {
		if a.Status == types.AlertActive && !a.ExpiresAt.After(now) {
			a.Status = types.AlertExpired
			a.UpdatedAt = now
			n.Alerts++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func cloneAlert(a *types.PredictiveAlert) *types.PredictiveAlert {
	cp := *a
	cp.Signals = append([]types.WarningSignal(nil), a.Signals...)
	cp.RecommendedActions = append([]string(nil), a.RecommendedActions...)
	return &cp
}

func cloneDependency(rec *types.DependencyRecord) *types.DependencyRecord {
	cp := *rec
	cp.DependsOn = append([]types.DependsOnEdge(nil), rec.DependsOn...)
	cp.Dependents = append([]types.DependentEdge(nil), rec.Dependents...)
	return &cp
}
