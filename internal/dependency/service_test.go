package dependency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, ids ...string) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory(30 * 24 * time.Hour)
	for _, id := range ids {
		require.NoError(t, st.SaveEndpoint(context.Background(), &types.Endpoint{ID: id, UserID: "u1", Name: id + "-api", IsActive: true}))
	}
	s := New(st)
	s.now = func() time.Time { return base }
	return s, st
}

// topology: gateway -> auth, orders -> auth, checkout -> orders, auth -> db.
func seedTopology(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AddDependency(ctx, "gateway", "auth", types.RelAuthDepends, true))
	require.NoError(t, s.AddDependency(ctx, "orders", "auth", types.RelAuthDepends, true))
	require.NoError(t, s.AddDependency(ctx, "checkout", "orders", types.RelCalls, true))
	require.NoError(t, s.AddDependency(ctx, "auth", "db", types.RelDataDepends, true))
}

func TestAddDependency_MirrorsEdges(t *testing.T) {
	s, st := newService(t, "a", "b")
	ctx := context.Background()
	require.NoError(t, s.AddDependency(ctx, "a", "b", "", false))

	a, err := st.GetDependency(ctx, "a")
	require.NoError(t, err)
	require.Len(t, a.DependsOn, 1)
	assert.Equal(t, types.DependsOnEdge{EndpointID: "b", Relationship: types.RelCalls}, a.DependsOn[0])

	b, err := st.GetDependency(ctx, "b")
	require.NoError(t, err)
	require.Len(t, b.Dependents, 1)
	assert.Equal(t, "a", b.Dependents[0].EndpointID)

	// Re-declaring updates rather than duplicates.
	require.NoError(t, s.AddDependency(ctx, "a", "b", types.RelSequential, true))
	a, _ = st.GetDependency(ctx, "a")
	b, _ = st.GetDependency(ctx, "b")
	require.Len(t, a.DependsOn, 1)
	require.Len(t, b.Dependents, 1)
	assert.Equal(t, types.RelSequential, a.DependsOn[0].Relationship)
	assert.True(t, a.DependsOn[0].IsRequired)
}

func TestAddDependency_Errors(t *testing.T) {
	s, st := newService(t, "a", "b")
	ctx := context.Background()
	require.NoError(t, st.SaveEndpoint(ctx, &types.Endpoint{ID: "foreign", UserID: "u2"}))

	assert.ErrorIs(t, s.AddDependency(ctx, "a", "a", types.RelCalls, false), ErrSelfDependency)
	assert.ErrorIs(t, s.AddDependency(ctx, "a", "missing", types.RelCalls, false), ErrUnknownEndpoint)
	assert.ErrorIs(t, s.AddDependency(ctx, "a", "foreign", types.RelCalls, false), ErrCrossUser)
	assert.ErrorIs(t, s.AddDependency(ctx, "a", "b", "owns", false), ErrInvalidRelationship)

	_, err := st.GetDependency(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected edges must not create records")
}

func TestRemoveDependency(t *testing.T) {
	s, st := newService(t, "gateway", "auth", "orders", "checkout", "db")
	seedTopology(t, s)
	ctx := context.Background()

	require.NoError(t, s.RemoveDependency(ctx, "gateway", "auth"))
	gw, _ := st.GetDependency(ctx, "gateway")
	auth, _ := st.GetDependency(ctx, "auth")
	assert.Empty(t, gw.DependsOn)
	require.Len(t, auth.Dependents, 1)
	assert.Equal(t, "orders", auth.Dependents[0].EndpointID)
	assert.Equal(t, 2, auth.CriticalPath.AffectedServices, "recomputed after removal")

	assert.ErrorIs(t, s.RemoveDependency(ctx, "gateway", "auth"), ErrNoSuchDependency)
}

func TestRecomputeCriticalPaths(t *testing.T) {
	s, st := newService(t, "gateway", "auth", "orders", "checkout", "db")
	seedTopology(t, s)
	ctx := context.Background()

	want := map[string]types.CriticalPath{
		"db":       {IsCritical: true, ImpactScore: 90, AffectedServices: 4},
		"auth":     {IsCritical: true, ImpactScore: 80, AffectedServices: 3},
		"orders":   {IsCritical: false, ImpactScore: 30, AffectedServices: 1},
		"checkout": {},
		"gateway":  {},
	}
	for id, cp := range want {
		rec, err := st.GetDependency(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, cp, rec.CriticalPath, id)
	}
}

func TestRecomputeCriticalPaths_Cycle(t *testing.T) {
	s, st := newService(t, "a", "b", "c")
	ctx := context.Background()
	require.NoError(t, s.AddDependency(ctx, "a", "b", types.RelCalls, true))
	require.NoError(t, s.AddDependency(ctx, "b", "a", types.RelCalls, true))
	require.NoError(t, s.AddDependency(ctx, "c", "a", types.RelCalls, true))

	a, _ := st.GetDependency(ctx, "a")
	b, _ := st.GetDependency(ctx, "b")
	assert.Equal(t, 2, a.CriticalPath.AffectedServices)
	assert.Equal(t, 2, b.CriticalPath.AffectedServices)

	rep, err := s.Impact(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.TotalAffected)
}

func TestCriticalPath(t *testing.T) {
	assert.Equal(t, types.CriticalPath{IsCritical: true, ImpactScore: 60, AffectedServices: 0}, criticalPath(0, 6))
	assert.Equal(t, 100, criticalPath(5, 3).ImpactScore)
	assert.False(t, criticalPath(1, 2).IsCritical)
}

type failingList struct {
	store.Store
}

func (failingList) ListDependencies(context.Context, string) ([]*types.DependencyRecord, error) {
	return nil, errors.New("disk I/O error")
}

func TestAddDependency_RecomputeFailureIsNotFatal(t *testing.T) {
	_, st := newService(t, "a", "b")
	s := New(failingList{st})

	require.NoError(t, s.AddDependency(context.Background(), "a", "b", types.RelCalls, true))
	b, err := st.GetDependency(context.Background(), "b")
	require.NoError(t, err)
	assert.Len(t, b.Dependents, 1)
}

type failingSave struct {
	store.Store
}

func (failingSave) SaveDependencies(context.Context, ...*types.DependencyRecord) error {
	return errors.New("database is locked")
}

func TestAddDependency_SaveFailureLeavesNoHalfEdge(t *testing.T) {
	_, st := newService(t, "a", "b")
	s := New(failingSave{st})
	ctx := context.Background()

	err := s.AddDependency(ctx, "a", "b", types.RelCalls, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	_, err = st.GetDependency(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetDependency(ctx, "b")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveDependency_SaveFailureKeepsBothHalves(t *testing.T) {
	ok, st := newService(t, "a", "b")
	ctx := context.Background()
	require.NoError(t, ok.AddDependency(ctx, "a", "b", types.RelCalls, true))

	s := New(failingSave{st})
	require.Error(t, s.RemoveDependency(ctx, "a", "b"))

	a, err := st.GetDependency(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, a.DependsOn, 1)
	b, err := st.GetDependency(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, b.Dependents, 1)
}

func TestImpact(t *testing.T) {
	s, _ := newService(t, "gateway", "auth", "orders", "checkout", "db")
	seedTopology(t, s)

	rep, err := s.Impact(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, []Affected{{EndpointID: "auth", Name: "auth-api", Level: 1}}, rep.Direct)
	assert.Equal(t, 4, rep.TotalAffected)

	levels := map[string]int{}
	for _, a := range rep.Cascade {
		levels[a.EndpointID] = a.Level
	}
	assert.Equal(t, map[string]int{"gateway": 2, "orders": 2, "checkout": 3}, levels)

	leaf, err := s.Impact(context.Background(), "checkout")
	require.NoError(t, err)
	assert.Zero(t, leaf.TotalAffected)
	assert.Empty(t, leaf.Direct)

	_, err = s.Impact(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestGraph(t *testing.T) {
	s, _ := newService(t, "gateway", "auth", "orders", "checkout", "db")
	seedTopology(t, s)

	g, err := s.Graph(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, g.Nodes, 5)
	require.Len(t, g.Edges, 4)
	assert.Equal(t, "auth", g.Nodes[0].EndpointID)
	assert.Equal(t, Edge{Source: "auth", Target: "db", Relationship: types.RelDataDepends, IsRequired: true}, g.Edges[0])
	assert.Equal(t, "db", g.Nodes[2].EndpointID)
	assert.True(t, g.Nodes[2].CriticalPath.IsCritical)
	assert.False(t, g.Nodes[1].CriticalPath.IsCritical)
}

// --- correlation ------------------------------------------------------------

func failure(endpointID string, at time.Time) *types.Check {
	return &types.Check{
		ID:         fmt.Sprintf("%s-%d", endpointID, at.Unix()),
		EndpointID: endpointID,
		Timestamp:  at,
		ErrorType:  types.ErrorServer,
	}
}

func correlatedFailures() []*types.Check {
	at := func(h, m int) time.Time { return base.Add(-48*time.Hour + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	return []*types.Check{
		failure("a", at(0, 2)), failure("b", at(0, 0)),
		failure("a", at(1, 1)), failure("b", at(1, 0)),
		failure("a", at(2, 10)), failure("b", at(2, 0)),
		// Only the nearest preceding b failure counts.
		failure("b", at(3, 0)), failure("b", at(3, 3)), failure("a", at(3, 4)),
	}
}

func TestCorrelate(t *testing.T) {
	got := Correlate(correlatedFailures())
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, "a", c.Source)
	assert.Equal(t, "b", c.Target)
	assert.Equal(t, 3, c.Occurrences)
	assert.Equal(t, 80*time.Second, c.AvgLeadTime)
	assert.InDelta(t, 0.75, c.Confidence, 1e-9)
}

func TestCorrelate_SingleOccurrenceDropped(t *testing.T) {
	got := Correlate([]*types.Check{failure("a", base.Add(time.Minute)), failure("b", base)})
	assert.Empty(t, got)
}

func TestDetectDependencies(t *testing.T) {
	s, st := newService(t, "a", "b", "c")
	ctx := context.Background()
	for _, c := range correlatedFailures() {
		require.NoError(t, st.AddCheck(ctx, c))
	}
	// Outside the lookback.
	require.NoError(t, st.AddCheck(ctx, failure("a", base.Add(-8*24*time.Hour+time.Minute))))
	require.NoError(t, st.AddCheck(ctx, failure("b", base.Add(-8*24*time.Hour))))

	got, err := s.DetectDependencies(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Occurrences)
	assert.False(t, got[0].AlreadyDeclared)

	require.NoError(t, s.AddDependency(ctx, "a", "b", types.RelCalls, true))
	got, err = s.DetectDependencies(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].AlreadyDeclared)
}
