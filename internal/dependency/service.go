package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

var (
	ErrSelfDependency      = errors.New("dependency: an endpoint cannot depend on itself")
	ErrUnknownEndpoint     = errors.New("dependency: unknown endpoint")
	ErrCrossUser           = errors.New("dependency: endpoints belong to different users")
	ErrInvalidRelationship = errors.New("dependency: invalid relationship")
	ErrNoSuchDependency    = errors.New("dependency: no such dependency")
)

// Store is the persistence the service needs.
type Store interface {
	GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error)
	ListUserEndpoints(ctx context.Context, userID string) ([]*types.Endpoint, error)
	FailedChecksSince(ctx context.Context, endpointIDs []string, since time.Time) ([]*types.Check, error)
	SaveDependency(ctx context.Context, rec *types.DependencyRecord) error
	SaveDependencies(ctx context.Context, recs ...*types.DependencyRecord) error
	GetDependency(ctx context.Context, endpointID string) (*types.DependencyRecord, error)
	ListDependencies(ctx context.Context, userID string) ([]*types.DependencyRecord, error)
}

// Service mutates and queries dependency graphs. Mutations are serialised and
// both halves of an edge are persisted in a single SaveDependencies call.
type Service struct {
	store Store
	mu    sync.Mutex
	now   func() time.Time
}

// New creates a Service backed by st.
func New(st Store) *Service {
	return &Service{store: st, now: time.Now}
}

// --- mutations --------------------------------------------------------------

// AddDependency declares that source depends on target. Declaring an existing
// edge again updates its relationship and required flag. An empty rel means
// RelCalls.
func (s *Service) AddDependency(ctx context.Context, source, target string, rel types.Relationship, required bool) error {
	if source == target {
		return ErrSelfDependency
	}
	if rel == "" {
		rel = types.RelCalls
	}
	if !rel.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRelationship, rel)
	}
	src, dst, err := s.endpoints(ctx, source, target)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.addLocked(ctx, src, dst, rel, required)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	slog.Info("dependency: added", "source", source, "target", target, "relationship", rel)
	s.recompute(ctx, src.UserID)
	return nil
}

func (s *Service) addLocked(ctx context.Context, src, dst *types.Endpoint, rel types.Relationship, required bool) error {
	srcRec, err := s.record(ctx, src)
	if err != nil {
		return err
	}
	dstRec, err := s.record(ctx, dst)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	out := types.DependsOnEdge{EndpointID: dst.ID, Relationship: rel, IsRequired: required}
	if i := indexDependsOn(srcRec.DependsOn, dst.ID); i >= 0 {
		srcRec.DependsOn[i] = out
	} else {
		srcRec.DependsOn = append(srcRec.DependsOn, out)
	}
	in := types.DependentEdge{EndpointID: src.ID, Relationship: rel}
	if i := indexDependents(dstRec.Dependents, src.ID); i >= 0 {
		dstRec.Dependents[i] = in
	} else {
		dstRec.Dependents = append(dstRec.Dependents, in)
	}
	srcRec.UpdatedAt, dstRec.UpdatedAt = now, now

	if err := s.store.SaveDependencies(ctx, srcRec, dstRec); err != nil {
		return fmt.Errorf("dependency: save %s -> %s: %w", src.ID, dst.ID, err)
	}
	return nil
}

// RemoveDependency deletes the edge source -> target from both records.
func (s *Service) RemoveDependency(ctx context.Context, source, target string) error {
	src, dst, err := s.endpoints(ctx, source, target)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.removeLocked(ctx, src, dst)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	slog.Info("dependency: removed", "source", source, "target", target)
	s.recompute(ctx, src.UserID)
	return nil
}

func (s *Service) removeLocked(ctx context.Context, src, dst *types.Endpoint) error {
	srcRec, err := s.record(ctx, src)
	if err != nil {
		return err
	}
	dstRec, err := s.record(ctx, dst)
	if err != nil {
		return err
	}

	i := indexDependsOn(srcRec.DependsOn, dst.ID)
	j := indexDependents(dstRec.Dependents, src.ID)
	if i < 0 && j < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrNoSuchDependency, src.ID, dst.ID)
	}
	now := s.now().UTC()
	if i >= 0 {
		srcRec.DependsOn = append(srcRec.DependsOn[:i], srcRec.DependsOn[i+1:]...)
	}
	if j >= 0 {
		dstRec.Dependents = append(dstRec.Dependents[:j], dstRec.Dependents[j+1:]...)
	}
	srcRec.UpdatedAt, dstRec.UpdatedAt = now, now

	if err := s.store.SaveDependencies(ctx, srcRec, dstRec); err != nil {
		return fmt.Errorf("dependency: save %s -> %s: %w", src.ID, dst.ID, err)
	}
	return nil
}

// recompute refreshes critical paths after a mutation. The mutation has
// already succeeded, so failures are only logged.
func (s *Service) recompute(ctx context.Context, userID string) {
	if err := s.RecomputeCriticalPaths(ctx, userID); err != nil {
		slog.Warn("dependency: critical path recompute failed", "user", userID, "err", err)
	}
}

// RecomputeCriticalPaths rescores every node in userID's graph and saves the
// records whose score changed.
func (s *Service) RecomputeCriticalPaths(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.store.ListDependencies(ctx, userID)
	if err != nil {
		return fmt.Errorf("dependency: list for %s: %w", userID, err)
	}
	g := buildGraph(records)
	now := s.now().UTC()

	var errs []error
	for _, rec := range records {
		cp := criticalPath(g.reachable(rec.EndpointID), len(rec.Dependents))
		if cp == rec.CriticalPath {
			continue
		}
		rec.CriticalPath = cp
		rec.UpdatedAt = now
		if err := s.store.SaveDependency(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("dependency: save %s: %w", rec.EndpointID, err))
		}
	}
	return errors.Join(errs...)
}

// --- queries ----------------------------------------------------------------

// Node is one endpoint in a rendered graph.
type Node struct {
	EndpointID   string             `json:"endpointId"`
	Name         string             `json:"name"`
	URL          string             `json:"url"`
	CriticalPath types.CriticalPath `json:"criticalPath"`
}

// Edge is a declared dependency: Source depends on Target.
type Edge struct {
	Source       string             `json:"source"`
	Target       string             `json:"target"`
	Relationship types.Relationship `json:"relationship"`
	IsRequired   bool               `json:"isRequired"`
}

// Graph is a user's full dependency graph.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Graph returns all of userID's endpoints and their declared edges. Nodes are
// sorted by endpoint ID; edges by source then target.
func (s *Service) Graph(ctx context.Context, userID string) (*Graph, error) {
	endpoints, err := s.store.ListUserEndpoints(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dependency: list endpoints for %s: %w", userID, err)
	}
	records, err := s.store.ListDependencies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dependency: list for %s: %w", userID, err)
	}
	byID := make(map[string]*types.DependencyRecord, len(records))
	for _, r := range records {
		byID[r.EndpointID] = r
	}

	out := &Graph{Nodes: make([]Node, 0, len(endpoints)), Edges: []Edge{}}
	for _, ep := range endpoints {
		n := Node{EndpointID: ep.ID, Name: ep.Name, URL: ep.URL}
		if r, ok := byID[ep.ID]; ok {
			n.CriticalPath = r.CriticalPath
			for _, d := range r.DependsOn {
				out.Edges = append(out.Edges, Edge{Source: ep.ID, Target: d.EndpointID, Relationship: d.Relationship, IsRequired: d.IsRequired})
			}
		}
		out.Nodes = append(out.Nodes, n)
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].EndpointID < out.Nodes[j].EndpointID })
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].Source != out.Edges[j].Source {
			return out.Edges[i].Source < out.Edges[j].Source
		}
		return out.Edges[i].Target < out.Edges[j].Target
	})
	return out, nil
}

// Affected is an endpoint reached by an impact walk.
type Affected struct {
	EndpointID string `json:"endpointId"`
	Name       string `json:"name"`
	Level      int    `json:"level"`
}

// ImpactReport lists what breaks if an endpoint fails.
type ImpactReport struct {
	EndpointID    string     `json:"endpointId"`
	Direct        []Affected `json:"directImpact"`
	Cascade       []Affected `json:"cascadeImpact"`
	TotalAffected int        `json:"totalAffected"`
}

// Impact walks dependents of endpointID breadth-first. Direct dependents are
// level 1; everything further is cascade impact.
func (s *Service) Impact(ctx context.Context, endpointID string) (*ImpactReport, error) {
	ep, err := s.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
		}
		return nil, fmt.Errorf("dependency: get %s: %w", endpointID, err)
	}
	records, err := s.store.ListDependencies(ctx, ep.UserID)
	if err != nil {
		return nil, fmt.Errorf("dependency: list for %s: %w", ep.UserID, err)
	}
	names, err := s.names(ctx, ep.UserID)
	if err != nil {
		return nil, err
	}

	g := buildGraph(records)
	rep := &ImpactReport{EndpointID: endpointID, Direct: []Affected{}, Cascade: []Affected{}}
	for _, l := range g.levels(endpointID) {
		id := g.ids[l.node]
		a := Affected{EndpointID: id, Name: names[id], Level: l.level}
		if l.level == 1 {
			rep.Direct = append(rep.Direct, a)
		} else {
			rep.Cascade = append(rep.Cascade, a)
		}
	}
	rep.TotalAffected = len(rep.Direct) + len(rep.Cascade)
	return rep, nil
}

// --- helpers ----------------------------------------------------------------

func (s *Service) endpoints(ctx context.Context, source, target string) (*types.Endpoint, *types.Endpoint, error) {
	src, err := s.endpoint(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	dst, err := s.endpoint(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	if src.UserID != dst.UserID {
		return nil, nil, ErrCrossUser
	}
	return src, dst, nil
}

func (s *Service) endpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	case err != nil:
		return nil, fmt.Errorf("dependency: get %s: %w", id, err)
	}
	return ep, nil
}

// record loads ep's dependency record, or starts an empty one.
func (s *Service) record(ctx context.Context, ep *types.Endpoint) (*types.DependencyRecord, error) {
	rec, err := s.store.GetDependency(ctx, ep.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &types.DependencyRecord{EndpointID: ep.ID, UserID: ep.UserID}, nil
	case err != nil:
		return nil, fmt.Errorf("dependency: get record %s: %w", ep.ID, err)
	}
	return rec, nil
}

func (s *Service) names(ctx context.Context, userID string) (map[string]string, error) {
	eps, err := s.store.ListUserEndpoints(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dependency: list endpoints for %s: %w", userID, err)
	}
	out := make(map[string]string, len(eps))
	for _, ep := range eps {
		out[ep.ID] = ep.Name
	}
	return out, nil
}

func indexDependsOn(edges []types.DependsOnEdge, id string) int {
	for i, e := range edges {
		if e.EndpointID == id {
			return i
		}
	}
	return -1
}

func indexDependents(edges []types.DependentEdge, id string) int {
	for i, e := range edges {
		if e.EndpointID == id {
			return i
		}
	}
	return -1
}
