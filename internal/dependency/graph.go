package dependency

import (
	"sort"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// graph is an arena of nodes addressed by index. dependents[i] lists the
// nodes that depend on node i.
type graph struct {
	ids        []string
	index      map[string]int
	dependents [][]int
}

func buildGraph(records []*types.DependencyRecord) *graph {
	g := &graph{index: make(map[string]int, len(records))}
	node := func(id string) int {
		if i, ok := g.index[id]; ok {
			return i
		}
		i := len(g.ids)
		g.ids = append(g.ids, id)
		g.index[id] = i
		g.dependents = append(g.dependents, nil)
		return i
	}

	sorted := make([]*types.DependencyRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EndpointID < sorted[j].EndpointID })

	for _, rec := range sorted {
		i := node(rec.EndpointID)
		for _, d := range rec.Dependents {
			j := node(d.EndpointID)
			if j != i {
				g.dependents[i] = append(g.dependents[i], j)
			}
		}
	}
	return g
}

// reachable counts distinct nodes reachable from id over dependents edges,
// excluding id itself.
func (g *graph) reachable(id string) int {
	start, ok := g.index[id]
	if !ok {
		return 0
	}
	visited := make([]bool, len(g.ids))
	visited[start] = true
	stack := []int{start}
	count := 0
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.dependents[n] {
			if visited[d] {
				continue
			}
			visited[d] = true
			count++
			stack = append(stack, d)
		}
	}
	return count
}

// levels walks dependents breadth-first from id. Direct dependents are
// level 1. The start node is never included.
func (g *graph) levels(id string) []leveled {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.ids))
	visited[start] = true
	queue := []leveled{{node: start}}
	var out []leveled
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[cur.node] {
			if visited[d] {
				continue
			}
			visited[d] = true
			next := leveled{node: d, level: cur.level + 1}
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}

type leveled struct {
	node  int
	level int
}

// criticalPath scores a node from its reach and direct dependents.
func criticalPath(affected, dependents int) types.CriticalPath {
	return types.CriticalPath{
		IsCritical:       affected >= 2 || dependents >= 3,
		ImpactScore:      min(affected*20+dependents*10, 100),
		AffectedServices: affected,
	}
}
