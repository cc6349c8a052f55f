// Package graph keeps the dependency edges between tasks as an id-keyed edge set.
//
// Graph is the pure structure: no locking, no storage, no clocks. Store wraps it with
// serialization and persistence hooks.
package graph

import (
	"iter"
	"slices"
	"sort"

	"taskgraph/internal/domain"
)

type edgeKey struct {
	from string
	to   string
	typ  domain.DependencyType
}

// Graph is a directed multigraph over task ids. At most one edge per (from, to, type).
type Graph struct {
	edges map[edgeKey]domain.DependencyEdge
	out   map[string]map[string]int
	in    map[string]map[string]int
}

func New() *Graph {
	return &Graph{
		edges: map[edgeKey]domain.DependencyEdge{},
		out:   map[string]map[string]int{},
		in:    map[string]map[string]int{},
	}
}

// AddEdge inserts e, or refreshes its delay if the typed edge already exists. It does not
// check for cycles; callers use DetectCycle first.
func (g *Graph) AddEdge(e domain.DependencyEdge) {
	k := edgeKey{e.From, e.To, e.Type}
	if _, ok := g.edges[k]; ok {
		g.edges[k] = e
		return
	}
	g.edges[k] = e
	if g.out[e.From] == nil {
		g.out[e.From] = map[string]int{}
	}
	if g.in[e.To] == nil {
		g.in[e.To] = map[string]int{}
	}
	g.out[e.From][e.To]++
	g.in[e.To][e.From]++
}

// RemoveEdge drops every typed edge between from and to and reports how many were removed.
func (g *Graph) RemoveEdge(from, to string) int {
	removed := 0
	for k := range g.edges {
		if k.from == from && k.to == to {
			delete(g.edges, k)
			removed++
		}
	}
	if removed > 0 {
		delete(g.out[from], to)
		delete(g.in[to], from)
		if len(g.out[from]) == 0 {
			delete(g.out, from)
		}
		if len(g.in[to]) == 0 {
			delete(g.in, to)
		}
	}
	return removed
}

// RemoveNode drops every edge incident to id.
func (g *Graph) RemoveNode(id string) {
	for to := range g.out[id] {
		g.RemoveEdge(id, to)
	}
	for from := range g.in[id] {
		g.RemoveEdge(from, id)
	}
}

// HasEdge reports whether any typed edge from -> to exists.
func (g *Graph) HasEdge(from, to string) bool {
	return g.out[from][to] > 0
}

func (g *Graph) Len() int { return len(g.edges) }

// Predecessors yields the tasks id depends on, in id order.
func (g *Graph) Predecessors(id string) iter.Seq[string] {
	return sortedKeys(g.in[id])
}

// Successors yields the tasks that depend on id, in id order.
func (g *Graph) Successors(id string) iter.Seq[string] {
	return sortedKeys(g.out[id])
}

// EdgesTo returns the typed edges constraining id.
func (g *Graph) EdgesTo(id string) []domain.DependencyEdge {
	var res []domain.DependencyEdge
	for from := range g.in[id] {
		res = append(res, g.typed(from, id)...)
	}
	sortEdges(res)
	return res
}

// EdgesFrom returns the typed edges id constrains.
func (g *Graph) EdgesFrom(id string) []domain.DependencyEdge {
	var res []domain.DependencyEdge
	for to := range g.out[id] {
		res = append(res, g.typed(id, to)...)
	}
	sortEdges(res)
	return res
}

func (g *Graph) typed(from, to string) []domain.DependencyEdge {
	var res []domain.DependencyEdge
	for _, typ := range []domain.DependencyType{domain.FinishToStart, domain.StartToStart, domain.FinishToFinish, domain.StartToFinish} {
		if e, ok := g.edges[edgeKey{from, to, typ}]; ok {
			res = append(res, e)
		}
	}
	return res
}

// DetectCycle reports whether adding from -> to would close a cycle. When it would, the
// returned path runs from `to` through existing edges back to `from`.
// The search visits each node at most once, so it is bounded by the edge count.
func (g *Graph) DetectCycle(from, to string) ([]string, bool) {
	if from == to {
		return []string{from}, true
	}
	parent := map[string]string{to: ""}
	stack := []string{to}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == from {
			var path []string
			for cur := n; cur != ""; cur = parent[cur] {
				path = append(path, cur)
			}
			slices.Reverse(path)
			return path, true
		}
		for next := range g.Successors(n) {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = n
			stack = append(stack, next)
		}
	}
	return nil, false
}

// TopologicalOrder orders ids so every edge among them points forward. Ties break by id.
func (g *Graph) TopologicalOrder(ids []string) ([]string, error) {
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	indeg := make(map[string]int, len(members))
	for id := range members {
		indeg[id] = 0
	}
	for id := range members {
		for succ := range g.out[id] {
			if members[succ] {
				indeg[succ]++
			}
		}
	}
	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	order := make([]string, 0, len(members))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for succ := range g.Successors(n) {
			if !members[succ] {
				continue
			}
			indeg[succ]--
			if indeg[succ] == 0 {
				i := sort.SearchStrings(ready, succ)
				ready = slices.Insert(ready, i, succ)
			}
		}
	}
	if len(order) < len(members) {
		var rest []string
		for id, d := range indeg {
			if d > 0 {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		return nil, domain.CircularDependencyError{From: rest[0], To: rest[len(rest)-1]}
	}
	return order, nil
}

// Verify rejects e when it would close a cycle over edges. Callers pass the edge set read
// inside the transaction that is about to persist e.
func Verify(edges []domain.DependencyEdge, e domain.DependencyEdge) error {
	g := New()
	for _, x := range edges {
		g.AddEdge(x)
	}
	if path, cyclic := g.DetectCycle(e.From, e.To); cyclic {
		return domain.CircularDependencyError{From: e.From, To: e.To, Path: path}
	}
	return nil
}

func sortedKeys(m map[string]int) iter.Seq[string] {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return slices.Values(keys)
}

func sortEdges(es []domain.DependencyEdge) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].From != es[j].From {
			return es[i].From < es[j].From
		}
		if es[i].To != es[j].To {
			return es[i].To < es[j].To
		}
		return es[i].Type < es[j].Type
	})
}
