package graph

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"taskgraph/internal/domain"
)

func fs(from, to string) domain.DependencyEdge {
	return domain.DependencyEdge{From: from, To: to, Type: domain.FinishToStart}
}

func TestDetectCycleChain(t *testing.T) {
	g := New()
	g.AddEdge(fs("A", "B"))
	g.AddEdge(fs("B", "C"))
	path, ok := g.DetectCycle("C", "A")
	if !ok {
		t.Fatalf("expected C->A to close a cycle")
	}
	if !slices.Equal(path, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected path %v", path)
	}
	if _, ok := g.DetectCycle("A", "C"); ok {
		t.Fatalf("A->C is a shortcut, not a cycle")
	}
	if _, ok := g.DetectCycle("A", "A"); !ok {
		t.Fatalf("self edge must be reported as a cycle")
	}
}

func TestPredecessorsAndSuccessors(t *testing.T) {
	g := New()
	g.AddEdge(fs("A", "C"))
	g.AddEdge(fs("B", "C"))
	g.AddEdge(domain.DependencyEdge{From: "B", To: "C", Type: domain.StartToStart})
	g.AddEdge(fs("C", "D"))

	preds := slices.Collect(g.Predecessors("C"))
	if !slices.Equal(preds, []string{"A", "B"}) {
		t.Fatalf("predecessors = %v", preds)
	}
	succ := slices.Collect(g.Successors("C"))
	if !slices.Equal(succ, []string{"D"}) {
		t.Fatalf("successors = %v", succ)
	}
	if got := len(g.EdgesTo("C")); got != 3 {
		t.Fatalf("expected 3 typed edges into C, got %d", got)
	}
	if n := g.RemoveEdge("B", "C"); n != 2 {
		t.Fatalf("expected both typed edges removed, got %d", n)
	}
	if g.HasEdge("B", "C") {
		t.Fatalf("edge still present")
	}
	if n := g.RemoveEdge("B", "C"); n != 0 {
		t.Fatalf("second removal should be a no-op")
	}
}

func TestAddEdgeRefreshesDelay(t *testing.T) {
	g := New()
	g.AddEdge(fs("A", "B"))
	g.AddEdge(domain.DependencyEdge{From: "A", To: "B", Type: domain.FinishToStart, DelayDays: 3})
	edges := g.EdgesTo("B")
	if len(edges) != 1 || edges[0].DelayDays != 3 {
		t.Fatalf("unexpected edges %+v", edges)
	}
	if g.Len() != 1 {
		t.Fatalf("len = %d", g.Len())
	}
}

func TestRemoveNode(t *testing.T) {
	g := New()
	g.AddEdge(fs("A", "B"))
	g.AddEdge(fs("B", "C"))
	g.AddEdge(fs("D", "B"))
	g.RemoveNode("B")
	if g.Len() != 0 {
		t.Fatalf("expected no edges left, got %d", g.Len())
	}
	if slices.Collect(g.Successors("A")) != nil {
		t.Fatalf("A should have no successors")
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := New()
	g.AddEdge(fs("c", "a"))
	g.AddEdge(fs("b", "a"))
	g.AddEdge(fs("a", "d"))
	g.AddEdge(fs("x", "y"))
	order, err := g.TopologicalOrder([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if !slices.Equal(order, []string{"b", "c", "a", "d"}) {
		t.Fatalf("order = %v", order)
	}

	g.AddEdge(fs("d", "b"))
	_, err = g.TopologicalOrder([]string{"a", "b", "d"})
	var cyc domain.CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
}

// Adding random edges through the DetectCycle gate must leave a graph that always
// admits a topological order, and every rejected edge must actually close a cycle.
func TestRandomEdgesStayAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7"}
	g := New()
	for i := 0; i < 200; i++ {
		from := ids[rng.Intn(len(ids))]
		to := ids[rng.Intn(len(ids))]
		path, cyclic := g.DetectCycle(from, to)
		if cyclic {
			if path[0] != to || path[len(path)-1] != from {
				t.Fatalf("path %v does not run %s..%s", path, to, from)
			}
			continue
		}
		g.AddEdge(fs(from, to))
		if _, err := g.TopologicalOrder(ids); err != nil {
			t.Fatalf("graph became cyclic after %s->%s: %v", from, to, err)
		}
	}
}
