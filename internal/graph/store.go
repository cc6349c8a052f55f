package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"taskgraph/internal/domain"
	"taskgraph/internal/lock"
)

const lockKey = "graph"

// EdgeSource loads the persisted edge set.
type EdgeSource interface {
	LoadEdges(ctx context.Context) ([]domain.DependencyEdge, error)
}

// EdgeVersioner is implemented by edge sources that can report a counter changed by every
// persisted edge write. A Store over such a source reloads when the counter moves.
type EdgeVersioner interface {
	EdgeVersion(ctx context.Context) (int64, error)
}

// TaskLookup answers whether a task id exists in storage.
type TaskLookup interface {
	TaskExists(ctx context.Context, id string) (bool, error)
}

// CommitFunc persists a mutation. It runs while the graph lock is held and after all
// checks passed; the in-memory graph changes only if it returns nil.
type CommitFunc func(ctx context.Context) error

// Store is the concurrency-safe, persisted view of the dependency graph.
type Store struct {
	Edges        EdgeSource
	Tasks        TaskLookup
	Locks        *lock.Keyed
	LockTimeout  time.Duration
	LockAttempts int

	mu      sync.RWMutex
	g       *Graph
	loaded  bool
	version int64
}

func NewStore(edges EdgeSource, tasks TaskLookup, locks *lock.Keyed, timeout time.Duration, attempts int) *Store {
	if locks == nil {
		locks = &lock.Keyed{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Store{Edges: edges, Tasks: tasks, Locks: locks, LockTimeout: timeout, LockAttempts: attempts}
}

func (s *Store) edgeVersion(ctx context.Context) (int64, bool, error) {
	v, ok := s.Edges.(EdgeVersioner)
	if !ok {
		return 0, false, nil
	}
	version, err := v.EdgeVersion(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("edge version: %w", err)
	}
	return version, true, nil
}

func (s *Store) fresh(version int64, versioned bool) bool {
	return s.loaded && (!versioned || s.version == version)
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	version, versioned, err := s.edgeVersion(ctx)
	if err != nil {
		return err
	}
	s.mu.RLock()
	ok := s.fresh(version, versioned)
	s.mu.RUnlock()
	if ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fresh(version, versioned) {
		return nil
	}
	g := New()
	if s.Edges != nil {
		edges, err := s.Edges.LoadEdges(ctx)
		if err != nil {
			return fmt.Errorf("load edges: %w", err)
		}
		for _, e := range edges {
			g.AddEdge(e)
		}
	}
	s.g = g
	s.version = version
	s.loaded = true
	return nil
}

// Reset marks the cached graph stale so the next call reloads it. Readers already holding
// the old graph keep using it.
func (s *Store) Reset() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	return s.Locks.Acquire(ctx, lockKey, s.LockTimeout, s.LockAttempts)
}

func (s *Store) checkTask(ctx context.Context, e domain.DependencyEdge, id string) error {
	if s.Tasks == nil {
		return nil
	}
	ok, err := s.Tasks.TaskExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.InvalidEdgeError{From: e.From, To: e.To, Reason: "unknown task " + id, Err: domain.UnknownTaskError{TaskID: id}}
	}
	return nil
}

func validateEdge(e domain.DependencyEdge) error {
	switch {
	case e.From == "" || e.To == "":
		return domain.InvalidEdgeError{From: e.From, To: e.To, Reason: "both task ids are required"}
	case e.From == e.To:
		return domain.InvalidEdgeError{From: e.From, To: e.To, Reason: "a task cannot depend on itself"}
	case !e.Type.Valid():
		return domain.InvalidEdgeError{From: e.From, To: e.To, Reason: fmt.Sprintf("unknown dependency type %q", e.Type)}
	case e.DelayDays < 0:
		return domain.InvalidEdgeError{From: e.From, To: e.To, Reason: "delay must not be negative"}
	}
	return nil
}

// AddEdge validates e, rejects it if it would close a cycle, runs commit, and only then
// applies it in memory. Any failure leaves the graph unchanged. A commit that reports a
// cycle the cache missed drops the cache.
func (s *Store) AddEdge(ctx context.Context, e domain.DependencyEdge, commit CommitFunc) (domain.DependencyEdge, error) {
	if e.Type == "" {
		e.Type = domain.FinishToStart
	}
	if err := validateEdge(e); err != nil {
		return domain.DependencyEdge{}, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return domain.DependencyEdge{}, err
	}
	defer release()
	if err := s.ensureLoaded(ctx); err != nil {
		return domain.DependencyEdge{}, err
	}
	if err := s.checkTask(ctx, e, e.From); err != nil {
		return domain.DependencyEdge{}, err
	}
	if err := s.checkTask(ctx, e, e.To); err != nil {
		return domain.DependencyEdge{}, err
	}
	s.mu.RLock()
	path, cyclic := s.g.DetectCycle(e.From, e.To)
	s.mu.RUnlock()
	if cyclic {
		return domain.DependencyEdge{}, domain.CircularDependencyError{From: e.From, To: e.To, Path: path}
	}
	if err := ctx.Err(); err != nil {
		return domain.DependencyEdge{}, err
	}
	if commit != nil {
		if err := commit(ctx); err != nil {
			var cyc domain.CircularDependencyError
			if errors.As(err, &cyc) {
				s.Reset()
			}
			return domain.DependencyEdge{}, err
		}
	}
	s.mu.Lock()
	s.g.AddEdge(e)
	s.mu.Unlock()
	return e, nil
}

// RemoveEdge removes all typed edges from -> to. Absent edges are a successful no-op and
// commit is not called.
func (s *Store) RemoveEdge(ctx context.Context, from, to string, commit CommitFunc) (bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	if err := s.ensureLoaded(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	present := s.g.HasEdge(from, to)
	s.mu.RUnlock()
	if !present {
		return false, nil
	}
	if commit != nil {
		if err := commit(ctx); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	s.g.RemoveEdge(from, to)
	s.mu.Unlock()
	return true, nil
}

// RemoveTasks drops every edge incident to ids after commit succeeds.
func (s *Store) RemoveTasks(ctx context.Context, ids []string, commit CommitFunc) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	if commit != nil {
		if err := commit(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	for _, id := range ids {
		s.g.RemoveNode(id)
	}
	s.mu.Unlock()
	return nil
}

// DetectCycle is the read-only check behind AddEdge.
func (s *Store) DetectCycle(ctx context.Context, from, to string) ([]string, bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, ok := s.g.DetectCycle(from, to)
	return path, ok, nil
}

// Predecessors returns a sequence over a snapshot taken at call time.
func (s *Store) Predecessors(ctx context.Context, id string) (iter.Seq[string], error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g.Predecessors(id), nil
}

// Successors returns a sequence over a snapshot taken at call time.
func (s *Store) Successors(ctx context.Context, id string) (iter.Seq[string], error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g.Successors(id), nil
}

func (s *Store) EdgesTo(ctx context.Context, id string) ([]domain.DependencyEdge, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g.EdgesTo(id), nil
}

func (s *Store) EdgesFrom(ctx context.Context, id string) ([]domain.DependencyEdge, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g.EdgesFrom(id), nil
}

func (s *Store) TopologicalOrder(ctx context.Context, ids []string) ([]string, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g.TopologicalOrder(ids)
}
