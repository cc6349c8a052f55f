package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"taskgraph/internal/domain"
	"taskgraph/internal/telemetry"
)

// Source supplies the task, subtree and dependency state health is derived from, and
// stores the derived records.
type Source interface {
	Task(ctx context.Context, id string) (domain.Task, error)
	Children(ctx context.Context, id string) ([]domain.Task, error)
	Predecessors(ctx context.Context, id string) ([]Predecessor, error)
	Successors(ctx context.Context, id string) ([]string, error)
	Record(ctx context.Context, id string) (domain.HealthRecord, bool, error)
	SaveRecord(ctx context.Context, rec domain.HealthRecord) error
	DeleteRecord(ctx context.Context, id string) error
}

type Engine struct {
	Source            Source
	Now               func() time.Time
	MaxDepth          int
	PropagationLimit  int
	InProgressPercent int
	Parallelism       int
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e Engine) input(ctx context.Context, t domain.Task, children []Child, now time.Time) (Input, error) {
	preds, err := e.Source.Predecessors(ctx, t.ID)
	if err != nil {
		return Input{}, err
	}
	return Input{Task: t, Children: children, Predecessors: preds, Now: now, InProgressPercent: e.InProgressPercent}, nil
}

// Recompute walks the subtree of id bottom-up, stores every record it derives, and
// returns the record of id. Below MaxDepth stored child records are used as they are.
func (e Engine) Recompute(ctx context.Context, id string) (domain.HealthRecord, error) {
	ctx, span := telemetry.Start(ctx, "health.recompute", attribute.String(telemetry.AttrTaskID, id))
	defer span.End()
	t, err := e.Source.Task(ctx, id)
	if err != nil {
		return domain.HealthRecord{}, telemetry.Fail(span, err)
	}
	rec, err := e.subtree(ctx, t, 0, e.now(), nil)
	return rec, telemetry.Fail(span, err)
}

func (e Engine) subtree(ctx context.Context, t domain.Task, depth int, now time.Time, out *[]domain.HealthRecord) (domain.HealthRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.HealthRecord{}, err
	}
	kids, err := e.Source.Children(ctx, t.ID)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	maxDepth := e.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 32
	}
	children := make([]Child, 0, len(kids))
	for _, k := range kids {
		var rec domain.HealthRecord
		if depth+1 < maxDepth {
			rec, err = e.subtree(ctx, k, depth+1, now, out)
		} else {
			rec, err = e.stored(ctx, k, now)
		}
		if err != nil {
			return domain.HealthRecord{}, err
		}
		children = append(children, Child{Task: k, Record: rec})
	}
	in, err := e.input(ctx, t, children, now)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	rec := Evaluate(in)
	if err := e.Source.SaveRecord(ctx, rec); err != nil {
		return domain.HealthRecord{}, err
	}
	if out != nil {
		*out = append(*out, rec)
	}
	return rec, nil
}

// stored returns the saved record of t, evaluating t as a leaf if none exists yet.
func (e Engine) stored(ctx context.Context, t domain.Task, now time.Time) (domain.HealthRecord, error) {
	rec, ok, err := e.Source.Record(ctx, t.ID)
	if err != nil || ok {
		return rec, err
	}
	in, err := e.input(ctx, t, nil, now)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	return Evaluate(in), nil
}

// evaluateFromStored evaluates t against the stored records of its direct children.
// A child without a record gets its subtree computed first.
func (e Engine) evaluateFromStored(ctx context.Context, t domain.Task, now time.Time) (domain.HealthRecord, error) {
	kids, err := e.Source.Children(ctx, t.ID)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	children := make([]Child, 0, len(kids))
	for _, k := range kids {
		rec, ok, err := e.Source.Record(ctx, k.ID)
		if err != nil {
			return domain.HealthRecord{}, err
		}
		if !ok {
			if rec, err = e.subtree(ctx, k, 1, now, nil); err != nil {
				return domain.HealthRecord{}, err
			}
		}
		children = append(children, Child{Task: k, Record: rec})
	}
	in, err := e.input(ctx, t, children, now)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	return Evaluate(in), nil
}

// RecomputeAffected re-derives id, then spreads outward to its parent chain and to the
// tasks that depend on it. A node whose completion, status and reasons come out unchanged
// stops the spread there; id itself always spreads once. At most PropagationLimit nodes are
// visited. It returns the records that changed, in visit order.
func (e Engine) RecomputeAffected(ctx context.Context, id string) ([]domain.HealthRecord, error) {
	ctx, span := telemetry.Start(ctx, "health.recompute_affected", attribute.String(telemetry.AttrTaskID, id))
	defer span.End()
	limit := e.PropagationLimit
	if limit <= 0 {
		limit = 500
	}
	now := e.now()
	queue := []string{id}
	seen := map[string]bool{id: true}
	var changed []domain.HealthRecord
	visited := 0
	for len(queue) > 0 && visited < limit {
		if err := ctx.Err(); err != nil {
			return changed, telemetry.Fail(span, err)
		}
		n := queue[0]
		queue = queue[1:]
		visited++
		t, err := e.Source.Task(ctx, n)
		if err != nil {
			var unknown domain.UnknownTaskError
			if errors.As(err, &unknown) && n != id {
				continue
			}
			return changed, telemetry.Fail(span, err)
		}
		rec, err := e.evaluateFromStored(ctx, t, now)
		if err != nil {
			return changed, telemetry.Fail(span, err)
		}
		prev, existed, err := e.Source.Record(ctx, n)
		if err != nil {
			return changed, telemetry.Fail(span, err)
		}
		same := existed && prev.SameOutcome(rec)
		if !same {
			if err := e.Source.SaveRecord(ctx, rec); err != nil {
				return changed, telemetry.Fail(span, err)
			}
			changed = append(changed, rec)
		}
		if same && n != id {
			continue
		}
		var next []string
		if t.ParentID != nil && *t.ParentID != "" {
			next = append(next, *t.ParentID)
		}
		succ, err := e.Source.Successors(ctx, n)
		if err != nil {
			return changed, telemetry.Fail(span, err)
		}
		next = append(next, succ...)
		for _, m := range next {
			if !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	span.SetAttributes(attribute.Int("taskgraph.health.visited", visited), attribute.Int("taskgraph.health.changed", len(changed)))
	return changed, nil
}

// RecomputeProject re-derives every task in tasks. Each top-level subtree runs in its own
// goroutine, at most Parallelism at a time. Records come back ordered by task id.
func (e Engine) RecomputeProject(ctx context.Context, tasks []domain.Task) ([]domain.HealthRecord, error) {
	ctx, span := telemetry.Start(ctx, "health.recompute_project")
	defer span.End()
	members := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		members[t.ID] = true
	}
	now := e.now()
	var (
		mu  sync.Mutex
		all []domain.HealthRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := e.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, t := range tasks {
		if t.ParentID != nil && members[*t.ParentID] {
			continue
		}
		g.Go(func() error {
			var recs []domain.HealthRecord
			if _, err := e.subtree(gctx, t, 0, now, &recs); err != nil {
				return err
			}
			mu.Lock()
			all = append(all, recs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, telemetry.Fail(span, err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TaskID < all[j].TaskID })
	return all, nil
}

// Forget drops the record of a deleted task.
func (e Engine) Forget(ctx context.Context, id string) error {
	return e.Source.DeleteRecord(ctx, id)
}
