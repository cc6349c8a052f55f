package engine

import (
	"context"
	"database/sql"

	"taskgraph/internal/domain"
	"taskgraph/internal/events"
	"taskgraph/internal/graph"
	"taskgraph/internal/telemetry"
)

// DependencyOptions declare that TaskID depends on DependencyID. The stored edge runs from
// the dependency to the dependent task.
type DependencyOptions struct {
	TaskID       string
	DependencyID string
	Type         domain.DependencyType
	DelayDays    int
	ActorID      string
}

func (e Engine) AddDependency(ctx context.Context, opts DependencyOptions) (domain.DependencyEdge, error) {
	if opts.Type == "" {
		opts.Type = domain.FinishToStart
	}
	ctx, span := telemetry.Start(ctx, "engine.add_dependency", telemetry.EdgeAttrs(opts.DependencyID, opts.TaskID, opts.Type)...)
	defer span.End()
	edge := domain.DependencyEdge{
		From:      opts.DependencyID,
		To:        opts.TaskID,
		Type:      opts.Type,
		DelayDays: opts.DelayDays,
		CreatedAt: e.now(),
	}
	task, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		if isUnknownTask(err) {
			err = domain.InvalidEdgeError{From: edge.From, To: edge.To, Reason: "unknown task", Err: err}
		}
		return domain.DependencyEdge{}, telemetry.Fail(span, err)
	}
	if dep, err := e.Repo.GetTask(ctx, opts.DependencyID); err == nil && dep.ProjectID != task.ProjectID {
		return domain.DependencyEdge{}, telemetry.Fail(span, domain.InvalidEdgeError{From: edge.From, To: edge.To, Reason: "tasks belong to different projects"})
	}
	saved, err := e.Graph.AddEdge(ctx, edge, func(ctx context.Context) error {
		return e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
			current, err := e.Repo.LoadEdgesTx(ctx, tx)
			if err != nil {
				return err
			}
			if err := graph.Verify(current, edge); err != nil {
				return err
			}
			if err := e.Repo.UpsertDependencyTx(ctx, tx, edge); err != nil {
				return err
			}
			evt, err := e.writer().Append(ctx, tx, events.DependencyAdded, task.ProjectID, "dependency", edge.To, opts.ActorID, events.EventPayload{
				"from":       edge.From,
				"to":         edge.To,
				"type":       edge.Type,
				"delay_days": edge.DelayDays,
			})
			if err != nil {
				return err
			}
			emit(evt)
			return nil
		})
	})
	if err != nil {
		return domain.DependencyEdge{}, telemetry.Fail(span, err)
	}
	e.refresh(ctx, opts.ActorID, edge.To)
	return saved, nil
}

// RemoveDependency drops every edge from dependencyID to taskID. Removing an absent
// dependency succeeds and reports false.
func (e Engine) RemoveDependency(ctx context.Context, taskID, dependencyID, actorID string) (bool, error) {
	ctx, span := telemetry.Start(ctx, "engine.remove_dependency", telemetry.EdgeAttrs(dependencyID, taskID, "")...)
	defer span.End()
	var projectID string
	if t, err := e.Repo.GetTask(ctx, taskID); err == nil {
		projectID = t.ProjectID
	} else if !isUnknownTask(err) {
		return false, telemetry.Fail(span, err)
	}
	removed, err := e.Graph.RemoveEdge(ctx, dependencyID, taskID, func(ctx context.Context) error {
		return e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
			n, err := e.Repo.DeleteDependencyTx(ctx, tx, dependencyID, taskID)
			if err != nil {
				return err
			}
			evt, err := e.writer().Append(ctx, tx, events.DependencyRemoved, projectID, "dependency", taskID, actorID, events.EventPayload{
				"from":  dependencyID,
				"to":    taskID,
				"edges": n,
			})
			if err != nil {
				return err
			}
			emit(evt)
			return nil
		})
	})
	if err != nil {
		return false, telemetry.Fail(span, err)
	}
	if removed {
		e.refresh(ctx, actorID, taskID)
	}
	return removed, nil
}

// DependencyView is one edge together with the task at its far end.
type DependencyView struct {
	Edge   domain.DependencyEdge `json:"edge"`
	TaskID string                `json:"task_id"`
	Title  string                `json:"title"`
	Status domain.TaskStatus     `json:"status"`
}

type DependencyList struct {
	TaskID       string           `json:"task_id"`
	Predecessors []DependencyView `json:"predecessors"`
	Successors   []DependencyView `json:"successors"`
}

// ListDependencies returns the edges into taskID (what it depends on) and out of it (what
// depends on it).
func (e Engine) ListDependencies(ctx context.Context, taskID string) (DependencyList, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return DependencyList{}, err
	}
	in, err := e.Graph.EdgesTo(ctx, taskID)
	if err != nil {
		return DependencyList{}, err
	}
	out, err := e.Graph.EdgesFrom(ctx, taskID)
	if err != nil {
		return DependencyList{}, err
	}
	res := DependencyList{TaskID: taskID, Predecessors: []DependencyView{}, Successors: []DependencyView{}}
	for _, edge := range in {
		res.Predecessors = append(res.Predecessors, e.view(ctx, edge, edge.From))
	}
	for _, edge := range out {
		res.Successors = append(res.Successors, e.view(ctx, edge, edge.To))
	}
	return res, nil
}

func (e Engine) view(ctx context.Context, edge domain.DependencyEdge, id string) DependencyView {
	v := DependencyView{Edge: edge, TaskID: id}
	if t, err := e.Repo.GetTask(ctx, id); err == nil {
		v.Title = t.Title
		v.Status = t.Status
	}
	return v
}

// CircularCheck reports whether taskID depending on dependencyID would close a cycle.
type CircularCheck struct {
	WouldCreateCycle bool     `json:"would_create_cycle"`
	Path             []string `json:"path,omitempty"`
}

// CheckCircular rejects unknown task ids with the same error AddDependency returns.
func (e Engine) CheckCircular(ctx context.Context, taskID, dependencyID string) (CircularCheck, error) {
	for _, id := range []string{taskID, dependencyID} {
		if _, err := e.Repo.GetTask(ctx, id); err != nil {
			if isUnknownTask(err) {
				err = domain.InvalidEdgeError{From: dependencyID, To: taskID, Reason: "unknown task " + id, Err: err}
			}
			return CircularCheck{}, err
		}
	}
	path, cyclic, err := e.Graph.DetectCycle(ctx, dependencyID, taskID)
	if err != nil {
		return CircularCheck{}, err
	}
	return CircularCheck{WouldCreateCycle: cyclic, Path: path}, nil
}
