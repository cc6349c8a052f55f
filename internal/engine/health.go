package engine

import (
	"context"
	"slices"

	"taskgraph/internal/domain"
	"taskgraph/internal/health"
	"taskgraph/internal/repo"
	"taskgraph/internal/telemetry"
)

// healthSource feeds the health engine from storage and the dependency graph.
type healthSource struct {
	e Engine
}

func (s healthSource) Task(ctx context.Context, id string) (domain.Task, error) {
	return s.e.Repo.GetTask(ctx, id)
}

func (s healthSource) Children(ctx context.Context, id string) ([]domain.Task, error) {
	return s.e.Repo.ListChildren(ctx, id)
}

func (s healthSource) Predecessors(ctx context.Context, id string) ([]health.Predecessor, error) {
	edges, err := s.e.Graph.EdgesTo(ctx, id)
	if err != nil {
		return nil, err
	}
	res := make([]health.Predecessor, 0, len(edges))
	for _, edge := range edges {
		t, err := s.e.Repo.GetTask(ctx, edge.From)
		if err != nil {
			if isUnknownTask(err) {
				continue
			}
			return nil, err
		}
		res = append(res, health.Predecessor{Edge: edge, Task: t})
	}
	return res, nil
}

func (s healthSource) Successors(ctx context.Context, id string) ([]string, error) {
	seq, err := s.e.Graph.Successors(ctx, id)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

func (s healthSource) Record(ctx context.Context, id string) (domain.HealthRecord, bool, error) {
	return s.e.Repo.GetHealth(ctx, id)
}

func (s healthSource) SaveRecord(ctx context.Context, rec domain.HealthRecord) error {
	return s.e.Repo.SaveHealth(ctx, rec)
}

func (s healthSource) DeleteRecord(ctx context.Context, id string) error {
	return s.e.Repo.DeleteHealth(ctx, id)
}

// TaskHealth re-derives the health of a task and its subtree and returns the task's record.
func (e Engine) TaskHealth(ctx context.Context, taskID, actorID string) (domain.HealthRecord, error) {
	ctx, span := telemetry.Start(ctx, "engine.task_health", telemetry.TaskAttrs("", taskID)...)
	defer span.End()
	prev, existed, err := e.Repo.GetHealth(ctx, taskID)
	if err != nil {
		return domain.HealthRecord{}, telemetry.Fail(span, err)
	}
	rec, err := e.healthEngine().Recompute(ctx, taskID)
	if err != nil {
		return domain.HealthRecord{}, telemetry.Fail(span, err)
	}
	if !existed || !prev.SameOutcome(rec) {
		if err := e.recordHealth(ctx, actorID, []domain.HealthRecord{rec}); err != nil {
			e.logger().Printf("health events: %v", err)
		}
	}
	return rec, nil
}

// ProjectTasksHealth re-derives the health of every task in the project. Records come back
// in dependency order: a task follows everything it depends on, ties broken by id.
func (e Engine) ProjectTasksHealth(ctx context.Context, projectID, actorID string) ([]domain.HealthRecord, error) {
	ctx, span := telemetry.Start(ctx, "engine.project_health", telemetry.TaskAttrs(projectID, "")...)
	defer span.End()
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, telemetry.Fail(span, err)
	}
	before, err := e.Repo.ListProjectHealth(ctx, projectID)
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	prev := make(map[string]domain.HealthRecord, len(before))
	for _, r := range before {
		prev[r.TaskID] = r
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	records, err := e.healthEngine().RecomputeProject(ctx, tasks)
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	var changed []domain.HealthRecord
	for _, r := range records {
		if p, ok := prev[r.TaskID]; !ok || !p.SameOutcome(r) {
			changed = append(changed, r)
		}
	}
	if err := e.recordHealth(ctx, actorID, changed); err != nil {
		e.logger().Printf("health events: %v", err)
	}
	return e.dependencyOrder(ctx, records), nil
}

func (e Engine) dependencyOrder(ctx context.Context, records []domain.HealthRecord) []domain.HealthRecord {
	ids := make([]string, len(records))
	byID := make(map[string]domain.HealthRecord, len(records))
	for i, r := range records {
		ids[i] = r.TaskID
		byID[r.TaskID] = r
	}
	order, err := e.Graph.TopologicalOrder(ctx, ids)
	if err != nil {
		e.logger().Printf("health order: %v", err)
		return records
	}
	out := make([]domain.HealthRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// StoredHealth returns the last derived record of a task without recomputing it.
func (e Engine) StoredHealth(ctx context.Context, taskID string) (domain.HealthRecord, bool, error) {
	return e.Repo.GetHealth(ctx, taskID)
}
