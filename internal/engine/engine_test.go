package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskgraph/internal/config"
	"taskgraph/internal/db"
	"taskgraph/internal/domain"
	"taskgraph/internal/engine"
	"taskgraph/internal/events"
	"taskgraph/internal/migrate"
	"taskgraph/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("proj-1"))
	clock := jan1
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: &clock}
}

func (env testEnv) task(t *testing.T, id, title, parent string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: id, ProjectID: "proj-1", Title: title, ParentID: parent, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func (env testEnv) status(t *testing.T, id string, to domain.TaskStatus) domain.Task {
	t.Helper()
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: id, Status: to, ActorID: "tester"})
	if err != nil {
		t.Fatalf("%s -> %s: %v", id, to, err)
	}
	return task
}

func (env testEnv) dependsOn(t *testing.T, taskID, dependencyID string) {
	t.Helper()
	if _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: taskID, DependencyID: dependencyID, ActorID: "tester"}); err != nil {
		t.Fatalf("%s depends on %s: %v", taskID, dependencyID, err)
	}
}

func (env testEnv) health(t *testing.T, id string) domain.HealthRecord {
	t.Helper()
	rec, ok, err := env.Engine.StoredHealth(env.Ctx, id)
	if err != nil || !ok {
		t.Fatalf("health of %s: ok=%v err=%v", id, ok, err)
	}
	return rec
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "", "Do work", "")
	if task.Status != domain.StatusToDo || task.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	task = env.status(t, task.ID, domain.StatusInProgress)
	if task.StartedAt == nil {
		t.Fatalf("started_at not set")
	}
	env.status(t, task.ID, domain.StatusUnderReview)
	task = env.status(t, task.ID, domain.StatusCompleted)
	if task.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.StatusToDo, ActorID: "tester"})
	var invalid domain.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != domain.StatusCompleted {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	other := env.task(t, "", "Skip ahead", "")
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: other.ID, Status: domain.StatusUnderReview, ActorID: "tester"}); !errors.As(err, &invalid) {
		t.Fatalf("todo -> under_review must be rejected, got %v", err)
	}
	forced, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: other.ID, Status: domain.StatusUnderReview, Force: true, ActorID: "tester"})
	if err != nil || forced.Status != domain.StatusUnderReview {
		t.Fatalf("forced transition: %v", err)
	}
}

func TestDependencyGatingAndBlocking(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "A", "design", "")
	b := env.task(t, "B", "build", "")
	env.dependsOn(t, b.ID, a.ID)

	if got := env.health(t, b.ID); got.HealthStatus != domain.HealthBlocked {
		t.Fatalf("B should be blocked by A, got %s %v", got.HealthStatus, got.Reasons)
	}
	_, err := env.Engine.CompleteTask(env.Ctx, b.ID, "tester", true)
	var unmet domain.UnmetDependencyError
	if !errors.As(err, &unmet) || len(unmet.Predecessors) != 1 || unmet.Predecessors[0] != "A" {
		t.Fatalf("expected UnmetDependencyError naming A even when forced, got %v", err)
	}

	env.status(t, a.ID, domain.StatusInProgress)
	env.status(t, a.ID, domain.StatusCompleted)
	if got := env.health(t, b.ID); got.HealthStatus == domain.HealthBlocked {
		t.Fatalf("B still blocked after A completed: %v", got.Reasons)
	}
	env.status(t, b.ID, domain.StatusInProgress)
	if _, err := env.Engine.CompleteTask(env.Ctx, b.ID, "tester", false); err != nil {
		t.Fatalf("complete B: %v", err)
	}
}

func TestCancelledPredecessorBlocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "A", "spike", "")
	env.task(t, "B", "build", "")
	env.dependsOn(t, "B", "A")
	env.status(t, "A", domain.StatusCancelled)
	if got := env.health(t, "B"); got.HealthStatus != domain.HealthBlocked {
		t.Fatalf("cancelled predecessor must block B, got %s %v", got.HealthStatus, got.Reasons)
	}
	env.status(t, "B", domain.StatusInProgress)
	_, err := env.Engine.CompleteTask(env.Ctx, "B", "tester", false)
	var unmet domain.UnmetDependencyError
	if !errors.As(err, &unmet) || len(unmet.Predecessors) != 1 || unmet.Predecessors[0] != "A" {
		t.Fatalf("expected UnmetDependencyError naming A, got %v", err)
	}
	if removed, err := env.Engine.RemoveDependency(env.Ctx, "B", "A", "tester"); err != nil || !removed {
		t.Fatalf("remove dependency: %v %v", removed, err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, "B", "tester", false); err != nil {
		t.Fatalf("complete B after dropping the edge: %v", err)
	}
}

func TestDelayWindowGatesCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "A", "pour concrete", "")
	env.task(t, "B", "frame walls", "")
	if _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: "B", DependencyID: "A", DelayDays: 2, ActorID: "tester"}); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	env.status(t, "A", domain.StatusInProgress)
	env.status(t, "A", domain.StatusCompleted)
	env.status(t, "B", domain.StatusInProgress)

	*env.Clock = jan1.AddDate(0, 0, 1)
	_, err := env.Engine.CompleteTask(env.Ctx, "B", "tester", false)
	var unmet domain.UnmetDependencyError
	if !errors.As(err, &unmet) || len(unmet.Predecessors) != 1 || unmet.Predecessors[0] != "A" {
		t.Fatalf("expected UnmetDependencyError inside the delay window, got %v", err)
	}

	*env.Clock = jan1.AddDate(0, 0, 2)
	if _, err := env.Engine.CompleteTask(env.Ctx, "B", "tester", false); err != nil {
		t.Fatalf("complete B once the delay elapsed: %v", err)
	}
}

func TestCircularDependencyRejected(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"A", "B", "C"} {
		env.task(t, id, "task "+id, "")
	}
	env.dependsOn(t, "B", "A")
	env.dependsOn(t, "C", "B")

	check, err := env.Engine.CheckCircular(env.Ctx, "A", "C")
	if err != nil || !check.WouldCreateCycle {
		t.Fatalf("check-circular should report a cycle: %+v %v", check, err)
	}
	_, err = env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: "A", DependencyID: "C", ActorID: "tester"})
	var cycle domain.CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if err.Error() != "would create a circular dependency: C -> A -> B -> C" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	deps, err := env.Engine.ListDependencies(env.Ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(deps.Predecessors) != 0 || len(deps.Successors) != 1 || deps.Successors[0].TaskID != "B" {
		t.Fatalf("graph changed by rejected edge: %+v", deps)
	}
	edges, err := env.Engine.Repo.LoadEdges(env.Ctx)
	if err != nil || len(edges) != 2 {
		t.Fatalf("persisted edges = %v %v", edges, err)
	}
}

func TestInvalidEdges(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "A", "a", "")
	var invalid domain.InvalidEdgeError
	if _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: "A", DependencyID: "A"}); !errors.As(err, &invalid) {
		t.Fatalf("self edge: %v", err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: "A", DependencyID: "missing"}); !errors.As(err, &invalid) {
		t.Fatalf("unknown dependency: %v", err)
	}
	var unknown domain.UnknownTaskError
	if _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: "missing", DependencyID: "A"}); !errors.As(err, &unknown) {
		t.Fatalf("unknown task should unwrap to UnknownTaskError: %v", err)
	}
}

func TestConcurrentOppositeDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "A", "a", "")
	env.task(t, "B", "b", "")
	var wg sync.WaitGroup
	errs := make([]error, 2)
	pairs := [][2]string{{"A", "B"}, {"B", "A"}}
	for i, p := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: p[0], DependencyID: p[1], ActorID: "tester"})
		}()
	}
	wg.Wait()
	failures := 0
	for _, err := range errs {
		if err != nil {
			var cycle domain.CircularDependencyError
			if !errors.As(err, &cycle) {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("exactly one of the opposite edges must be rejected, got %d failures", failures)
	}
}

func TestCycleRejectedAcrossEngines(t *testing.T) {
	dir := t.TempDir()
	open := func() engine.Engine {
		conn, err := db.Open(db.Config{Workspace: dir})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return engine.New(conn, config.Default("proj-1"))
	}
	first, second := open(), open()
	ctx := context.Background()
	if _, err := first.InitProject(ctx, "proj-1", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		if _, err := first.CreateTask(ctx, engine.TaskCreateOptions{ID: id, ProjectID: "proj-1", Title: id, ActorID: "tester"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if check, err := first.CheckCircular(ctx, "A", "B"); err != nil || check.WouldCreateCycle {
		t.Fatalf("warm up: %+v %v", check, err)
	}

	if _, err := second.AddDependency(ctx, engine.DependencyOptions{TaskID: "B", DependencyID: "A", ActorID: "other"}); err != nil {
		t.Fatalf("B depends on A: %v", err)
	}
	_, err := first.AddDependency(ctx, engine.DependencyOptions{TaskID: "A", DependencyID: "B", ActorID: "tester"})
	var cycle domain.CircularDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	edges, err := first.Repo.LoadEdges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].From != "A" || edges[0].To != "B" {
		t.Fatalf("persisted edges = %+v", edges)
	}

	if _, err := second.DeleteTask(ctx, "B", "other"); err != nil {
		t.Fatalf("delete B: %v", err)
	}
	deps, err := first.ListDependencies(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(deps.Successors) != 0 {
		t.Fatalf("edge removed elsewhere still cached: %+v", deps.Successors)
	}
}

func TestCheckCircularUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "A", "a", "")
	for _, pair := range [][2]string{{"A", "ghost"}, {"ghost", "A"}} {
		_, err := env.Engine.CheckCircular(env.Ctx, pair[0], pair[1])
		var invalid domain.InvalidEdgeError
		var unknown domain.UnknownTaskError
		if !errors.As(err, &invalid) || !errors.As(err, &unknown) || unknown.TaskID != "ghost" {
			t.Fatalf("check %s on %s: expected unknown task ghost, got %v", pair[0], pair[1], err)
		}
		_, addErr := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{TaskID: pair[0], DependencyID: pair[1]})
		if !errors.As(addErr, &invalid) || !errors.As(addErr, &unknown) {
			t.Fatalf("add %s on %s should fail the same way, got %v", pair[0], pair[1], addErr)
		}
	}
}

func TestRemoveDependency(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "A", "a", "")
	env.task(t, "B", "b", "")
	env.dependsOn(t, "B", "A")
	removed, err := env.Engine.RemoveDependency(env.Ctx, "B", "A", "tester")
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if got := env.health(t, "B"); got.HealthStatus == domain.HealthBlocked {
		t.Fatalf("B blocked after its dependency was removed")
	}
	removed, err = env.Engine.RemoveDependency(env.Ctx, "B", "A", "tester")
	if err != nil || removed {
		t.Fatalf("removing an absent dependency is a no-op: %v %v", removed, err)
	}
}

func TestParentRollup(t *testing.T) {
	env := newTestEnv(t)
	parent := env.task(t, "P", "release", "")
	c1 := env.task(t, "C1", "docs", parent.ID)
	c2 := env.task(t, "C2", "code", parent.ID)
	env.status(t, c1.ID, domain.StatusInProgress)
	env.status(t, c1.ID, domain.StatusCompleted)
	env.status(t, c2.ID, domain.StatusInProgress)

	if got := env.health(t, parent.ID); got.CompletionPercentage != 75 {
		t.Fatalf("propagated rollup = %d, want 75", got.CompletionPercentage)
	}
	rec, err := env.Engine.TaskHealth(env.Ctx, parent.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rec.CompletionPercentage != 75 {
		t.Fatalf("recomputed rollup = %d, want 75", rec.CompletionPercentage)
	}

	records, err := env.Engine.ProjectTasksHealth(env.Ctx, "proj-1", "tester")
	if err != nil || len(records) != 3 {
		t.Fatalf("project health = %v %v", records, err)
	}
}

func TestCompletedTaskIsNeverBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "X", "done already", "")
	env.task(t, "Y", "still open", "")
	env.status(t, "X", domain.StatusInProgress)
	env.status(t, "X", domain.StatusCompleted)
	env.dependsOn(t, "X", "Y")
	rec, err := env.Engine.TaskHealth(env.Ctx, "X", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rec.CompletionPercentage != 100 || rec.HealthStatus == domain.HealthBlocked {
		t.Fatalf("completed task reported %d%% %s", rec.CompletionPercentage, rec.HealthStatus)
	}
}

func TestOverdueTask(t *testing.T) {
	env := newTestEnv(t)
	due := jan1.AddDate(0, 0, 2)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "late", DueDate: &due})
	if err != nil {
		t.Fatal(err)
	}
	*env.Clock = jan1.AddDate(0, 0, 5)
	rec, err := env.Engine.TaskHealth(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rec.HealthStatus != domain.HealthOverdue {
		t.Fatalf("status = %s, want overdue", rec.HealthStatus)
	}
}

func TestParentCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "root", "root", "")
	env.task(t, "mid", "mid", "root")
	env.task(t, "leaf", "leaf", "mid")
	parent := "leaf"
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: "root", ParentID: &parent})
	var invalid domain.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "P", "parent", "")
	env.task(t, "C", "child", "P")
	env.task(t, "X", "downstream", "")
	env.dependsOn(t, "X", "C")
	if got := env.health(t, "X"); got.HealthStatus != domain.HealthBlocked {
		t.Fatalf("X should start blocked")
	}
	removed, err := env.Engine.DeleteTask(env.Ctx, "P", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 || removed[0] != "P" {
		t.Fatalf("removed = %v", removed)
	}
	if _, err := env.Engine.GetTask(env.Ctx, "C"); err == nil {
		t.Fatalf("child survived delete")
	}
	deps, err := env.Engine.ListDependencies(env.Ctx, "X")
	if err != nil || len(deps.Predecessors) != 0 {
		t.Fatalf("edges into X survived: %+v %v", deps, err)
	}
	if got := env.health(t, "X"); got.HealthStatus == domain.HealthBlocked {
		t.Fatalf("X still blocked by a deleted task")
	}
	if _, ok, _ := env.Engine.StoredHealth(env.Ctx, "C"); ok {
		t.Fatalf("health record of deleted task kept")
	}
}

func TestWeeklyAfterCountGeneration(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateRecurringTask(env.Ctx, engine.RecurringCreateOptions{
		ProjectID: "proj-1",
		Template:  domain.TaskTemplate{Title: "Weekly report"},
		Frequency: domain.Weekly,
		Interval:  1,
		StartDate: jan1,
		End:       domain.EndCondition{Kind: domain.EndAfterCount, Count: 3},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create pattern: %v", err)
	}
	runs, err := env.Engine.RunRecurringGeneration(env.Ctx, 30, "tester")
	if err != nil || len(runs) != 1 {
		t.Fatalf("run: %v %v", runs, err)
	}
	if runs[0].Generated != 3 || !runs[0].Completed {
		t.Fatalf("run = %+v, want 3 generated and completed", runs[0])
	}
	instances, err := env.Engine.PatternInstances(env.Ctx, p.ID)
	if err != nil || len(instances) != 3 {
		t.Fatalf("instances = %d %v", len(instances), err)
	}
	want := map[string]bool{"2024-01-01": true, "2024-01-08": true, "2024-01-15": true}
	for _, task := range instances {
		if task.DueDate == nil || !want[task.DueDate.Format(time.DateOnly)] {
			t.Fatalf("unexpected instance due date %v", task.DueDate)
		}
		delete(want, task.DueDate.Format(time.DateOnly))
	}
	got, err := env.Engine.GetRecurringTask(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || got.GeneratedCount != 3 {
		t.Fatalf("pattern after completion = %+v", got)
	}
	runs, err = env.Engine.RunRecurringGeneration(env.Ctx, 30, "tester")
	if err != nil || len(runs) != 0 {
		t.Fatalf("completed pattern must not run again: %v %v", runs, err)
	}
}

func TestGenerationIsIdempotentAndWatermarkMonotonic(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateRecurringTask(env.Ctx, engine.RecurringCreateOptions{
		ProjectID: "proj-1",
		Template:  domain.TaskTemplate{Title: "Standup"},
		Frequency: domain.Daily,
		StartDate: jan1,
	})
	if err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.GeneratePattern(env.Ctx, p.ID, 7, "tester")
	if err != nil || run.Generated != 8 {
		t.Fatalf("first run = %+v %v, want 8", run, err)
	}
	run, err = env.Engine.GeneratePattern(env.Ctx, p.ID, 7, "tester")
	if err != nil || run.Generated != 0 {
		t.Fatalf("second run = %+v %v, want 0", run, err)
	}
	run, err = env.Engine.GeneratePattern(env.Ctx, p.ID, 2, "tester")
	if err != nil || run.Generated != 0 {
		t.Fatalf("shorter horizon = %+v %v", run, err)
	}
	got, err := env.Engine.GetRecurringTask(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastGeneratedUntil == nil || got.LastGeneratedUntil.Format(time.DateOnly) != "2024-01-08" {
		t.Fatalf("watermark = %v, want 2024-01-08", got.LastGeneratedUntil)
	}

	*env.Clock = jan1.AddDate(0, 0, 1)
	run, err = env.Engine.GeneratePattern(env.Ctx, p.ID, 7, "tester")
	if err != nil || run.Generated != 1 {
		t.Fatalf("next day = %+v %v, want 1", run, err)
	}
	instances, err := env.Engine.PatternInstances(env.Ctx, p.ID)
	if err != nil || len(instances) != 9 {
		t.Fatalf("instances = %d %v", len(instances), err)
	}
}

func TestDeleteRecurringKeepsInstances(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateRecurringTask(env.Ctx, engine.RecurringCreateOptions{
		ProjectID: "proj-1",
		Template:  domain.TaskTemplate{Title: "Backup"},
		Frequency: domain.Daily,
		StartDate: jan1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GeneratePattern(env.Ctx, p.ID, 1, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteRecurringTask(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetRecurringTask(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("pattern still present: %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil || len(tasks) != 2 {
		t.Fatalf("instances = %d %v", len(tasks), err)
	}
	for _, task := range tasks {
		if task.RecurrenceRef != nil {
			t.Fatalf("instance still references deleted pattern")
		}
	}
}

func TestInvalidRecurrencePattern(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.RecurringCreateOptions{
		{ProjectID: "proj-1", Template: domain.TaskTemplate{Title: "x"}, Frequency: domain.Daily, Interval: -1, StartDate: jan1},
		{ProjectID: "proj-1", Template: domain.TaskTemplate{Title: "x"}, Frequency: "yearly", StartDate: jan1},
		{ProjectID: "proj-1", Template: domain.TaskTemplate{Title: "x"}, Frequency: domain.Weekly, StartDate: jan1, End: domain.EndCondition{Kind: domain.EndAfterCount}},
		{ProjectID: "proj-1", Frequency: domain.Weekly, StartDate: jan1},
	}
	for i, opts := range cases {
		_, err := env.Engine.CreateRecurringTask(env.Ctx, opts)
		var invalid domain.RecurrencePatternError
		if !errors.As(err, &invalid) {
			t.Fatalf("case %d: expected RecurrencePatternError, got %v", i, err)
		}
	}
}

func TestHorizonLimit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunRecurringGeneration(env.Ctx, env.Engine.Config.Scheduler.MaxHorizon+1, "tester")
	var invalid domain.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestEventsLoggedAndPublished(t *testing.T) {
	env := newTestEnv(t)
	ch := env.Engine.Bus.Subscribe(events.Filter{ProjectID: "proj-1", Types: []string{events.TaskStatusChanged}})
	defer env.Engine.Bus.Unsubscribe(ch)
	task := env.task(t, "", "watch me", "")
	env.status(t, task.ID, domain.StatusInProgress)
	select {
	case evt := <-ch:
		if evt.EntityID != task.ID || evt.Payload["to"] != domain.StatusInProgress {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("status change was not published")
	}
	logged, err := env.Engine.Events(env.Ctx, repo.EventFilters{ProjectID: "proj-1", Type: events.TaskStatusChanged})
	if err != nil || len(logged) != 1 {
		t.Fatalf("logged events = %v %v", logged, err)
	}
	health, err := env.Engine.Events(env.Ctx, repo.EventFilters{ProjectID: "proj-1", Type: events.HealthUpdated})
	if err != nil || len(health) == 0 {
		t.Fatalf("health updates not logged: %v %v", health, err)
	}
}

func TestProjectHealthDependencyOrder(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "a-deploy", "deploy", "")
	env.task(t, "b-build", "build", "")
	env.task(t, "c-design", "design", "")
	env.dependsOn(t, "a-deploy", "b-build")
	env.dependsOn(t, "b-build", "c-design")

	records, err := env.Engine.ProjectTasksHealth(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("project health: %v", err)
	}
	var got []string
	for _, r := range records {
		got = append(got, r.TaskID)
	}
	want := []string{"c-design", "b-build", "a-deploy"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if records[2].HealthStatus != domain.HealthBlocked {
		t.Fatalf("deploy should be blocked, got %s", records[2].HealthStatus)
	}
}
