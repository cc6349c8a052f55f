package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"taskgraph/internal/db"
	"taskgraph/internal/domain"
	"taskgraph/internal/migrate"
	"taskgraph/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	withTx(t, r, func(tx *sql.Tx) error {
		return r.InsertProject(context.Background(), tx, domain.Project{ID: "proj", CreatedAt: t0})
	})
	return r
}

func withTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func newTask(id string, parent *string) domain.Task {
	due := t0.AddDate(0, 0, 7)
	pct := 40
	return domain.Task{
		ID: id, ProjectID: "proj", Title: "task " + id, Status: domain.StatusToDo, Priority: domain.PriorityHigh,
		DueDate: &due, ParentID: parent, Assignees: []string{"ana", "li"}, CompletionPercentage: &pct,
		CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestTaskRoundTripAndSubtree(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	root := "root"
	mid := "mid"
	withTx(t, r, func(tx *sql.Tx) error {
		for _, task := range []domain.Task{newTask("root", nil), newTask("mid", &root), newTask("leaf", &mid)} {
			if err := r.InsertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
	got, err := r.GetTask(ctx, "leaf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != domain.PriorityHigh || len(got.Assignees) != 2 || *got.CompletionPercentage != 40 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if !got.DueDate.Equal(t0.AddDate(0, 0, 7)) || got.ParentID == nil || *got.ParentID != "mid" {
		t.Fatalf("round trip lost dates or parent: %+v", got)
	}
	ancestors, err := r.AncestorIDs(ctx, "leaf")
	if err != nil || len(ancestors) != 2 || ancestors[0] != "mid" || ancestors[1] != "root" {
		t.Fatalf("ancestors = %v %v", ancestors, err)
	}
	withTx(t, r, func(tx *sql.Tx) error {
		ids, err := r.SubtreeIDsTx(ctx, tx, "root")
		if err != nil {
			return err
		}
		if len(ids) != 3 || ids[0] != "root" || ids[2] != "leaf" {
			t.Fatalf("subtree = %v", ids)
		}
		return r.DeleteTasksTx(ctx, tx, ids)
	})
	_, err = r.GetTask(ctx, "leaf")
	var unknown domain.UnknownTaskError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTaskError, got %v", err)
	}
}

func TestDependencyUpsert(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	withTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertTask(ctx, tx, newTask("a", nil)); err != nil {
			return err
		}
		if err := r.InsertTask(ctx, tx, newTask("b", nil)); err != nil {
			return err
		}
		e := domain.DependencyEdge{From: "a", To: "b", Type: domain.FinishToStart, CreatedAt: t0}
		if err := r.UpsertDependencyTx(ctx, tx, e); err != nil {
			return err
		}
		e.DelayDays = 2
		return r.UpsertDependencyTx(ctx, tx, e)
	})
	edges, err := r.LoadEdges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].DelayDays != 2 {
		t.Fatalf("edges = %+v", edges)
	}
}

func TestWatermarkNeverRewinds(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	p := domain.RecurrencePattern{
		ID: "pat", ProjectID: "proj", Template: domain.TaskTemplate{Title: "Report"}, Frequency: domain.Weekly,
		Interval: 1, StartDate: t0, End: domain.EndCondition{Kind: domain.EndNever}, Active: true, CreatedAt: t0, UpdatedAt: t0,
	}
	withTx(t, r, func(tx *sql.Tx) error { return r.InsertPatternTx(ctx, tx, p) })

	jan15 := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	jan8 := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	withTx(t, r, func(tx *sql.Tx) error { return r.AdvanceWatermark(ctx, tx, "pat", jan15, 3, t0) })
	withTx(t, r, func(tx *sql.Tx) error { return r.AdvanceWatermark(ctx, tx, "pat", jan8, 0, t0) })
	got, err := r.GetPattern(ctx, "pat")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastGeneratedUntil == nil || !got.LastGeneratedUntil.Equal(jan15) {
		t.Fatalf("watermark = %v, want %v", got.LastGeneratedUntil, jan15)
	}
	if got.GeneratedCount != 3 {
		t.Fatalf("generated count = %d", got.GeneratedCount)
	}
}

func TestReserveOccurrenceOnce(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	p := domain.RecurrencePattern{
		ID: "pat", ProjectID: "proj", Template: domain.TaskTemplate{Title: "Report"}, Frequency: domain.Daily,
		Interval: 1, StartDate: t0, Active: true, CreatedAt: t0, UpdatedAt: t0,
	}
	withTx(t, r, func(tx *sql.Tx) error { return r.InsertPatternTx(ctx, tx, p) })
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	withTx(t, r, func(tx *sql.Tx) error {
		first, err := r.ReserveOccurrence(ctx, tx, "pat", day)
		if err != nil || !first {
			t.Fatalf("first reservation: %v %v", first, err)
		}
		second, err := r.ReserveOccurrence(ctx, tx, "pat", day)
		if err != nil || second {
			t.Fatalf("second reservation must be refused: %v %v", second, err)
		}
		return nil
	})
	occs, err := r.ListOccurrences(ctx, "pat")
	if err != nil || len(occs) != 1 {
		t.Fatalf("occurrences = %v %v", occs, err)
	}
}

func TestHealthRecords(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	withTx(t, r, func(tx *sql.Tx) error { return r.InsertTask(ctx, tx, newTask("a", nil)) })
	if _, ok, err := r.GetHealth(ctx, "a"); ok || err != nil {
		t.Fatalf("expected no record yet: %v %v", ok, err)
	}
	rec := domain.HealthRecord{TaskID: "a", ProjectID: "proj", CompletionPercentage: 40, HealthStatus: domain.HealthAtRisk, Reasons: []string{"behind schedule"}, ComputedAt: t0}
	if err := r.SaveHealth(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.HealthStatus = domain.HealthOnTrack
	rec.Reasons = nil
	if err := r.SaveHealth(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := r.GetHealth(ctx, "a")
	if err != nil || !ok || got.HealthStatus != domain.HealthOnTrack || len(got.Reasons) != 0 {
		t.Fatalf("health = %+v %v %v", got, ok, err)
	}
	list, err := r.ListProjectHealth(ctx, "proj")
	if err != nil || len(list) != 1 {
		t.Fatalf("project health = %v %v", list, err)
	}
}
