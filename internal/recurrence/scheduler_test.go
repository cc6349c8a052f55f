package recurrence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskgraph/internal/db"
	"taskgraph/internal/domain"
	"taskgraph/internal/lock"
	"taskgraph/internal/migrate"
	"taskgraph/internal/recurrence"
	"taskgraph/internal/repo"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// taskSink inserts plain instances and can be told to fail.
type taskSink struct {
	r repo.Repo

	mu        sync.Mutex
	calls     int
	failAfter int
	failFor   string
	committed map[string]int
}

var errSink = errors.New("sink failure")

func (s *taskSink) CreateInstance(ctx context.Context, tx *sql.Tx, p domain.RecurrencePattern, occurrence time.Time) (domain.Task, error) {
	s.mu.Lock()
	s.calls++
	fail := (s.failAfter > 0 && s.calls > s.failAfter) || p.ID == s.failFor
	s.mu.Unlock()
	if fail {
		return domain.Task{}, errSink
	}
	ref := p.ID
	occ := occurrence
	t := domain.Task{
		ID:             fmt.Sprintf("%s-%s", p.ID, occurrence.Format(time.DateOnly)),
		ProjectID:      p.ProjectID,
		Title:          p.Template.Title,
		Status:         domain.StatusToDo,
		Priority:       domain.PriorityMedium,
		DueDate:        &occ,
		RecurrenceRef:  &ref,
		OccurrenceDate: &occ,
		CreatedAt:      start,
		UpdatedAt:      start,
	}
	return t, s.r.InsertTask(ctx, tx, t)
}

func (s *taskSink) PatternCompleted(context.Context, *sql.Tx, domain.RecurrencePattern) error {
	return nil
}

func (s *taskSink) Committed(_ context.Context, p domain.RecurrencePattern, created []domain.Task, _ bool) {
	s.mu.Lock()
	s.committed[p.ID] += len(created)
	s.mu.Unlock()
}

func newScheduler(t *testing.T, patterns ...string) (recurrence.Scheduler, *taskSink) {
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
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertProject(ctx, tx, domain.Project{ID: "proj", CreatedAt: start}); err != nil {
		t.Fatal(err)
	}
	for _, id := range patterns {
		p := domain.RecurrencePattern{
			ID: id, ProjectID: "proj", Template: domain.TaskTemplate{Title: "job " + id}, Frequency: domain.Daily,
			Interval: 1, StartDate: start, End: domain.EndCondition{Kind: domain.EndNever}, Active: true,
			CreatedAt: start, UpdatedAt: start,
		}
		if err := r.InsertPatternTx(ctx, tx, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	sink := &taskSink{r: r, committed: map[string]int{}}
	s := recurrence.Scheduler{
		DB:           conn,
		Patterns:     r,
		Sink:         sink,
		LockTimeout:  time.Second,
		LockAttempts: 1,
		BatchSize:    2,
		Parallelism:  2,
		Now:          func() time.Time { return start },
	}
	return s, sink
}

func TestFailedBatchKeepsWatermark(t *testing.T) {
	s, sink := newScheduler(t, "daily")
	sink.failAfter = 3
	ctx := context.Background()
	run, err := s.GenerateInstances(ctx, "daily", 4)
	if !errors.Is(err, errSink) {
		t.Fatalf("expected sink failure, got %v", err)
	}
	if run.Generated != 2 {
		t.Fatalf("first batch should have committed, generated=%d", run.Generated)
	}
	p, err := s.Patterns.GetPattern(ctx, "daily")
	if err != nil {
		t.Fatal(err)
	}
	if p.LastGeneratedUntil == nil || p.LastGeneratedUntil.Format(time.DateOnly) != "2024-03-02" {
		t.Fatalf("watermark = %v, want 2024-03-02", p.LastGeneratedUntil)
	}
	r := s.Patterns.(repo.Repo)
	occs, err := r.ListOccurrences(ctx, "daily")
	if err != nil || len(occs) != 2 {
		t.Fatalf("rolled back batch left occurrences: %v %v", occs, err)
	}

	sink.failAfter = 0
	run, err = s.GenerateInstances(ctx, "daily", 4)
	if err != nil || run.Generated != 3 {
		t.Fatalf("retry = %+v %v, want the remaining 3", run, err)
	}
	tasks, err := r.ListTasks(ctx, repo.TaskFilters{RecurrenceRef: "daily"})
	if err != nil || len(tasks) != 5 {
		t.Fatalf("instances = %d %v", len(tasks), err)
	}
}

func TestRunAllIsolatesFailures(t *testing.T) {
	s, sink := newScheduler(t, "bad", "good")
	sink.failFor = "bad"
	runs, err := s.RunAll(context.Background(), 2)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %+v", runs)
	}
	byID := map[string]recurrence.PatternRun{}
	for _, r := range runs {
		byID[r.PatternID] = r
	}
	if byID["bad"].Err == nil || byID["bad"].Error == "" {
		t.Fatalf("failure of bad not reported: %+v", byID["bad"])
	}
	if byID["good"].Err != nil || byID["good"].Generated != 3 {
		t.Fatalf("good pattern affected: %+v", byID["good"])
	}
	if sink.committed["good"] != 3 || sink.committed["bad"] != 0 {
		t.Fatalf("committed = %v", sink.committed)
	}
}

func TestGenerateInstancesLockContention(t *testing.T) {
	s, _ := newScheduler(t, "daily")
	s.Locks = &lock.Keyed{}
	s.LockTimeout = 10 * time.Millisecond
	s.LockAttempts = 2
	release, err := s.Locks.Acquire(context.Background(), "pattern:daily", time.Second, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	_, err = s.GenerateInstances(context.Background(), "daily", 1)
	var busy domain.ConcurrentModificationError
	if !errors.As(err, &busy) || busy.Attempts != 2 {
		t.Fatalf("expected ConcurrentModificationError after 2 attempts, got %v", err)
	}
}
