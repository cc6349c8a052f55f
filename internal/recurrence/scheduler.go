package recurrence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"taskgraph/internal/domain"
	"taskgraph/internal/lock"
	"taskgraph/internal/telemetry"
)

// PatternStore is the persisted side of recurrence patterns. Tx-taking methods run inside
// the batch transaction.
type PatternStore interface {
	GetPattern(ctx context.Context, id string) (domain.RecurrencePattern, error)
	ListActivePatterns(ctx context.Context) ([]domain.RecurrencePattern, error)
	// ReserveOccurrence claims (pattern, date). It reports false when the slot was already taken.
	ReserveOccurrence(ctx context.Context, tx *sql.Tx, patternID string, date time.Time) (bool, error)
	BindOccurrence(ctx context.Context, tx *sql.Tx, patternID string, date time.Time, taskID string) error
	// AdvanceWatermark moves last_generated_until forward; it never moves it back.
	AdvanceWatermark(ctx context.Context, tx *sql.Tx, patternID string, until time.Time, generated int, now time.Time) error
	DeactivatePattern(ctx context.Context, tx *sql.Tx, patternID string, now time.Time) error
}

// InstanceSink creates task instances on behalf of the scheduler so that task creation
// follows the same path as any other task mutation.
type InstanceSink interface {
	CreateInstance(ctx context.Context, tx *sql.Tx, p domain.RecurrencePattern, occurrence time.Time) (domain.Task, error)
	PatternCompleted(ctx context.Context, tx *sql.Tx, p domain.RecurrencePattern) error
	// Committed is called after a batch transaction commits.
	Committed(ctx context.Context, p domain.RecurrencePattern, created []domain.Task, completed bool)
}

// PatternRun reports what one pattern produced in a run.
type PatternRun struct {
	PatternID string    `json:"pattern_id"`
	Generated int       `json:"generated"`
	Completed bool      `json:"completed"`
	Until     time.Time `json:"until"`
	Err       error     `json:"-"`
	Error     string    `json:"error,omitempty"`
}

type Scheduler struct {
	DB           *sql.DB
	Patterns     PatternStore
	Sink         InstanceSink
	Locks        *lock.Keyed
	LockTimeout  time.Duration
	LockAttempts int
	BatchSize    int
	Parallelism  int
	Now          func() time.Time
	Logger       *log.Logger
}

func (s Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s Scheduler) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

// GenerateInstances materializes the occurrences of one pattern in
// (last_generated_until, now+horizonDays]. Work is split into batches of BatchSize; each batch
// commits its tasks, occurrence claims and watermark together, so a failed batch leaves the
// watermark where it was and a retry re-attempts the same window.
func (s Scheduler) GenerateInstances(ctx context.Context, patternID string, horizonDays int) (PatternRun, error) {
	ctx, span := telemetry.Start(ctx, "recurrence.generate", attribute.String(telemetry.AttrPatternID, patternID))
	defer span.End()
	run := PatternRun{PatternID: patternID}
	if horizonDays < 0 {
		horizonDays = 0
	}
	locks := s.Locks
	if locks == nil {
		locks = &lock.Keyed{}
	}
	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	release, err := locks.Acquire(ctx, "pattern:"+patternID, timeout, s.LockAttempts)
	if err != nil {
		return run, telemetry.Fail(span, err)
	}
	defer release()

	p, err := s.Patterns.GetPattern(ctx, patternID)
	if err != nil {
		return run, telemetry.Fail(span, err)
	}
	if !p.Active {
		return run, nil
	}
	now := s.now()
	run.Until = Day(now).AddDate(0, 0, horizonDays)
	occs := Occurrences(p, p.LastGeneratedUntil, run.Until)
	batch := s.BatchSize
	if batch < 1 {
		batch = 50
	}
	for start := 0; start < len(occs); start += batch {
		end := min(start+batch, len(occs))
		created, err := s.commitBatch(ctx, p, occs[start:end], now)
		if err != nil {
			return run, telemetry.Fail(span, fmt.Errorf("pattern %s batch at %s: %w", p.ID, occs[start].Date.Format(time.DateOnly), err))
		}
		last := occs[end-1].Date
		p.LastGeneratedUntil = &last
		p.GeneratedCount += len(created)
		run.Generated += len(created)
		s.Sink.Committed(ctx, p, created, false)
	}
	if EvaluateEndCondition(p) {
		if err := s.complete(ctx, p, now); err != nil {
			return run, telemetry.Fail(span, err)
		}
		run.Completed = true
	}
	span.SetAttributes(attribute.Int("taskgraph.generated", run.Generated))
	return run, nil
}

func (s Scheduler) commitBatch(ctx context.Context, p domain.RecurrencePattern, occs []Occurrence, now time.Time) ([]domain.Task, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var created []domain.Task
	for _, occ := range occs {
		fresh, err := s.Patterns.ReserveOccurrence(ctx, tx, p.ID, occ.Date)
		if err != nil {
			return nil, err
		}
		if !fresh {
			continue
		}
		task, err := s.Sink.CreateInstance(ctx, tx, p, occ.Date)
		if err != nil {
			return nil, err
		}
		if err := s.Patterns.BindOccurrence(ctx, tx, p.ID, occ.Date, task.ID); err != nil {
			return nil, err
		}
		created = append(created, task)
	}
	if err := s.Patterns.AdvanceWatermark(ctx, tx, p.ID, occs[len(occs)-1].Date, len(created), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (s Scheduler) complete(ctx context.Context, p domain.RecurrencePattern, now time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Patterns.DeactivatePattern(ctx, tx, p.ID, now); err != nil {
		return err
	}
	if err := s.Sink.PatternCompleted(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Active = false
	s.Sink.Committed(ctx, p, nil, true)
	return nil
}

// RunAll generates every active pattern. A failing pattern is recorded in its PatternRun and
// does not stop the others; the returned error covers only listing the patterns.
func (s Scheduler) RunAll(ctx context.Context, horizonDays int) ([]PatternRun, error) {
	ctx, span := telemetry.Start(ctx, "recurrence.run_all")
	defer span.End()
	patterns, err := s.Patterns.ListActivePatterns(ctx)
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	runs := make([]PatternRun, len(patterns))
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, p := range patterns {
		g.Go(func() error {
			run, err := s.GenerateInstances(gctx, p.ID, horizonDays)
			if err != nil {
				s.logger().Printf("recurrence: pattern %s failed: %v", p.ID, err)
				run.Err = err
				run.Error = err.Error()
			}
			runs[i] = run
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("taskgraph.patterns", len(runs)))
	return runs, nil
}
