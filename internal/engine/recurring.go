package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskgraph/internal/domain"
	"taskgraph/internal/events"
	"taskgraph/internal/recurrence"
	"taskgraph/internal/repo"
	"taskgraph/internal/telemetry"
)

// RecurringCreateOptions are parameters for creating a recurrence pattern.
type RecurringCreateOptions struct {
	ID           string
	ProjectID    string
	Template     domain.TaskTemplate
	ParentTaskID string
	Frequency    domain.Frequency
	Interval     int
	StartDate    time.Time
	End          domain.EndCondition
	ActorID      string
}

func (e Engine) CreateRecurringTask(ctx context.Context, opts RecurringCreateOptions) (domain.RecurrencePattern, error) {
	ctx, span := telemetry.Start(ctx, "engine.create_recurring", telemetry.TaskAttrs(opts.ProjectID, "")...)
	defer span.End()
	if opts.Interval == 0 {
		opts.Interval = 1
	}
	if opts.End.Kind == "" {
		opts.End.Kind = domain.EndNever
	}
	if opts.Template.Priority == "" {
		opts.Template.Priority = domain.PriorityMedium
	}
	opts.Template.Title = strings.TrimSpace(opts.Template.Title)
	if opts.StartDate.IsZero() {
		opts.StartDate = e.now()
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	p := domain.RecurrencePattern{
		ID:           id,
		ProjectID:    opts.ProjectID,
		Template:     opts.Template,
		ParentTaskID: optionalString(opts.ParentTaskID),
		Frequency:    opts.Frequency,
		Interval:     opts.Interval,
		StartDate:    recurrence.Day(opts.StartDate),
		End:          opts.End,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.End.Date != nil {
		d := recurrence.Day(*p.End.Date)
		p.End.Date = &d
	}
	if err := e.validatePattern(ctx, p); err != nil {
		return domain.RecurrencePattern{}, telemetry.Fail(span, err)
	}
	err := e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
		if err := e.Repo.InsertPatternTx(ctx, tx, p); err != nil {
			return err
		}
		evt, err := e.writer().Append(ctx, tx, events.PatternCreated, p.ProjectID, "pattern", p.ID, opts.ActorID, events.EventPayload{
			"title":     p.Template.Title,
			"frequency": p.Frequency,
			"interval":  p.Interval,
			"start":     p.StartDate.Format(time.DateOnly),
			"end_kind":  p.End.Kind,
		})
		if err != nil {
			return err
		}
		emit(evt)
		return nil
	})
	if err != nil {
		return domain.RecurrencePattern{}, telemetry.Fail(span, err)
	}
	return p, nil
}

func (e Engine) validatePattern(ctx context.Context, p domain.RecurrencePattern) error {
	if err := recurrence.Validate(p); err != nil {
		return err
	}
	if p.ProjectID == "" {
		return domain.ValidationError{Field: "project", Reason: "is required"}
	}
	if _, err := e.Repo.GetProject(ctx, p.ProjectID); err != nil {
		return err
	}
	if p.ParentTaskID != nil {
		parent, err := e.Repo.GetTask(ctx, *p.ParentTaskID)
		if err != nil {
			return err
		}
		if parent.ProjectID != p.ProjectID {
			return domain.RecurrencePatternError{Field: "parent_task_id", Reason: "belongs to a different project"}
		}
	}
	return nil
}

func (e Engine) GetRecurringTask(ctx context.Context, id string) (domain.RecurrencePattern, error) {
	return e.Repo.GetPattern(ctx, id)
}

func (e Engine) ListRecurringTasks(ctx context.Context, projectID string) ([]domain.RecurrencePattern, error) {
	return e.Repo.ListPatterns(ctx, projectID)
}

// RecurringUpdateOptions carries the pattern fields to change; nil pointers leave a field alone.
type RecurringUpdateOptions struct {
	ID           string
	Title        *string
	Description  *string
	Priority     *domain.Priority
	Assignees    *[]string
	ParentTaskID *string
	Frequency    *domain.Frequency
	Interval     *int
	StartDate    *time.Time
	End          *domain.EndCondition
	Active       *bool
	ActorID      string
}

// UpdateRecurringTask changes a pattern. Already generated instances are left as they are
// and the generation watermark is never moved.
func (e Engine) UpdateRecurringTask(ctx context.Context, opts RecurringUpdateOptions) (domain.RecurrencePattern, error) {
	ctx, span := telemetry.Start(ctx, "engine.update_recurring")
	defer span.End()
	release, err := e.Locks.Acquire(ctx, "pattern:"+opts.ID, e.Config.Engine.LockTimeout, e.Config.Engine.LockAttempts)
	if err != nil {
		return domain.RecurrencePattern{}, telemetry.Fail(span, err)
	}
	defer release()
	p, err := e.Repo.GetPattern(ctx, opts.ID)
	if err != nil {
		return domain.RecurrencePattern{}, telemetry.Fail(span, err)
	}
	changes := events.EventPayload{}
	if opts.Title != nil {
		p.Template.Title = strings.TrimSpace(*opts.Title)
		changes["title"] = p.Template.Title
	}
	if opts.Description != nil {
		p.Template.Description = *opts.Description
		changes["description"] = p.Template.Description
	}
	if opts.Priority != nil {
		p.Template.Priority = *opts.Priority
		changes["priority"] = p.Template.Priority
	}
	if opts.Assignees != nil {
		p.Template.Assignees = *opts.Assignees
		changes["assignees"] = p.Template.Assignees
	}
	if opts.ParentTaskID != nil {
		p.ParentTaskID = optionalString(*opts.ParentTaskID)
		changes["parent_task_id"] = *opts.ParentTaskID
	}
	if opts.Frequency != nil {
		p.Frequency = *opts.Frequency
		changes["frequency"] = p.Frequency
	}
	if opts.Interval != nil {
		p.Interval = *opts.Interval
		changes["interval"] = p.Interval
	}
	if opts.StartDate != nil {
		start := recurrence.Day(*opts.StartDate)
		if p.LastGeneratedUntil != nil && !start.Equal(p.StartDate) {
			return domain.RecurrencePattern{}, telemetry.Fail(span, domain.RecurrencePatternError{Field: "start_date", Reason: "cannot change once instances were generated"})
		}
		p.StartDate = start
		changes["start"] = start.Format(time.DateOnly)
	}
	if opts.End != nil {
		end := *opts.End
		if end.Date != nil {
			d := recurrence.Day(*end.Date)
			end.Date = &d
		}
		p.End = end
		changes["end_kind"] = end.Kind
	}
	if opts.Active != nil {
		p.Active = *opts.Active
		changes["active"] = p.Active
	}
	if len(changes) == 0 {
		return p, nil
	}
	if err := e.validatePattern(ctx, p); err != nil {
		return domain.RecurrencePattern{}, telemetry.Fail(span, err)
	}
	p.UpdatedAt = e.now()
	err = e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
		if err := e.Repo.UpdatePatternTx(ctx, tx, p); err != nil {
			return err
		}
		evt, err := e.writer().Append(ctx, tx, events.PatternUpdated, p.ProjectID, "pattern", p.ID, opts.ActorID, changes)
		if err != nil {
			return err
		}
		emit(evt)
		return nil
	})
	if err != nil {
		return domain.RecurrencePattern{}, telemetry.Fail(span, err)
	}
	return p, nil
}

// DeleteRecurringTask removes a pattern. Generated instances stay and lose their
// recurrence reference.
func (e Engine) DeleteRecurringTask(ctx context.Context, id, actorID string) error {
	ctx, span := telemetry.Start(ctx, "engine.delete_recurring")
	defer span.End()
	release, err := e.Locks.Acquire(ctx, "pattern:"+id, e.Config.Engine.LockTimeout, e.Config.Engine.LockAttempts)
	if err != nil {
		return telemetry.Fail(span, err)
	}
	defer release()
	p, err := e.Repo.GetPattern(ctx, id)
	if err != nil {
		return telemetry.Fail(span, err)
	}
	err = e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
		detached, err := e.Repo.DetachInstancesTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.Repo.DeletePatternTx(ctx, tx, id); err != nil {
			return err
		}
		evt, err := e.writer().Append(ctx, tx, events.PatternDeleted, p.ProjectID, "pattern", id, actorID, events.EventPayload{
			"title":    p.Template.Title,
			"detached": detached,
		})
		if err != nil {
			return err
		}
		emit(evt)
		return nil
	})
	return telemetry.Fail(span, err)
}

func (e Engine) horizon(days int) (int, error) {
	if days <= 0 {
		days = e.Config.Scheduler.HorizonDays
	}
	if limit := e.Config.Scheduler.MaxHorizon; limit > 0 && days > limit {
		return 0, domain.ValidationError{Field: "days", Reason: fmt.Sprintf("must not exceed %d", limit)}
	}
	return days, nil
}

// GeneratePattern materializes the instances of one pattern up to days ahead. Zero days
// means the configured horizon.
func (e Engine) GeneratePattern(ctx context.Context, patternID string, days int, actorID string) (recurrence.PatternRun, error) {
	days, err := e.horizon(days)
	if err != nil {
		return recurrence.PatternRun{PatternID: patternID}, err
	}
	run, err := e.scheduler(e.newInstanceSink(actorID)).GenerateInstances(ctx, patternID, days)
	if err != nil {
		run.Err = err
		run.Error = err.Error()
	}
	return run, err
}

// RunRecurringGeneration materializes instances for every active pattern. A failing pattern
// is reported in its PatternRun and does not stop the others.
func (e Engine) RunRecurringGeneration(ctx context.Context, days int, actorID string) ([]recurrence.PatternRun, error) {
	days, err := e.horizon(days)
	if err != nil {
		return nil, err
	}
	return e.scheduler(e.newInstanceSink(actorID)).RunAll(ctx, days)
}

// instanceSink creates recurring task instances inside the scheduler's batch transaction
// and holds their events until the batch commits.
type instanceSink struct {
	e       Engine
	actorID string

	mu      sync.Mutex
	pending map[string][]domain.Event
}

func (e Engine) newInstanceSink(actorID string) *instanceSink {
	if actorID == "" {
		actorID = "scheduler"
	}
	return &instanceSink{e: e, actorID: actorID, pending: map[string][]domain.Event{}}
}

func (s *instanceSink) hold(patternID string, evt domain.Event) {
	s.mu.Lock()
	s.pending[patternID] = append(s.pending[patternID], evt)
	s.mu.Unlock()
}

func (s *instanceSink) CreateInstance(ctx context.Context, tx *sql.Tx, p domain.RecurrencePattern, occurrence time.Time) (domain.Task, error) {
	now := s.e.now()
	due := occurrence
	occ := occurrence
	ref := p.ID
	t := domain.Task{
		ID:             uuid.NewString(),
		ProjectID:      p.ProjectID,
		ParentID:       p.ParentTaskID,
		Title:          p.Template.Title,
		Description:    p.Template.Description,
		Status:         domain.StatusToDo,
		Priority:       p.Template.Priority,
		DueDate:        &due,
		Assignees:      p.Template.Assignees,
		RecurrenceRef:  &ref,
		OccurrenceDate: &occ,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.ParentID != nil {
		if _, err := s.e.Repo.GetTaskTx(ctx, tx, *t.ParentID); err != nil {
			var unknown domain.UnknownTaskError
			if !errors.As(err, &unknown) {
				return domain.Task{}, err
			}
			t.ParentID = nil
		}
	}
	if err := s.e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	evt, err := s.e.writer().Append(ctx, tx, events.InstanceGenerated, t.ProjectID, "task", t.ID, s.actorID, events.EventPayload{
		"patternId":      p.ID,
		"taskId":         t.ID,
		"occurrenceDate": occurrence.Format(time.DateOnly),
	})
	if err != nil {
		return domain.Task{}, err
	}
	s.hold(p.ID, evt)
	return t, nil
}

func (s *instanceSink) PatternCompleted(ctx context.Context, tx *sql.Tx, p domain.RecurrencePattern) error {
	evt, err := s.e.writer().Append(ctx, tx, events.PatternCompleted, p.ProjectID, "pattern", p.ID, s.actorID, events.EventPayload{
		"generated": p.GeneratedCount,
		"end_kind":  p.End.Kind,
	})
	if err != nil {
		return err
	}
	s.hold(p.ID, evt)
	return nil
}

func (s *instanceSink) Committed(ctx context.Context, p domain.RecurrencePattern, created []domain.Task, completed bool) {
	s.mu.Lock()
	evts := s.pending[p.ID]
	delete(s.pending, p.ID)
	s.mu.Unlock()
	s.e.Bus.Publish(evts...)
	ids := make([]string, 0, len(created))
	for _, t := range created {
		ids = append(ids, t.ID)
	}
	s.e.refresh(ctx, s.actorID, ids...)
}

// PatternInstances lists the tasks generated by a pattern that still reference it.
func (e Engine) PatternInstances(ctx context.Context, patternID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{RecurrenceRef: patternID})
}
