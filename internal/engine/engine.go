package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"taskgraph/internal/config"
	"taskgraph/internal/domain"
	"taskgraph/internal/events"
	"taskgraph/internal/graph"
	"taskgraph/internal/health"
	"taskgraph/internal/lock"
	"taskgraph/internal/recurrence"
	"taskgraph/internal/repo"
	"taskgraph/internal/telemetry"
)

// Engine is the single entry point for task, dependency, recurrence and health operations.
// Every mutation validates, writes its rows and its event in one transaction, commits,
// publishes the event on Bus, and then refreshes the health of whatever it affected.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Graph  *graph.Store
	Bus    *events.Bus
	Locks  *lock.Keyed
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	r := repo.Repo{DB: db}
	locks := &lock.Keyed{}
	return Engine{
		DB:     db,
		Repo:   r,
		Graph:  graph.NewStore(r, r, locks, cfg.Engine.LockTimeout, cfg.Engine.LockAttempts),
		Bus:    events.NewBus(),
		Locks:  locks,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

func (e Engine) writer() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) healthEngine() health.Engine {
	return health.Engine{
		Source:            healthSource{e: e},
		Now:               e.now,
		MaxDepth:          e.Config.Engine.SubtreeDepth,
		PropagationLimit:  e.Config.Engine.PropagationLimit,
		InProgressPercent: e.Config.Health.InProgressPercent,
		Parallelism:       e.Config.Engine.Parallelism,
	}
}

func (e Engine) scheduler(sink recurrence.InstanceSink) recurrence.Scheduler {
	return recurrence.Scheduler{
		DB:           e.DB,
		Patterns:     e.Repo,
		Sink:         sink,
		Locks:        e.Locks,
		LockTimeout:  e.Config.Engine.LockTimeout,
		LockAttempts: e.Config.Engine.LockAttempts,
		BatchSize:    e.Config.Scheduler.BatchSize,
		Parallelism:  e.Config.Engine.Parallelism,
		Now:          e.now,
		Logger:       e.Logger,
	}
}

// withTx runs fn in a transaction and commits it. The events fn appended are published
// once the commit succeeds.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx, emit func(domain.Event)) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var pending []domain.Event
	if err := fn(tx, func(evt domain.Event) { pending = append(pending, evt) }); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Bus.Publish(pending...)
	return nil
}

// InitProject creates a project. Migrations must already have run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Project{}, domain.ValidationError{Field: "project id", Reason: "is required"}
	}
	p := domain.Project{ID: projectID, Description: description, CreatedAt: e.now()}
	err := e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		evt, err := e.writer().Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, actorID, events.EventPayload{"description": p.Description})
		if err != nil {
			return err
		}
		emit(evt)
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// ResolveProject returns id when set, otherwise the configured default project, otherwise
// the only project in the workspace.
func (e Engine) ResolveProject(ctx context.Context, id string) (string, error) {
	if id == "" && e.Config != nil {
		id = e.Config.Project.ID
	}
	if id != "" {
		if _, err := e.Repo.GetProject(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s: %w", id, err)
			}
			return "", err
		}
		return id, nil
	}
	p, err := e.Repo.SingleProject(ctx)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// Events returns logged events, newest first unless the filter asks for a cursor.
func (e Engine) Events(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}

// refresh re-derives the health of every task affected by a change to ids. Changed records
// are logged as HealthUpdated events and published. The mutation has already committed, so
// a failure here is logged and left for the next recompute to repair.
func (e Engine) refresh(ctx context.Context, actorID string, ids ...string) {
	ctx, span := telemetry.Start(ctx, "engine.refresh_health")
	defer span.End()
	h := e.healthEngine()
	var changed []domain.HealthRecord
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		recs, err := h.RecomputeAffected(ctx, id)
		changed = append(changed, recs...)
		if err != nil {
			telemetry.Fail(span, err)
			e.logger().Printf("health refresh from %s: %v", id, err)
		}
	}
	if err := e.recordHealth(ctx, actorID, changed); err != nil {
		telemetry.Fail(span, err)
		e.logger().Printf("health events: %v", err)
	}
}

func (e Engine) recordHealth(ctx context.Context, actorID string, recs []domain.HealthRecord) error {
	if len(recs) == 0 {
		return nil
	}
	latest := map[string]int{}
	for i, r := range recs {
		latest[r.TaskID] = i
	}
	return e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
		for i, r := range recs {
			if latest[r.TaskID] != i {
				continue
			}
			evt, err := e.writer().Append(ctx, tx, events.HealthUpdated, r.ProjectID, "task", r.TaskID, actorID, events.EventPayload{
				"taskId":               r.TaskID,
				"healthStatus":         r.HealthStatus,
				"completionPercentage": r.CompletionPercentage,
				"reasons":              r.Reasons,
			})
			if err != nil {
				return err
			}
			emit(evt)
		}
		return nil
	})
}
