package engine

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskgraph/internal/domain"
	"taskgraph/internal/events"
	"taskgraph/internal/repo"
	"taskgraph/internal/telemetry"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                   string
	ProjectID            string
	ParentID             string
	Title                string
	Description          string
	Priority             domain.Priority
	DueDate              *time.Time
	Assignees            []string
	CompletionPercentage *int
	Weight               float64
	ActorID              string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	ctx, span := telemetry.Start(ctx, "engine.create_task", telemetry.TaskAttrs(opts.ProjectID, opts.ID)...)
	defer span.End()
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, telemetry.Fail(span, domain.ValidationError{Field: "title", Reason: "is required"})
	}
	if opts.ProjectID == "" {
		return domain.Task{}, telemetry.Fail(span, domain.ValidationError{Field: "project", Reason: "is required"})
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, telemetry.Fail(span, domain.ValidationError{Field: "priority", Reason: "must be one of low, medium, high, urgent"})
	}
	if err := validatePercentage(opts.CompletionPercentage); err != nil {
		return domain.Task{}, telemetry.Fail(span, err)
	}
	if opts.Weight < 0 {
		return domain.Task{}, telemetry.Fail(span, domain.ValidationError{Field: "weight", Reason: "must not be negative"})
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, telemetry.Fail(span, err)
	}
	if opts.ParentID != "" {
		if err := e.checkParent(ctx, opts.ProjectID, opts.ParentID, ""); err != nil {
			return domain.Task{}, telemetry.Fail(span, err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	t := domain.Task{
		ID:                   id,
		ProjectID:            opts.ProjectID,
		ParentID:             optionalString(opts.ParentID),
		Title:                opts.Title,
		Description:          opts.Description,
		Status:               domain.StatusToDo,
		Priority:             opts.Priority,
		DueDate:              opts.DueDate,
		Assignees:            opts.Assignees,
		CompletionPercentage: opts.CompletionPercentage,
		Weight:               opts.Weight,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		evt, err := e.writer().Append(ctx, tx, events.TaskCreated, t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
			"title":     t.Title,
			"parent_id": opts.ParentID,
			"priority":  t.Priority,
		})
		if err != nil {
			return err
		}
		emit(evt)
		return nil
	})
	if err != nil {
		return domain.Task{}, telemetry.Fail(span, err)
	}
	e.refresh(ctx, opts.ActorID, t.ID)
	return t, nil
}

// checkParent rejects a parent outside the project, and a parent that lies in the subtree
// of child (which would close a loop in the hierarchy).
func (e Engine) checkParent(ctx context.Context, projectID, parentID, child string) error {
	parent, err := e.Repo.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.ProjectID != projectID {
		return domain.ValidationError{Field: "parent", Reason: "belongs to a different project"}
	}
	if child == "" {
		return nil
	}
	if parentID == child {
		return domain.ValidationError{Field: "parent", Reason: "cannot be the task itself"}
	}
	ancestors, err := e.Repo.AncestorIDs(ctx, parentID)
	if err != nil {
		return err
	}
	if slices.Contains(ancestors, child) {
		return domain.ValidationError{Field: "parent", Reason: "would make the task its own ancestor"}
	}
	return nil
}

func validatePercentage(p *int) error {
	if p != nil && (*p < 0 || *p > 100) {
		return domain.ValidationError{Field: "completion percentage", Reason: "must be between 0 and 100"}
	}
	return nil
}

// TaskUpdateOptions carries the fields to change; nil pointers leave a field alone.
type TaskUpdateOptions struct {
	ID                   string
	Title                *string
	Description          *string
	Priority             *domain.Priority
	DueDate              *time.Time
	ClearDueDate         bool
	ParentID             *string
	Assignees            *[]string
	CompletionPercentage *int
	ClearCompletion      bool
	Weight               *float64
	Status               domain.TaskStatus
	// Force skips the transition table. It never skips unmet finish-to-start predecessors.
	Force   bool
	ActorID string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	ctx, span := telemetry.Start(ctx, "engine.update_task", telemetry.TaskAttrs("", opts.ID)...)
	defer span.End()
	current, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return domain.Task{}, telemetry.Fail(span, err)
	}
	t := current
	changes := events.EventPayload{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return domain.Task{}, telemetry.Fail(span, domain.ValidationError{Field: "title", Reason: "is required"})
		}
		t.Title = title
		changes["title"] = title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
		changes["description"] = t.Description
	}
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return domain.Task{}, telemetry.Fail(span, domain.ValidationError{Field: "priority", Reason: "must be one of low, medium, high, urgent"})
		}
		t.Priority = *opts.Priority
		changes["priority"] = t.Priority
	}
	if opts.ClearDueDate {
		t.DueDate = nil
		changes["due_date"] = nil
	} else if opts.DueDate != nil {
		t.DueDate = opts.DueDate
		changes["due_date"] = opts.DueDate.Format(time.RFC3339)
	}
	if opts.Assignees != nil {
		t.Assignees = *opts.Assignees
		changes["assignees"] = t.Assignees
	}
	if opts.ClearCompletion {
		t.CompletionPercentage = nil
		changes["completion_percentage"] = nil
	} else if opts.CompletionPercentage != nil {
		if err := validatePercentage(opts.CompletionPercentage); err != nil {
			return domain.Task{}, telemetry.Fail(span, err)
		}
		t.CompletionPercentage = opts.CompletionPercentage
		changes["completion_percentage"] = *opts.CompletionPercentage
	}
	if opts.Weight != nil {
		if *opts.Weight < 0 {
			return domain.Task{}, telemetry.Fail(span, domain.ValidationError{Field: "weight", Reason: "must not be negative"})
		}
		t.Weight = *opts.Weight
		changes["weight"] = t.Weight
	}
	if opts.ParentID != nil {
		if *opts.ParentID != "" {
			if err := e.checkParent(ctx, t.ProjectID, *opts.ParentID, t.ID); err != nil {
				return domain.Task{}, telemetry.Fail(span, err)
			}
		}
		t.ParentID = optionalString(*opts.ParentID)
		changes["parent_id"] = *opts.ParentID
	}
	now := e.now()
	statusChanged := opts.Status != "" && opts.Status != current.Status
	if statusChanged {
		if err := ensureTaskTransition(current.Status, opts.Status, opts.Force); err != nil {
			return domain.Task{}, telemetry.Fail(span, err)
		}
		applyStatus(&t, opts.Status, now)
	}
	if len(changes) == 0 && !statusChanged {
		return current, nil
	}
	t.UpdatedAt = now

	err = e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
		if statusChanged && t.Status == domain.StatusCompleted {
			open, err := e.Repo.OpenFinishToStartTx(ctx, tx, t.ID, now)
			if err != nil {
				return err
			}
			if len(open) > 0 {
				return domain.UnmetDependencyError{TaskID: t.ID, Predecessors: open}
			}
		}
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		if len(changes) > 0 {
			evt, err := e.writer().Append(ctx, tx, events.TaskUpdated, t.ProjectID, "task", t.ID, opts.ActorID, changes)
			if err != nil {
				return err
			}
			emit(evt)
		}
		if statusChanged {
			evt, err := e.writer().Append(ctx, tx, events.TaskStatusChanged, t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
				"taskId": t.ID,
				"from":   current.Status,
				"to":     t.Status,
				"forced": opts.Force,
			})
			if err != nil {
				return err
			}
			emit(evt)
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, telemetry.Fail(span, err)
	}
	affected := []string{t.ID}
	if current.ParentID != nil && (t.ParentID == nil || *t.ParentID != *current.ParentID) {
		affected = append(affected, *current.ParentID)
	}
	e.refresh(ctx, opts.ActorID, affected...)
	return t, nil
}

// CompleteTask moves a task to completed. It fails with UnmetDependencyError while any
// finish-to-start predecessor is still open.
func (e Engine) CompleteTask(ctx context.Context, id, actorID string, force bool) (domain.Task, error) {
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Status: domain.StatusCompleted, Force: force, ActorID: actorID})
}

var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.StatusToDo:        {domain.StatusInProgress, domain.StatusOnHold, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusInProgress:  {domain.StatusUnderReview, domain.StatusOnHold, domain.StatusBlocked, domain.StatusCompleted, domain.StatusCancelled},
	domain.StatusUnderReview: {domain.StatusCompleted, domain.StatusInProgress, domain.StatusOnHold, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusOnHold:      {domain.StatusInProgress, domain.StatusBlocked, domain.StatusCompleted, domain.StatusCancelled},
	domain.StatusBlocked:     {domain.StatusInProgress, domain.StatusOnHold, domain.StatusCompleted, domain.StatusCancelled},
}

func ensureTaskTransition(from, to domain.TaskStatus, force bool) error {
	if !to.Valid() {
		return domain.ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}
	if force || slices.Contains(transitions[from], to) {
		return nil
	}
	return domain.InvalidTransitionError{From: from, To: to}
}

func applyStatus(t *domain.Task, to domain.TaskStatus, now time.Time) {
	t.Status = to
	if to == domain.StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to == domain.StatusCompleted {
		t.CompletedAt = &now
	} else {
		t.CompletedAt = nil
	}
}

// DeleteTask removes a task together with its subtree, every dependency edge touching
// them and their health records. It returns the ids removed, root first.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) ([]string, error) {
	ctx, span := telemetry.Start(ctx, "engine.delete_task", telemetry.TaskAttrs("", id)...)
	defer span.End()
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	ids, err := e.Repo.SubtreeIDsTx(ctx, tx, id)
	tx.Rollback()
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	removed := map[string]bool{}
	for _, v := range ids {
		removed[v] = true
	}
	var downstream []string
	for _, v := range ids {
		succ, err := e.Graph.Successors(ctx, v)
		if err != nil {
			return nil, telemetry.Fail(span, err)
		}
		for s := range succ {
			if !removed[s] {
				downstream = append(downstream, s)
			}
		}
	}

	err = e.Graph.RemoveTasks(ctx, ids, func(ctx context.Context) error {
		return e.withTx(ctx, func(tx *sql.Tx, emit func(domain.Event)) error {
			// The subtree may have grown since it was read.
			current, err := e.Repo.SubtreeIDsTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if len(current) != len(ids) {
				return domain.ConcurrentModificationError{Resource: "task " + id, Attempts: 1}
			}
			if err := e.Repo.DeleteTasksTx(ctx, tx, ids); err != nil {
				return err
			}
			evt, err := e.writer().Append(ctx, tx, events.TaskDeleted, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
				"title":   t.Title,
				"removed": ids,
			})
			if err != nil {
				return err
			}
			emit(evt)
			return nil
		})
	})
	if err != nil {
		return nil, telemetry.Fail(span, err)
	}
	h := e.healthEngine()
	for _, v := range ids {
		if err := h.Forget(ctx, v); err != nil {
			e.logger().Printf("forget health of %s: %v", v, err)
		}
	}
	affected := downstream
	if t.ParentID != nil {
		affected = append([]string{*t.ParentID}, downstream...)
	}
	e.refresh(ctx, actorID, affected...)
	return ids, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// TreeNode is a task with its stored health and its subtasks.
type TreeNode struct {
	Task     domain.Task          `json:"task"`
	Health   *domain.HealthRecord `json:"health,omitempty"`
	Children []*TreeNode          `json:"children,omitempty"`
}

// TaskTree returns the project's task hierarchy, roots ordered by creation.
func (e Engine) TaskTree(ctx context.Context, projectID string) ([]*TreeNode, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	records, err := e.Repo.ListProjectHealth(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string]domain.HealthRecord, len(records))
	for _, r := range records {
		byTask[r.TaskID] = r
	}
	nodes := make(map[string]*TreeNode, len(tasks))
	for _, t := range tasks {
		n := &TreeNode{Task: t}
		if r, ok := byTask[t.ID]; ok {
			n.Health = &r
		}
		nodes[t.ID] = n
	}
	var roots []*TreeNode
	for _, t := range tasks {
		n := nodes[t.ID]
		if t.ParentID != nil {
			if p, ok := nodes[*t.ParentID]; ok {
				p.Children = append(p.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func isUnknownTask(err error) bool {
	var unknown domain.UnknownTaskError
	return errors.As(err, &unknown)
}
