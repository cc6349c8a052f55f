package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskgraph/internal/domain"
)

const taskColumns = `id,project_id,parent_id,title,description,status,priority,due_date,assignees_json,completion_percentage,weight,recurrence_ref,occurrence_date,created_at,updated_at,started_at,completed_at`

func scanTask(sc interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                                             domain.Task
		parentID, description, dueDate, recurrenceRef sql.NullString
		occurrence, startedAt, completedAt            sql.NullString
		assignees, createdAt, updatedAt               string
		pct                                           sql.NullInt64
	)
	err := sc.Scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &description, &t.Status, &t.Priority, &dueDate,
		&assignees, &pct, &t.Weight, &recurrenceRef, &occurrence, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.ParentID = stringPtr(parentID)
	t.RecurrenceRef = stringPtr(recurrenceRef)
	if pct.Valid {
		v := int(pct.Int64)
		t.CompletionPercentage = &v
	}
	if t.Assignees, err = unmarshalStrings(assignees); err != nil {
		return t, fmt.Errorf("task %s assignees: %w", t.ID, err)
	}
	if t.DueDate, err = parseTimePtr(dueDate); err != nil {
		return t, err
	}
	if t.OccurrenceDate, err = parseTimePtr(occurrence); err != nil {
		return t, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.ParentID), t.Title, nullable(t.Description), t.Status, t.Priority,
		formatTimePtr(t.DueDate), marshalStrings(t.Assignees), nullableIntPtr(t.CompletionPercentage), t.Weight,
		nullableStringPtr(t.RecurrenceRef), formatDatePtr(t.OccurrenceDate), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET parent_id=?,title=?,description=?,status=?,priority=?,due_date=?,assignees_json=?,completion_percentage=?,weight=?,recurrence_ref=?,updated_at=?,started_at=?,completed_at=? WHERE id=?`,
		nullableStringPtr(t.ParentID), t.Title, nullable(t.Description), t.Status, t.Priority, formatTimePtr(t.DueDate),
		marshalStrings(t.Assignees), nullableIntPtr(t.CompletionPercentage), t.Weight, nullableStringPtr(t.RecurrenceRef),
		formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.UnknownTaskError{TaskID: t.ID}
	}
	return nil
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, domain.UnknownTaskError{TaskID: id}
	}
	return t, err
}

// GetTask returns domain.UnknownTaskError when id does not exist.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func (r Repo) TaskExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

type TaskFilters struct {
	ProjectID     string
	Status        string
	Priority      string
	Parent        string
	RootsOnly     bool
	RecurrenceRef string
	Limit         int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.Parent)
	} else if f.RootsOnly {
		clauses = append(clauses, "parent_id IS NULL")
	}
	if f.RecurrenceRef != "" {
		clauses = append(clauses, "recurrence_ref=?")
		args = append(args, f.RecurrenceRef)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return listTasks(ctx, r.DB, query, args...)
}

func listTasks(ctx context.Context, q querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, `SELECT `+taskColumns+` FROM tasks WHERE parent_id=? ORDER BY id`, parentID)
}

// SubtreeIDsTx returns id and all of its descendants, parents before children.
func (r Repo) SubtreeIDsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `WITH RECURSIVE sub(id, depth) AS (
  SELECT id, 0 FROM tasks WHERE id=?
  UNION ALL
  SELECT t.id, sub.depth+1 FROM tasks t JOIN sub ON t.parent_id = sub.id
)
SELECT id FROM sub ORDER BY depth, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, rows.Err()
}

// AncestorIDs returns the parent chain of id, nearest first.
func (r Repo) AncestorIDs(ctx context.Context, id string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `WITH RECURSIVE up(id, parent_id, depth) AS (
  SELECT id, parent_id, 0 FROM tasks WHERE id=?
  UNION ALL
  SELECT t.id, t.parent_id, up.depth+1 FROM tasks t JOIN up ON t.id = up.parent_id
)
SELECT id FROM up WHERE depth > 0 ORDER BY depth`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, rows.Err()
}

// DeleteTasksTx removes the given tasks. Their edges, health records and children go with
// them through foreign key cascades.
func (r Repo) DeleteTasksTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...); err != nil {
		return err
	}
	return bumpGraphVersionTx(ctx, tx)
}

// DetachInstancesTx clears the recurrence reference of every instance generated by patternID.
func (r Repo) DetachInstancesTx(ctx context.Context, tx *sql.Tx, patternID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET recurrence_ref=NULL WHERE recurrence_ref=?`, patternID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}
