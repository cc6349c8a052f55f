package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskgraph/internal/domain"
)

const patternColumns = `id,project_id,title,description,priority,assignees_json,parent_task_id,frequency,interval_n,start_date,end_kind,end_count,end_date,last_generated_until,generated_count,active,created_at,updated_at`

func scanPattern(sc interface{ Scan(...any) error }) (domain.RecurrencePattern, error) {
	var (
		p                                  domain.RecurrencePattern
		description, priority, parentID    sql.NullString
		endDate, watermark                 sql.NullString
		endCount                           sql.NullInt64
		assignees, start, created, updated string
		active                             int
	)
	err := sc.Scan(&p.ID, &p.ProjectID, &p.Template.Title, &description, &priority, &assignees, &parentID,
		&p.Frequency, &p.Interval, &start, &p.End.Kind, &endCount, &endDate, &watermark, &p.GeneratedCount,
		&active, &created, &updated)
	if err != nil {
		return p, err
	}
	p.Template.Description = description.String
	p.Template.Priority = domain.Priority(priority.String)
	p.ParentTaskID = stringPtr(parentID)
	p.Active = active != 0
	if endCount.Valid {
		p.End.Count = int(endCount.Int64)
	}
	if p.Template.Assignees, err = unmarshalStrings(assignees); err != nil {
		return p, fmt.Errorf("pattern %s assignees: %w", p.ID, err)
	}
	if p.StartDate, err = parseTime(start); err != nil {
		return p, err
	}
	if p.End.Date, err = parseTimePtr(endDate); err != nil {
		return p, err
	}
	if p.LastGeneratedUntil, err = parseTimePtr(watermark); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return p, err
	}
	return p, nil
}

func endCountArg(e domain.EndCondition) any {
	if e.Kind != domain.EndAfterCount {
		return nil
	}
	return e.Count
}

func endKind(e domain.EndCondition) domain.EndKind {
	if e.Kind == "" {
		return domain.EndNever
	}
	return e.Kind
}

func (r Repo) InsertPatternTx(ctx context.Context, tx *sql.Tx, p domain.RecurrencePattern) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO recurrence_patterns(`+patternColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Template.Title, nullable(p.Template.Description), nullable(string(p.Template.Priority)),
		marshalStrings(p.Template.Assignees), nullableStringPtr(p.ParentTaskID), p.Frequency, p.Interval,
		formatDate(p.StartDate), endKind(p.End), endCountArg(p.End), formatDatePtr(p.End.Date),
		formatDatePtr(p.LastGeneratedUntil), p.GeneratedCount, boolInt(p.Active), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

// UpdatePatternTx rewrites the definition of a pattern. The watermark and generated count
// are owned by the scheduler and are left alone.
func (r Repo) UpdatePatternTx(ctx context.Context, tx *sql.Tx, p domain.RecurrencePattern) error {
	res, err := tx.ExecContext(ctx, `UPDATE recurrence_patterns SET title=?,description=?,priority=?,assignees_json=?,parent_task_id=?,frequency=?,interval_n=?,start_date=?,end_kind=?,end_count=?,end_date=?,active=?,updated_at=? WHERE id=?`,
		p.Template.Title, nullable(p.Template.Description), nullable(string(p.Template.Priority)), marshalStrings(p.Template.Assignees),
		nullableStringPtr(p.ParentTaskID), p.Frequency, p.Interval, formatDate(p.StartDate), endKind(p.End), endCountArg(p.End),
		formatDatePtr(p.End.Date), boolInt(p.Active), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPattern(ctx context.Context, id string) (domain.RecurrencePattern, error) {
	p, err := scanPattern(r.DB.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM recurrence_patterns WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) listPatterns(ctx context.Context, query string, args ...any) ([]domain.RecurrencePattern, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecurrencePattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPatterns(ctx context.Context, projectID string) ([]domain.RecurrencePattern, error) {
	return r.listPatterns(ctx, `SELECT `+patternColumns+` FROM recurrence_patterns WHERE project_id=? ORDER BY created_at, id`, projectID)
}

func (r Repo) ListActivePatterns(ctx context.Context) ([]domain.RecurrencePattern, error) {
	return r.listPatterns(ctx, `SELECT `+patternColumns+` FROM recurrence_patterns WHERE active=1 ORDER BY id`)
}

func (r Repo) DeletePatternTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM recurrence_patterns WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveOccurrence claims (patternID, date). False means an earlier run already
// materialized that occurrence.
func (r Repo) ReserveOccurrence(ctx context.Context, tx *sql.Tx, patternID string, date time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO pattern_occurrences(pattern_id,occurrence_date,created_at) VALUES (?,?,?) ON CONFLICT(pattern_id,occurrence_date) DO NOTHING`,
		patternID, formatDate(date), formatTime(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) BindOccurrence(ctx context.Context, tx *sql.Tx, patternID string, date time.Time, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE pattern_occurrences SET task_id=? WHERE pattern_id=? AND occurrence_date=?`,
		taskID, patternID, formatDate(date))
	return err
}

// AdvanceWatermark moves last_generated_until to until unless it is already later.
func (r Repo) AdvanceWatermark(ctx context.Context, tx *sql.Tx, patternID string, until time.Time, generated int, now time.Time) error {
	u := formatDate(until)
	_, err := tx.ExecContext(ctx, `UPDATE recurrence_patterns
SET last_generated_until = CASE WHEN last_generated_until IS NULL OR last_generated_until < ? THEN ? ELSE last_generated_until END,
    generated_count = generated_count + ?,
    updated_at = ?
WHERE id=?`, u, u, generated, formatTime(now), patternID)
	return err
}

func (r Repo) DeactivatePattern(ctx context.Context, tx *sql.Tx, patternID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE recurrence_patterns SET active=0, updated_at=? WHERE id=?`, formatTime(now), patternID)
	return err
}

type Occurrence struct {
	PatternID string    `json:"pattern_id"`
	Date      time.Time `json:"occurrence_date"`
	TaskID    *string   `json:"task_id,omitempty"`
}

func (r Repo) ListOccurrences(ctx context.Context, patternID string) ([]Occurrence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT pattern_id,occurrence_date,task_id FROM pattern_occurrences WHERE pattern_id=? ORDER BY occurrence_date`, patternID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Occurrence
	for rows.Next() {
		var o Occurrence
		var date string
		var taskID sql.NullString
		if err := rows.Scan(&o.PatternID, &date, &taskID); err != nil {
			return nil, err
		}
		if o.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		o.TaskID = stringPtr(taskID)
		res = append(res, o)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
