package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskgraph/internal/domain"
)

func scanHealth(sc interface{ Scan(...any) error }) (domain.HealthRecord, error) {
	var h domain.HealthRecord
	var reasons, computed string
	if err := sc.Scan(&h.TaskID, &h.ProjectID, &h.CompletionPercentage, &h.HealthStatus, &reasons, &computed); err != nil {
		return h, err
	}
	var err error
	if h.Reasons, err = unmarshalStrings(reasons); err != nil {
		return h, err
	}
	if h.Reasons == nil {
		h.Reasons = []string{}
	}
	h.ComputedAt, err = parseTime(computed)
	return h, err
}

// GetHealth reports ok=false when no record has been derived yet.
func (r Repo) GetHealth(ctx context.Context, taskID string) (domain.HealthRecord, bool, error) {
	h, err := scanHealth(r.DB.QueryRowContext(ctx, `SELECT task_id,project_id,completion_percentage,health_status,reasons_json,computed_at FROM health_records WHERE task_id=?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return h, false, nil
	}
	if err != nil {
		return h, false, err
	}
	return h, true, nil
}

func (r Repo) SaveHealth(ctx context.Context, h domain.HealthRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO health_records(task_id,project_id,completion_percentage,health_status,reasons_json,computed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET project_id=excluded.project_id, completion_percentage=excluded.completion_percentage,
  health_status=excluded.health_status, reasons_json=excluded.reasons_json, computed_at=excluded.computed_at`,
		h.TaskID, h.ProjectID, h.CompletionPercentage, h.HealthStatus, marshalStrings(h.Reasons), formatTime(h.ComputedAt))
	return err
}

func (r Repo) DeleteHealth(ctx context.Context, taskID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM health_records WHERE task_id=?`, taskID)
	return err
}

func (r Repo) ListProjectHealth(ctx context.Context, projectID string) ([]domain.HealthRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,project_id,completion_percentage,health_status,reasons_json,computed_at FROM health_records WHERE project_id=? ORDER BY task_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HealthRecord
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
