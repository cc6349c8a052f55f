package repo

import (
	"context"
	"database/sql"
	"time"

	"taskgraph/internal/domain"
)

// UpsertDependencyTx stores e; re-adding an existing typed edge updates its delay.
func (r Repo) UpsertDependencyTx(ctx context.Context, tx *sql.Tx, e domain.DependencyEdge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_deps(from_task_id,to_task_id,type,delay_days,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(from_task_id,to_task_id,type) DO UPDATE SET delay_days=excluded.delay_days`,
		e.From, e.To, e.Type, e.DelayDays, formatTime(e.CreatedAt))
	if err != nil {
		return err
	}
	return bumpGraphVersionTx(ctx, tx)
}

// DeleteDependencyTx removes every typed edge from -> to.
func (r Repo) DeleteDependencyTx(ctx context.Context, tx *sql.Tx, from, to string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE from_task_id=? AND to_task_id=?`, from, to)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return n, err
	}
	return n, bumpGraphVersionTx(ctx, tx)
}

// bumpGraphVersionTx marks the persisted edge set as changed for every open connection.
func bumpGraphVersionTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `UPDATE graph_version SET version = version + 1 WHERE id = 1`)
	return err
}

// EdgeVersion returns the counter bumped by every edge write, including cascades from
// task deletion.
func (r Repo) EdgeVersion(ctx context.Context) (int64, error) {
	var v int64
	err := r.DB.QueryRowContext(ctx, `SELECT version FROM graph_version WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// LoadEdges returns the whole persisted edge set.
func (r Repo) LoadEdges(ctx context.Context) ([]domain.DependencyEdge, error) {
	return loadEdges(ctx, r.DB)
}

// LoadEdgesTx is LoadEdges as seen inside tx.
func (r Repo) LoadEdgesTx(ctx context.Context, tx *sql.Tx) ([]domain.DependencyEdge, error) {
	return loadEdges(ctx, tx)
}

func loadEdges(ctx context.Context, q querier) ([]domain.DependencyEdge, error) {
	rows, err := q.QueryContext(ctx, `SELECT from_task_id,to_task_id,type,delay_days,created_at FROM task_deps ORDER BY from_task_id,to_task_id,type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		var created string
		if err := rows.Scan(&e.From, &e.To, &e.Type, &e.DelayDays, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// OpenFinishToStartTx lists the finish-to-start predecessors of taskID that do not yet
// allow it to complete at now, as seen inside tx. A predecessor is open until it is
// completed and its delay window has elapsed.
func (r Repo) OpenFinishToStartTx(ctx context.Context, tx *sql.Tx, taskID string, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT d.from_task_id, t.status, d.delay_days, t.completed_at FROM task_deps d
JOIN tasks t ON t.id = d.from_task_id WHERE d.to_task_id=? AND d.type=? ORDER BY d.from_task_id`,
		taskID, domain.FinishToStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var (
			id        string
			status    domain.TaskStatus
			delay     int
			completed sql.NullString
		)
		if err := rows.Scan(&id, &status, &delay, &completed); err != nil {
			return nil, err
		}
		if status != domain.StatusCompleted {
			ids = append(ids, id)
			continue
		}
		at, err := parseTimePtr(completed)
		if err != nil {
			return nil, err
		}
		if delay > 0 && at != nil && now.Before(at.AddDate(0, 0, delay)) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}
