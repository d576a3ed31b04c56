package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

const goalColumns = `id,owner_id,COALESCE(project_id,''),description,status,priority,environment,jobs_json,COALESCE(summary,''),created_at,completed_at`

func scanGoal(s rowScanner) (domain.Goal, error) {
	var g domain.Goal
	var jobs, completedAt sql.NullString
	err := s.Scan(&g.ID, &g.OwnerID, &g.ProjectID, &g.Description, &g.Status, &g.Priority, &g.Environment, &jobs, &g.Summary, &g.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.CompletedAt = stringPtr(completedAt)
	if jobs.Valid && jobs.String != "" {
		if err := json.Unmarshal([]byte(jobs.String), &g.Jobs); err != nil {
			return g, err
		}
	}
	return g, nil
}

func (r Repo) InsertGoal(ctx context.Context, g domain.Goal) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO goals(id,owner_id,project_id,description,status,priority,environment,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			g.ID, g.OwnerID, nullable(g.ProjectID), g.Description, g.Status, g.Priority, g.Environment, g.CreatedAt); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.GoalSubmitted, g.ProjectID, "goal", g.ID, g.OwnerID,
			events.EventPayload{"environment": g.Environment})
	})
}

// SetGoalJobs snapshots the routed job list and moves the goal to EXECUTING.
func (r Repo) SetGoalJobs(ctx context.Context, g domain.Goal, jobs []domain.Job) error {
	data, err := marshalJSON(jobs)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE goals SET jobs_json=?, status=? WHERE id=?`, data, domain.GoalExecuting, g.ID)
		if err != nil {
			return err
		}
		if err := expectAffected(res); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.GoalDecomposed, g.ProjectID, "goal", g.ID, g.OwnerID,
			events.EventPayload{"jobs": len(jobs)})
	})
}

// FinishGoal writes the terminal status and summary.
func (r Repo) FinishGoal(ctx context.Context, g domain.Goal, status, summary, completedAt string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE goals SET status=?, summary=?, completed_at=? WHERE id=?`, status, nullable(summary), completedAt, g.ID)
		if err != nil {
			return err
		}
		if err := expectAffected(res); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.GoalFinished, g.ProjectID, "goal", g.ID, g.OwnerID,
			events.EventPayload{"status": status, "summary": summary})
	})
}

func (r Repo) GetGoal(ctx context.Context, ownerID, id string) (domain.Goal, error) {
	return scanGoal(r.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=? AND owner_id=?`, id, ownerID))
}

func (r Repo) ListGoals(ctx context.Context, ownerID string, limit int) ([]domain.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE owner_id=? ORDER BY created_at DESC, id DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
