package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

const executionColumns = `id,owner_id,agent_id,COALESCE(goal_id,''),COALESCE(project_id,''),input_json,output_json,status,COALESCE(error,''),
	policies_checked_json,COALESCE(blocked_by,''),started_at,completed_at,duration_ms,tokens_used,cost,metadata_json`

func scanExecution(s rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var input, policies string
	var output, completedAt, metadata sql.NullString
	var duration, tokens sql.NullInt64
	var cost sql.NullFloat64
	err := s.Scan(&e.ID, &e.OwnerID, &e.AgentID, &e.GoalID, &e.ProjectID, &input, &output, &e.Status, &e.Error,
		&policies, &e.BlockedBy, &e.StartedAt, &completedAt, &duration, &tokens, &cost, &metadata)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(input), &e.Input); err != nil {
		return e, err
	}
	if output.Valid && output.String != "" {
		e.Output = json.RawMessage(output.String)
	}
	if err := json.Unmarshal([]byte(policies), &e.PoliciesChecked); err != nil {
		return e, err
	}
	if e.PoliciesChecked == nil {
		e.PoliciesChecked = []string{}
	}
	e.CompletedAt = stringPtr(completedAt)
	if duration.Valid {
		d := duration.Int64
		e.DurationMs = &d
	}
	if tokens.Valid {
		t := int(tokens.Int64)
		e.TokensUsed = &t
	}
	if cost.Valid {
		c := cost.Float64
		e.Cost = &c
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return e, err
		}
	}
	return e, nil
}

type executionJSON struct {
	input, output, policies, metadata any
}

func encodeExecution(e domain.Execution) (executionJSON, error) {
	var enc executionJSON
	in, err := marshalJSON(e.Input)
	if err != nil {
		return enc, err
	}
	enc.input = in
	if len(e.Output) > 0 {
		enc.output = string(e.Output)
	}
	checked := e.PoliciesChecked
	if checked == nil {
		checked = []string{}
	}
	if enc.policies, err = marshalJSON(checked); err != nil {
		return enc, err
	}
	if e.Metadata != nil {
		if enc.metadata, err = marshalJSON(e.Metadata); err != nil {
			return enc, err
		}
	}
	return enc, nil
}

func executionEvent(status string) string {
	switch status {
	case domain.ExecRunning:
		return events.ExecutionStarted
	case domain.ExecBlocked:
		return events.ExecutionBlocked
	default:
		return events.ExecutionFinished
	}
}

// InsertExecution stores a new execution in any status. RUNNING rows are
// later closed by FinishExecution.
func (r Repo) InsertExecution(ctx context.Context, e domain.Execution) error {
	enc, err := encodeExecution(e)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO executions(id,owner_id,agent_id,goal_id,project_id,input_json,output_json,status,error,policies_checked_json,blocked_by,started_at,completed_at,duration_ms,tokens_used,cost,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.ID, e.OwnerID, e.AgentID, nullable(e.GoalID), nullable(e.ProjectID), enc.input, enc.output, e.Status, nullable(e.Error),
			enc.policies, nullable(e.BlockedBy), e.StartedAt, nullableStringPtr(e.CompletedAt), nullableInt64Ptr(e.DurationMs),
			nullableIntPtr(e.TokensUsed), nullableFloatPtr(e.Cost), enc.metadata); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, executionEvent(e.Status), e.ProjectID, "execution", e.ID, e.OwnerID,
			events.EventPayload{"agent_id": e.AgentID, "goal_id": e.GoalID, "status": e.Status})
	})
}

// FinishExecution finalizes a RUNNING execution exactly once.
func (r Repo) FinishExecution(ctx context.Context, e domain.Execution) error {
	enc, err := encodeExecution(e)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE executions SET output_json=?, status=?, error=?, policies_checked_json=?, completed_at=?, duration_ms=?, tokens_used=?, cost=?, metadata_json=?
WHERE id=? AND status='RUNNING'`,
			enc.output, e.Status, nullable(e.Error), enc.policies, nullableStringPtr(e.CompletedAt), nullableInt64Ptr(e.DurationMs),
			nullableIntPtr(e.TokensUsed), nullableFloatPtr(e.Cost), enc.metadata, e.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotRunning
		}
		return r.Events.Append(ctx, tx, events.ExecutionFinished, e.ProjectID, "execution", e.ID, e.OwnerID,
			events.EventPayload{"agent_id": e.AgentID, "goal_id": e.GoalID, "status": e.Status})
	})
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

type ExecutionFilter struct {
	OwnerID   string
	AgentID   string
	Status    string
	ProjectID string
	GoalID    string
	Since     string
	Until     string
	Limit     int
}

// ListExecutions returns matching executions, newest first.
func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	add := func(clause string, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("owner_id=?", f.OwnerID)
	add("agent_id=?", f.AgentID)
	add("status=?", f.Status)
	add("project_id=?", f.ProjectID)
	add("goal_id=?", f.GoalID)
	add("started_at>=?", f.Since)
	add("started_at<=?", f.Until)
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountExecutionsSince counts every execution for owner and agent started at
// or after since, whatever its status.
func (r Repo) CountExecutionsSince(ctx context.Context, ownerID, agentID string, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE owner_id=? AND agent_id=? AND started_at>=?`,
		ownerID, agentID, domain.FormatTime(since)).Scan(&n)
	return n, err
}

// SumCostSince totals recorded cost across all of the owner's executions.
func (r Repo) SumCostSince(ctx context.Context, ownerID string, since time.Time) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost),0) FROM executions WHERE owner_id=? AND started_at>=?`,
		ownerID, domain.FormatTime(since)).Scan(&total)
	return total, err
}
