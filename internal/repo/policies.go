package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

const policyColumns = `id,owner_id,COALESCE(project_id,''),name,COALESCE(description,''),type,conditions_json,action,severity,active,expires_at,triggered_count,created_at`

// severityRank orders CRITICAL first.
const severityRank = `CASE severity WHEN 'CRITICAL' THEN 4 WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 WHEN 'LOW' THEN 1 ELSE 0 END`

func scanPolicy(s rowScanner) (domain.Policy, error) {
	var p domain.Policy
	var conditions string
	var active int
	var expires sql.NullString
	err := s.Scan(&p.ID, &p.OwnerID, &p.ProjectID, &p.Name, &p.Description, &p.Type, &conditions, &p.Action, &p.Severity,
		&active, &expires, &p.TriggeredCount, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Active = active == 1
	p.ExpiresAt = stringPtr(expires)
	if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
		return p, err
	}
	if p.Conditions == nil {
		p.Conditions = map[string]any{}
	}
	return p, nil
}

func (r Repo) queryPolicies(ctx context.Context, query string, args ...any) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CreatePolicy(ctx context.Context, p domain.Policy) error {
	conditions, err := marshalJSON(p.Conditions)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO policies(id,owner_id,project_id,name,description,type,conditions_json,action,severity,active,expires_at,triggered_count,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			p.ID, p.OwnerID, nullable(p.ProjectID), p.Name, nullable(p.Description), p.Type, conditions, p.Action, p.Severity,
			boolInt(p.Active), nullableStringPtr(p.ExpiresAt), p.TriggeredCount, p.CreatedAt); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.PolicyCreated, p.ProjectID, "policy", p.ID, p.OwnerID,
			events.EventPayload{"type": p.Type, "action": p.Action, "severity": p.Severity})
	})
}

func (r Repo) GetPolicy(ctx context.Context, ownerID, id string) (domain.Policy, error) {
	return scanPolicy(r.DB.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=? AND owner_id=?`, id, ownerID))
}

// ListPolicies returns every policy of the owner, newest first.
func (r Repo) ListPolicies(ctx context.Context, ownerID string) ([]domain.Policy, error) {
	return r.queryPolicies(ctx, `SELECT `+policyColumns+` FROM policies WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
}

// ActivePolicies returns the policies that apply to an action: active,
// unexpired at now, and global or scoped to projectID. Most severe first,
// then oldest first.
func (r Repo) ActivePolicies(ctx context.Context, ownerID, projectID string, now time.Time) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies
WHERE owner_id=? AND active=1 AND (expires_at IS NULL OR expires_at>=?) AND (project_id IS NULL`
	args := []any{ownerID, domain.FormatTime(now)}
	if projectID != "" {
		query += ` OR project_id=?`
		args = append(args, projectID)
	}
	query += `) ORDER BY ` + severityRank + ` DESC, created_at ASC, id ASC`
	return r.queryPolicies(ctx, query, args...)
}

func (r Repo) SetPolicyActive(ctx context.Context, ownerID, id string, active bool) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var projectID string
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(project_id,'') FROM policies WHERE id=? AND owner_id=?`, id, ownerID).Scan(&projectID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE policies SET active=? WHERE id=?`, boolInt(active), id); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.PolicyUpdated, projectID, "policy", id, ownerID, events.EventPayload{"active": active})
	})
}

// RecordViolation persists the side effects of one detected violation
// atomically.
func (r Repo) RecordViolation(ctx context.Context, v domain.Violation) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE policies SET triggered_count=triggered_count+1 WHERE id=?`, v.PolicyID)
		if err != nil {
			return err
		}
		if err := expectAffected(res); err != nil {
			return err
		}
		if err := r.Events.Append(ctx, tx, events.PolicyTriggered, v.ProjectID, "policy", v.PolicyID, v.OwnerID,
			events.EventPayload{"reason": v.Reason}); err != nil {
			return err
		}
		if b := v.BlockedAction; b != nil {
			action, err := marshalJSON(b.Action)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO blocked_actions(id,owner_id,policy_id,agent_id,action_json,reason,environment,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
				b.ID, b.OwnerID, b.PolicyID, b.AgentID, action, b.Reason, b.Environment, b.Status, b.CreatedAt); err != nil {
				return err
			}
			if err := r.Events.Append(ctx, tx, events.BlockedActionCreated, v.ProjectID, "blocked_action", b.ID, v.OwnerID,
				events.EventPayload{"policy_id": b.PolicyID, "agent_id": b.AgentID}); err != nil {
				return err
			}
		}
		if n := v.Notification; n != nil {
			if err := r.insertNotification(ctx, tx, *n); err != nil {
				return err
			}
		}
		return nil
	})
}

const blockedColumns = `id,owner_id,policy_id,agent_id,action_json,reason,environment,status,created_at,resolved_at,COALESCE(resolved_by,'')`

func scanBlocked(s rowScanner) (domain.BlockedAction, error) {
	var b domain.BlockedAction
	var action string
	var resolvedAt sql.NullString
	err := s.Scan(&b.ID, &b.OwnerID, &b.PolicyID, &b.AgentID, &action, &b.Reason, &b.Environment, &b.Status, &b.CreatedAt, &resolvedAt, &b.ResolvedBy)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.ResolvedAt = stringPtr(resolvedAt)
	return b, json.Unmarshal([]byte(action), &b.Action)
}

func (r Repo) ListBlockedActions(ctx context.Context, ownerID, status string, limit int) ([]domain.BlockedAction, error) {
	query := `SELECT ` + blockedColumns + ` FROM blocked_actions WHERE owner_id=?`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.BlockedAction{}
	for rows.Next() {
		b, err := scanBlocked(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) GetBlockedActionTx(ctx context.Context, tx *sql.Tx, ownerID, id string) (domain.BlockedAction, error) {
	return scanBlocked(tx.QueryRowContext(ctx, `SELECT `+blockedColumns+` FROM blocked_actions WHERE id=? AND owner_id=?`, id, ownerID))
}

// ResolveBlockedActionTx moves a PENDING record to status. The caller checks
// the transition.
func (r Repo) ResolveBlockedActionTx(ctx context.Context, tx *sql.Tx, b domain.BlockedAction) error {
	res, err := tx.ExecContext(ctx, `UPDATE blocked_actions SET status=?, resolved_at=?, resolved_by=? WHERE id=? AND status=?`,
		b.Status, nullableStringPtr(b.ResolvedAt), nullable(b.ResolvedBy), b.ID, domain.BlockedPending)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
