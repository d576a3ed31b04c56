package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

// InsertLearnings stores one analysis batch together with a single
// learning.analyzed event.
func (r Repo) InsertLearnings(ctx context.Context, ownerID string, learnings []domain.Learning) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, l := range learnings {
			pattern, err := marshalJSON(l.Pattern)
			if err != nil {
				return err
			}
			sources, err := marshalJSON(l.SourceExecutionIDs)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO learnings(id,owner_id,agent_id,type,pattern_json,insight,confidence,source_execution_ids_json,applied,verified,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
				l.ID, l.OwnerID, nullable(l.AgentID), l.Type, pattern, l.Insight, l.Confidence, sources,
				boolInt(l.Applied), boolInt(l.Verified), l.CreatedAt); err != nil {
				return err
			}
		}
		return r.Events.Append(ctx, tx, events.LearningAnalyzed, "", "learning", "", ownerID,
			events.EventPayload{"insights": len(learnings)})
	})
}

// ListLearnings returns the highest-confidence insights first, newest first
// among equals.
func (r Repo) ListLearnings(ctx context.Context, ownerID string, limit int) ([]domain.Learning, error) {
	query := `SELECT id,owner_id,COALESCE(agent_id,''),type,pattern_json,insight,confidence,source_execution_ids_json,applied,verified,created_at
FROM learnings WHERE owner_id=? ORDER BY confidence DESC, created_at DESC, id ASC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Learning{}
	for rows.Next() {
		var l domain.Learning
		var pattern, sources string
		var applied, verified int
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.AgentID, &l.Type, &pattern, &l.Insight, &l.Confidence, &sources, &applied, &verified, &l.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pattern), &l.Pattern); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sources), &l.SourceExecutionIDs); err != nil {
			return nil, err
		}
		l.Applied = applied == 1
		l.Verified = verified == 1
		res = append(res, l)
	}
	return res, rows.Err()
}
