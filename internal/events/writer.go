package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dracanus/internal/domain"
)

// Event types written by the core.
const (
	GoalSubmitted         = "goal.submitted"
	GoalDecomposed        = "goal.decomposed"
	GoalFinished          = "goal.finished"
	ExecutionStarted      = "execution.started"
	ExecutionFinished     = "execution.finished"
	ExecutionBlocked      = "execution.blocked"
	PolicyCreated         = "policy.created"
	PolicyUpdated         = "policy.updated"
	PolicyTriggered       = "policy.triggered"
	BlockedActionCreated  = "blocked_action.created"
	BlockedActionResolved = "blocked_action.resolved"
	NotificationCreated   = "notification.created"
	LearningAnalyzed      = "learning.analyzed"
	AgentDeployed         = "agent.deployed"
	AgentSeeded           = "agent.seeded"
	ProjectCreated        = "project.created"
	APIKeyCreated         = "api_key.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, ownerID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,owner_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, nullable(projectID), entityKind, nullable(entityID), ownerID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
