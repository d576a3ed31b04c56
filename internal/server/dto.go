package server

import (
	"encoding/json"
	"time"

	"dracanus/internal/domain"
)

// Request payloads

type SubmitGoalRequest struct {
	Goal        string         `json:"goal" minLength:"1"`
	ProjectID   string         `json:"project_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Environment string         `json:"environment,omitempty" enum:"sandbox,production"`
}

type CreatePolicyRequest struct {
	ProjectID   string         `json:"project_id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type" enum:"RATE_LIMIT,CONTENT_FILTER,APPROVAL_REQUIRED,BUDGET_LIMIT,TIME_WINDOW,CUSTOM"`
	Conditions  map[string]any `json:"conditions"`
	Action      string         `json:"action" enum:"WARN,BLOCK,REQUIRE_APPROVAL"`
	Severity    string         `json:"severity,omitempty" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	Active      *bool          `json:"active,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

type UpdatePolicyRequest struct {
	Active bool `json:"active"`
}

type ResolveBlockedRequest struct {
	Status string `json:"status" enum:"APPROVED,REJECTED"`
}

type DeployAgentRequest struct {
	ProjectID   string         `json:"project_id,omitempty"`
	Environment string         `json:"environment,omitempty" enum:"sandbox,production"`
	Config      map[string]any `json:"config,omitempty"`
}

type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

type DevLoginRequest struct {
	OwnerID string `json:"owner_id"`
}

// Response payloads

type AnalyzeResponse struct {
	InsightsGenerated int               `json:"insightsGenerated"`
	Insights          []domain.Learning `json:"insights"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	OwnerID    string         `json:"owner_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		OwnerID:    evt.OwnerID,
		Payload:    payload,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
