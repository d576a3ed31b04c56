package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// lexical order in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and plain RFC3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Agent categories.
const (
	CategoryEmail    = "EMAIL"
	CategoryCalendar = "CALENDAR"
	CategoryResearch = "RESEARCH"
	CategoryDocument = "DOCUMENT"
	CategoryData     = "DATA"
	CategoryCode     = "CODE"
	CategorySupport  = "SUPPORT"
	CategoryWorkflow = "WORKFLOW"
)

// Categories is the fixed decomposition taxonomy in prompt order.
var Categories = []string{
	CategoryEmail, CategoryCalendar, CategoryResearch, CategoryDocument,
	CategoryData, CategoryCode, CategorySupport, CategoryWorkflow,
}

// IsCategory reports whether c belongs to the taxonomy.
func IsCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// Goal statuses.
const (
	GoalDecomposing = "DECOMPOSING"
	GoalExecuting   = "EXECUTING"
	GoalCompleted   = "COMPLETED"
	GoalFailed      = "FAILED"
	GoalBlocked     = "BLOCKED"
)

// Execution statuses.
const (
	ExecRunning   = "RUNNING"
	ExecCompleted = "COMPLETED"
	ExecFailed    = "FAILED"
	ExecBlocked   = "BLOCKED"
)

// Policy types.
const (
	PolicyRateLimit        = "RATE_LIMIT"
	PolicyContentFilter    = "CONTENT_FILTER"
	PolicyApprovalRequired = "APPROVAL_REQUIRED"
	PolicyBudgetLimit      = "BUDGET_LIMIT"
	PolicyTimeWindow       = "TIME_WINDOW"
	PolicyCustom           = "CUSTOM"
)

// Policy actions.
const (
	ActionWarn            = "WARN"
	ActionBlock           = "BLOCK"
	ActionRequireApproval = "REQUIRE_APPROVAL"
)

// Policy severities, lowest first.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Blocked action resolution states.
const (
	BlockedPending  = "PENDING"
	BlockedApproved = "APPROVED"
	BlockedRejected = "REJECTED"
)

// Learning types.
const (
	LearningSuccessPattern    = "SUCCESS_PATTERN"
	LearningFailurePattern    = "FAILURE_PATTERN"
	LearningPerformanceTip    = "PERFORMANCE_TIP"
	LearningRoutingPreference = "ROUTING_PREFERENCE"
	LearningPolicyTrigger     = "POLICY_TRIGGER"
)

// Environments.
const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

type Project struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Color           string `json:"color"`
	Icon            string `json:"icon,omitempty"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	DeploymentCount int    `json:"deployment_count"`
	PolicyCount     int    `json:"policy_count"`
	ExecutionCount  int    `json:"execution_count"`
}

type Agent struct {
	ID              string   `json:"id"`
	Slug            string   `json:"slug"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Category        string   `json:"category" enum:"EMAIL,CALENDAR,RESEARCH,DOCUMENT,DATA,CODE,SUPPORT,WORKFLOW"`
	SystemPrompt    string   `json:"system_prompt"`
	ModelPreference string   `json:"model_preference"`
	Capabilities    []string `json:"capabilities"`
	PricePerMonth   int      `json:"price_per_month"`
	Tier            int      `json:"tier"`
	Featured        bool     `json:"featured"`
	Active          bool     `json:"active"`
	DeploymentCount int      `json:"deployment_count"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type Deployment struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	AgentID     string         `json:"agent_id"`
	ProjectID   string         `json:"project_id,omitempty"`
	Environment string         `json:"environment" enum:"sandbox,production"`
	Config      map[string]any `json:"config"`
	Status      string         `json:"status"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// Job is one decomposed unit of work. Dependencies hold indices into the
// decomposed job list.
type Job struct {
	AgentID      string `json:"agent_id"`
	Category     string `json:"category,omitempty"`
	Task         string `json:"task"`
	Priority     int    `json:"priority"`
	Dependencies []int  `json:"dependencies"`
}

type Goal struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	ProjectID   string  `json:"project_id,omitempty"`
	Description string  `json:"description"`
	Status      string  `json:"status" enum:"DECOMPOSING,EXECUTING,COMPLETED,FAILED,BLOCKED"`
	Priority    int     `json:"priority"`
	Environment string  `json:"environment"`
	Jobs        []Job   `json:"jobs,omitempty"`
	Summary     string  `json:"summary,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// TaskInput is what an execution was asked to do; replay feeds it back verbatim.
type TaskInput struct {
	Goal       string         `json:"goal"`
	Context    map[string]any `json:"context,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Execution struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	AgentID         string          `json:"agent_id"`
	GoalID          string          `json:"goal_id,omitempty"`
	ProjectID       string          `json:"project_id,omitempty"`
	Input           TaskInput       `json:"input"`
	Output          json.RawMessage `json:"output,omitempty"`
	Status          string          `json:"status" enum:"RUNNING,COMPLETED,FAILED,BLOCKED"`
	Error           string          `json:"error,omitempty"`
	PoliciesChecked []string        `json:"policies_checked"`
	BlockedBy       string          `json:"blocked_by,omitempty"`
	StartedAt       string          `json:"started_at" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
	DurationMs      *int64          `json:"duration_ms,omitempty"`
	TokensUsed      *int            `json:"tokens_used,omitempty"`
	Cost            *float64        `json:"cost,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// Terminal reports whether the execution reached a final status.
func (e Execution) Terminal() bool {
	return e.Status == ExecCompleted || e.Status == ExecFailed || e.Status == ExecBlocked
}

type Policy struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	ProjectID      string         `json:"project_id,omitempty"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Type           string         `json:"type" enum:"RATE_LIMIT,CONTENT_FILTER,APPROVAL_REQUIRED,BUDGET_LIMIT,TIME_WINDOW,CUSTOM"`
	Conditions     map[string]any `json:"conditions"`
	Action         string         `json:"action" enum:"WARN,BLOCK,REQUIRE_APPROVAL"`
	Severity       string         `json:"severity" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	Active         bool           `json:"active"`
	ExpiresAt      *string        `json:"expires_at,omitempty" format:"date-time"`
	TriggeredCount int            `json:"triggered_count"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type BlockedAction struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	PolicyID    string         `json:"policy_id"`
	AgentID     string         `json:"agent_id"`
	Action      map[string]any `json:"action"`
	Reason      string         `json:"reason"`
	Environment string         `json:"environment"`
	Status      string         `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ResolvedAt  *string        `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

// Violation is everything persisted when a policy matches: the trigger
// counter bump, plus an optional blocked action and notification.
type Violation struct {
	PolicyID      string
	OwnerID       string
	ProjectID     string
	Reason        string
	BlockedAction *BlockedAction
	Notification  *Notification
}

type Learning struct {
	ID                 string         `json:"id"`
	OwnerID            string         `json:"owner_id"`
	AgentID            string         `json:"agent_id,omitempty"`
	Type               string         `json:"type" enum:"SUCCESS_PATTERN,FAILURE_PATTERN,PERFORMANCE_TIP,ROUTING_PREFERENCE,POLICY_TRIGGER"`
	Pattern            map[string]any `json:"pattern"`
	Insight            string         `json:"insight"`
	Confidence         float64        `json:"confidence"`
	SourceExecutionIDs []string       `json:"source_execution_ids"`
	Applied            bool           `json:"applied"`
	Verified           bool           `json:"verified"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	OwnerID    string `json:"owner_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
