package dracanussdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal dracanus HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Goal submission waits for every
// job to run, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

type JobResult struct {
	AgentID     string `json:"agent_id"`
	ExecutionID string `json:"execution_id"`
	Task        string `json:"task"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

type GoalResult struct {
	GoalID  string      `json:"goal_id"`
	Status  string      `json:"status"`
	Jobs    []JobResult `json:"jobs"`
	Summary string      `json:"summary"`
}

// Goal represents the API goal model (partial).
type Goal struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Summary     string `json:"summary,omitempty"`
	CreatedAt   string `json:"created_at"`
	Jobs        []struct {
		AgentID  string `json:"agent_id"`
		Task     string `json:"task"`
		Priority int    `json:"priority"`
	} `json:"jobs,omitempty"`
}

// Execution represents one recorded job run (partial).
type Execution struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	GoalID          string          `json:"goal_id,omitempty"`
	Status          string          `json:"status"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	PoliciesChecked []string        `json:"policies_checked"`
	BlockedBy       string          `json:"blocked_by,omitempty"`
	StartedAt       string          `json:"started_at"`
	DurationMs      *int64          `json:"duration_ms,omitempty"`
	Cost            *float64        `json:"cost,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

type Comparison struct {
	StatusMatch  bool     `json:"status_match"`
	OutputMatch  bool     `json:"output_match"`
	DurationDiff int64    `json:"duration_diff_ms"`
	Differences  []string `json:"differences"`
}

type ReplayResult struct {
	Original   Execution  `json:"original"`
	Replay     Execution  `json:"replay"`
	Comparison Comparison `json:"comparison"`
}

type Metrics struct {
	Days            int     `json:"days"`
	TotalExecutions int     `json:"total_executions"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	TotalCost       float64 `json:"total_cost"`
	BlockedCount    int     `json:"blocked_count"`
	FailedCount     int     `json:"failed_count"`
}

type Policy struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id,omitempty"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Conditions     map[string]any `json:"conditions"`
	Action         string         `json:"action"`
	Severity       string         `json:"severity"`
	Active         bool           `json:"active"`
	TriggeredCount int            `json:"triggered_count"`
}

type BlockedAction struct {
	ID       string         `json:"id"`
	PolicyID string         `json:"policy_id"`
	AgentID  string         `json:"agent_id"`
	Action   map[string]any `json:"action"`
	Reason   string         `json:"reason"`
	Status   string         `json:"status"`
}

type Insight struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id,omitempty"`
	Type       string         `json:"type"`
	Pattern    map[string]any `json:"pattern"`
	Insight    string         `json:"insight"`
	Confidence float64        `json:"confidence"`
}

type Agent struct {
	ID              string   `json:"id"`
	Slug            string   `json:"slug"`
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	Capabilities    []string `json:"capabilities"`
	Featured        bool     `json:"featured"`
	DeploymentCount int      `json:"deployment_count"`
}

type Deployment struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	ProjectID   string `json:"project_id,omitempty"`
	Environment string `json:"environment"`
	Status      string `json:"status"`
}

type Project struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Color           string `json:"color"`
	DeploymentCount int    `json:"deployment_count"`
	PolicyCount     int    `json:"policy_count"`
	ExecutionCount  int    `json:"execution_count"`
}

type Notification struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
	Read    bool   `json:"read"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitGoal runs a goal and returns once every job finished.
func (c *Client) SubmitGoal(ctx context.Context, goal, projectID string, goalContext map[string]any) (GoalResult, error) {
	body := map[string]any{"goal": goal}
	if projectID != "" {
		body["project_id"] = projectID
	}
	if goalContext != nil {
		body["context"] = goalContext
	}
	var resp GoalResult
	err := c.do(ctx, http.MethodPost, "goals", body, &resp)
	return resp, err
}

func (c *Client) Goals(ctx context.Context, limit int) ([]Goal, error) {
	var resp []Goal
	err := c.do(ctx, http.MethodGet, withQuery("goals", url.Values{"limit": intParam(limit)}), nil, &resp)
	return resp, err
}

func (c *Client) Goal(ctx context.Context, id string) (Goal, error) {
	var resp Goal
	err := c.do(ctx, http.MethodGet, "goals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Executions returns history filtered by agent and status.
func (c *Client) Executions(ctx context.Context, agentID, status string, limit int) ([]Execution, error) {
	q := url.Values{"agent_id": {agentID}, "status": {status}, "limit": intParam(limit)}
	var resp []Execution
	err := c.do(ctx, http.MethodGet, withQuery("executions", q), nil, &resp)
	return resp, err
}

func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Replay(ctx context.Context, id string) (ReplayResult, error) {
	var resp ReplayResult
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(id)+"/replay", nil, &resp)
	return resp, err
}

// Export writes the history export in format (jsonl, csv or table) to w.
func (c *Client) Export(ctx context.Context, w io.Writer, format string) error {
	return c.do(ctx, http.MethodGet, withQuery("executions/export", url.Values{"format": {format}}), nil, w)
}

func (c *Client) Metrics(ctx context.Context, days int) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, withQuery("metrics", url.Values{"days": intParam(days)}), nil, &resp)
	return resp, err
}

func (c *Client) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	body := map[string]any{
		"name":       p.Name,
		"type":       p.Type,
		"conditions": p.Conditions,
		"action":     p.Action,
	}
	if p.Severity != "" {
		body["severity"] = p.Severity
	}
	if p.ProjectID != "" {
		body["project_id"] = p.ProjectID
	}
	var resp Policy
	err := c.do(ctx, http.MethodPost, "policies", body, &resp)
	return resp, err
}

func (c *Client) Policies(ctx context.Context) ([]Policy, error) {
	var resp []Policy
	err := c.do(ctx, http.MethodGet, "policies", nil, &resp)
	return resp, err
}

func (c *Client) SetPolicyActive(ctx context.Context, id string, active bool) (Policy, error) {
	var resp Policy
	err := c.do(ctx, http.MethodPatch, "policies/"+url.PathEscape(id), map[string]any{"active": active}, &resp)
	return resp, err
}

func (c *Client) BlockedActions(ctx context.Context, status string) ([]BlockedAction, error) {
	var resp []BlockedAction
	err := c.do(ctx, http.MethodGet, withQuery("blocked-actions", url.Values{"status": {status}}), nil, &resp)
	return resp, err
}

// ResolveBlockedAction moves a pending action to APPROVED or REJECTED.
func (c *Client) ResolveBlockedAction(ctx context.Context, id, status string) (BlockedAction, error) {
	var resp BlockedAction
	err := c.do(ctx, http.MethodPost, "blocked-actions/"+url.PathEscape(id)+"/resolve", map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) Analyze(ctx context.Context) ([]Insight, error) {
	var resp struct {
		Insights []Insight `json:"insights"`
	}
	err := c.do(ctx, http.MethodPost, "learning/analyze", nil, &resp)
	return resp.Insights, err
}

func (c *Client) Insights(ctx context.Context, limit int) ([]Insight, error) {
	var resp []Insight
	err := c.do(ctx, http.MethodGet, withQuery("learning/insights", url.Values{"limit": intParam(limit)}), nil, &resp)
	return resp, err
}

func (c *Client) Agents(ctx context.Context, category string) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, withQuery("agents", url.Values{"category": {category}}), nil, &resp)
	return resp, err
}

func (c *Client) DeployAgent(ctx context.Context, agent, projectID, environment string) (Deployment, error) {
	body := map[string]any{}
	if projectID != "" {
		body["project_id"] = projectID
	}
	if environment != "" {
		body["environment"] = environment
	}
	var resp Deployment
	err := c.do(ctx, http.MethodPost, "agents/"+url.PathEscape(agent)+"/deploy", body, &resp)
	return resp, err
}

func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, withQuery("notifications", q), nil, &resp)
	return resp, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{"limit": intParam(limit), "cursor": {cursor}}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// do sends the request. out may be a decode target or an io.Writer that
// receives the raw body.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func intParam(n int) []string {
	if n <= 0 {
		return nil
	}
	return []string{strconv.Itoa(n)}
}

// withQuery appends the non-empty values of q to endpoint.
func withQuery(endpoint string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			q.Del(k)
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
