// Package engine holds the transactional bookkeeping around the core:
// projects, agents, deployments, policies, blocked actions, notifications
// and API keys.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dracanus/internal/agents"
	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/events"
	"dracanus/internal/repo"
)

const defaultProjectColor = "#3b82f6"

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError reports an illegal status change.
type TransitionError struct {
	Kind string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}

// PolicyValidator checks a policy definition before it is stored.
type PolicyValidator interface {
	Validate(p domain.Policy) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Policies PolicyValidator
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, policies PolicyValidator) Engine {
	w := events.Writer{}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db, Events: w},
		Events:   w,
		Config:   cfg,
		Policies: policies,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) environment(env string) (string, error) {
	if env == "" {
		if e.Config != nil && e.Config.Environment != "" {
			return e.Config.Environment, nil
		}
		return domain.EnvProduction, nil
	}
	if env != domain.EnvSandbox && env != domain.EnvProduction {
		return "", invalid("environment", "must be sandbox or production")
	}
	return env, nil
}

type ProjectInput struct {
	OwnerID     string
	Name        string
	Description string
	Color       string
	Icon        string
}

func (e Engine) CreateProject(ctx context.Context, in ProjectInput) (domain.Project, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Project{}, invalid("name", "is required")
	}
	if in.Color == "" {
		in.Color = defaultProjectColor
	}
	p := domain.Project{
		ID:          uuid.NewString(),
		OwnerID:     in.OwnerID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Color:       in.Color,
		Icon:        in.Icon,
		Active:      true,
		CreatedAt:   domain.FormatTime(e.now()),
	}
	if err := e.Repo.CreateProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, ownerID)
}

// ownedProject checks that projectID, when set, belongs to ownerID.
func (e Engine) ownedProject(ctx context.Context, ownerID, projectID string) error {
	if projectID == "" {
		return nil
	}
	if _, err := e.Repo.GetProject(ctx, ownerID, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return invalid("project_id", "project %s not found", projectID)
		}
		return err
	}
	return nil
}

// SeedAgents stores the prebuilt catalog and returns how many agents were
// new. Existing agents keep their ids and deployment counts.
func (e Engine) SeedAgents(ctx context.Context) (int, error) {
	list, err := agents.Catalog(e.now())
	if err != nil {
		return 0, err
	}
	return e.Repo.SeedAgents(ctx, list)
}

func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilter) ([]domain.Agent, error) {
	if f.Category != "" && !domain.IsCategory(f.Category) {
		return nil, invalid("category", "unknown category %q", f.Category)
	}
	return e.Repo.ListAgents(ctx, f)
}

func (e Engine) GetAgent(ctx context.Context, idOrSlug string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, idOrSlug)
}

type DeployOptions struct {
	OwnerID     string
	AgentID     string
	ProjectID   string
	Environment string
	Config      map[string]any
}

// DeployAgent records a deployment and bumps the agent's popularity.
func (e Engine) DeployAgent(ctx context.Context, opts DeployOptions) (domain.Deployment, error) {
	agent, err := e.Repo.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return domain.Deployment{}, err
	}
	if !agent.Active {
		return domain.Deployment{}, invalid("agent_id", "agent %s is inactive", agent.Slug)
	}
	env, err := e.environment(opts.Environment)
	if err != nil {
		return domain.Deployment{}, err
	}
	if err := e.ownedProject(ctx, opts.OwnerID, opts.ProjectID); err != nil {
		return domain.Deployment{}, err
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	d := domain.Deployment{
		ID:          uuid.NewString(),
		OwnerID:     opts.OwnerID,
		AgentID:     agent.ID,
		ProjectID:   opts.ProjectID,
		Environment: env,
		Config:      cfg,
		Status:      "ACTIVE",
		CreatedAt:   domain.FormatTime(e.now()),
	}
	if err := e.Repo.CreateDeployment(ctx, d); err != nil {
		return domain.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return d, nil
}

type PolicyInput struct {
	OwnerID     string
	ProjectID   string
	Name        string
	Description string
	Type        string
	Conditions  map[string]any
	Action      string
	Severity    string
	Active      *bool
	ExpiresAt   *time.Time
}

func validPolicyType(t string) bool {
	switch t {
	case domain.PolicyRateLimit, domain.PolicyContentFilter, domain.PolicyApprovalRequired,
		domain.PolicyBudgetLimit, domain.PolicyTimeWindow, domain.PolicyCustom:
		return true
	}
	return false
}

func validPolicyAction(a string) bool {
	return a == domain.ActionWarn || a == domain.ActionBlock || a == domain.ActionRequireApproval
}

func validSeverity(s string) bool {
	switch s {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return true
	}
	return false
}

// CreatePolicy validates and stores a policy. Severity defaults to MEDIUM
// and active to true.
func (e Engine) CreatePolicy(ctx context.Context, in PolicyInput) (domain.Policy, error) {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return domain.Policy{}, invalid("name", "is required")
	case !validPolicyType(in.Type):
		return domain.Policy{}, invalid("type", "unknown policy type %q", in.Type)
	case !validPolicyAction(in.Action):
		return domain.Policy{}, invalid("action", "must be WARN, BLOCK or REQUIRE_APPROVAL")
	}
	if in.Severity == "" {
		in.Severity = domain.SeverityMedium
	}
	if !validSeverity(in.Severity) {
		return domain.Policy{}, invalid("severity", "must be LOW, MEDIUM, HIGH or CRITICAL")
	}
	if err := e.ownedProject(ctx, in.OwnerID, in.ProjectID); err != nil {
		return domain.Policy{}, err
	}
	conditions := in.Conditions
	if conditions == nil {
		conditions = map[string]any{}
	}
	p := domain.Policy{
		ID:          uuid.NewString(),
		OwnerID:     in.OwnerID,
		ProjectID:   in.ProjectID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Type:        in.Type,
		Conditions:  conditions,
		Action:      in.Action,
		Severity:    in.Severity,
		Active:      in.Active == nil || *in.Active,
		CreatedAt:   domain.FormatTime(e.now()),
	}
	if in.ExpiresAt != nil {
		exp := domain.FormatTime(*in.ExpiresAt)
		p.ExpiresAt = &exp
	}
	if e.Policies != nil {
		if err := e.Policies.Validate(p); err != nil {
			return domain.Policy{}, err
		}
	}
	if err := e.Repo.CreatePolicy(ctx, p); err != nil {
		return domain.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	return p, nil
}

func (e Engine) ListPolicies(ctx context.Context, ownerID string) ([]domain.Policy, error) {
	return e.Repo.ListPolicies(ctx, ownerID)
}

func (e Engine) SetPolicyActive(ctx context.Context, ownerID, id string, active bool) (domain.Policy, error) {
	if err := e.Repo.SetPolicyActive(ctx, ownerID, id, active); err != nil {
		return domain.Policy{}, err
	}
	return e.Repo.GetPolicy(ctx, ownerID, id)
}

func (e Engine) ListBlockedActions(ctx context.Context, ownerID, status string, limit int) ([]domain.BlockedAction, error) {
	switch status {
	case "", domain.BlockedPending, domain.BlockedApproved, domain.BlockedRejected:
	default:
		return nil, invalid("status", "must be PENDING, APPROVED or REJECTED")
	}
	return e.Repo.ListBlockedActions(ctx, ownerID, status, limit)
}

func ensureBlockedTransition(from, to string) error {
	if from == domain.BlockedPending && (to == domain.BlockedApproved || to == domain.BlockedRejected) {
		return nil
	}
	return &TransitionError{Kind: "blocked action", From: from, To: to}
}

// ResolveBlockedAction approves or rejects a pending blocked action. Only
// PENDING records move, and only once.
func (e Engine) ResolveBlockedAction(ctx context.Context, ownerID, id, status string) (domain.BlockedAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BlockedAction{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBlockedActionTx(ctx, tx, ownerID, id)
	if err != nil {
		return domain.BlockedAction{}, err
	}
	if err := ensureBlockedTransition(b.Status, status); err != nil {
		return domain.BlockedAction{}, err
	}
	from := b.Status
	resolvedAt := domain.FormatTime(e.now())
	b.Status = status
	b.ResolvedAt = &resolvedAt
	b.ResolvedBy = ownerID
	if err := e.Repo.ResolveBlockedActionTx(ctx, tx, b); err != nil {
		return domain.BlockedAction{}, err
	}
	if err := e.Events.Append(ctx, tx, events.BlockedActionResolved, "", "blocked_action", b.ID, ownerID,
		events.EventPayload{"from": from, "to": status, "policy_id": b.PolicyID}); err != nil {
		return domain.BlockedAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BlockedAction{}, err
	}
	return b, nil
}

func (e Engine) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, ownerID, unreadOnly, limit)
}

func (e Engine) MarkNotificationRead(ctx context.Context, ownerID, id string) error {
	return e.Repo.MarkNotificationRead(ctx, ownerID, id)
}

func (e Engine) ListGoals(ctx context.Context, ownerID string, limit int) ([]domain.Goal, error) {
	return e.Repo.ListGoals(ctx, ownerID, limit)
}

func (e Engine) GetGoal(ctx context.Context, ownerID, id string) (domain.Goal, error) {
	return e.Repo.GetGoal(ctx, ownerID, id)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// CreateAPIKey mints a key for ownerID. Only its hash is stored; the
// plaintext is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, ownerID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", domain.APIKey{}, invalid("owner_id", "is required")
	}
	secret := "dcn_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return secret, key, nil
}
