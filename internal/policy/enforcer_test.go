package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dracanus/internal/domain"
	"dracanus/internal/policy"
	"dracanus/internal/repo"
	"dracanus/internal/repo/repotest"
)

const owner = "user-1"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *recordingNotifier) PublishNotification(_ context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

type env struct {
	repo     repo.Repo
	clock    *repotest.Clock
	enforcer *policy.Enforcer
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
}

func newEnv(t *testing.T) env {
	t.Helper()
	r, clock := repotest.Open(t)
	repotest.SeedAgents(t, r, repotest.Agent("mailer", domain.CategoryEmail, "ollama"))
	notifier := &recordingNotifier{}
	core, logs := observer.New(zapcore.InfoLevel)
	enf, err := policy.NewEnforcer(r, policy.Options{
		Notifier:         notifier,
		Logger:           zap.New(core),
		NotificationLink: "/dashboard/policies/blocked",
		Now:              clock.Now,
	})
	require.NoError(t, err)
	return env{repo: r, clock: clock, enforcer: enf, notifier: notifier, logs: logs}
}

func (e env) createPolicy(t *testing.T, p domain.Policy) domain.Policy {
	t.Helper()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.OwnerID = owner
	p.Active = true
	if p.Severity == "" {
		p.Severity = domain.SeverityMedium
	}
	if p.CreatedAt == "" {
		p.CreatedAt = domain.FormatTime(e.clock.Now())
	}
	require.NoError(t, e.enforcer.Validate(p))
	require.NoError(t, e.repo.CreatePolicy(context.Background(), p))
	return p
}

func (e env) execution(t *testing.T, cost float64, age time.Duration) {
	t.Helper()
	c := cost
	repotest.Execution(t, e.repo, domain.Execution{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		AgentID:   "agent-mailer",
		Input:     domain.TaskInput{Goal: "g"},
		StartedAt: domain.FormatTime(e.clock.Now().Add(-age)),
		Cost:      &c,
	})
}

func input(action map[string]any) policy.Input {
	return policy.Input{OwnerID: owner, AgentID: "agent-mailer", Action: action, Environment: domain.EnvProduction}
}

func TestNoPoliciesAllows(t *testing.T) {
	e := newEnv(t)
	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "x"}))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Nil(t, v.Policy)
	assert.Equal(t, "allowed", v.Outcome())
}

func TestRateLimitBlocksFourthExecution(t *testing.T) {
	e := newEnv(t)
	p := e.createPolicy(t, domain.Policy{
		Name: "three per hour", Type: domain.PolicyRateLimit, Action: domain.ActionBlock,
		Conditions: map[string]any{"limit": 3, "window": "hour"},
	})
	e.execution(t, 0, 2*time.Hour) // outside the window
	for i := 0; i < 3; i++ {
		v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "send"}))
		require.NoError(t, err)
		require.True(t, v.Allowed, "call %d", i+1)
		e.execution(t, 0, time.Minute)
	}

	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "send"}))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.ActionBlock, v.Action)
	assert.Equal(t, "Rate limit exceeded: 3/3 executions in the last hour", v.Reason)
	require.NotNil(t, v.Policy)
	assert.Equal(t, 1, v.Policy.TriggeredCount)

	stored, err := e.repo.GetPolicy(context.Background(), owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TriggeredCount)

	blocked, err := e.repo.ListBlockedActions(context.Background(), owner, domain.BlockedPending, 0)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, p.ID, blocked[0].PolicyID)
	assert.Equal(t, "send", blocked[0].Action["task"])
}

func TestBudgetLimitReasonCarriesAmounts(t *testing.T) {
	e := newEnv(t)
	e.createPolicy(t, domain.Policy{
		Name: "one dollar", Type: domain.PolicyBudgetLimit, Action: domain.ActionBlock,
		Conditions: map[string]any{"limit": 1.0, "window": "day"},
	})
	e.execution(t, 0.5, time.Hour)
	v, err := e.enforcer.Enforce(context.Background(), input(nil))
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	e.execution(t, 0.75, time.Minute)
	v, err = e.enforcer.Enforce(context.Background(), input(nil))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "$1.25")
	assert.Contains(t, v.Reason, "$1.00")
	assert.Equal(t, "Budget limit exceeded: $1.25/$1.00 spent in the last day", v.Reason)
}

func TestContentFilter(t *testing.T) {
	e := newEnv(t)
	e.createPolicy(t, domain.Policy{
		Name: "no secrets", Type: domain.PolicyContentFilter, Action: domain.ActionBlock,
		Conditions: map[string]any{"blacklist": []string{"Password"}},
	})
	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "email the PASSWORD file"}))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, `Content contains blacklisted term: "Password"`, v.Reason)

	v, err = e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "email the report"}))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestWhitelistRequiresATerm(t *testing.T) {
	e := newEnv(t)
	e.createPolicy(t, domain.Policy{
		Name: "only invoices", Type: domain.PolicyContentFilter, Action: domain.ActionWarn,
		Conditions: map[string]any{"whitelist": []string{"invoice"}},
	})
	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "draft a poem"}))
	require.NoError(t, err)
	assert.True(t, v.Allowed, "WARN does not stop execution")
	assert.Equal(t, domain.ActionWarn, v.Action)
	assert.Equal(t, "Content does not contain any whitelisted terms", v.Reason)
	assert.Equal(t, "warned", v.Outcome())

	blocked, err := e.repo.ListBlockedActions(context.Background(), owner, "", 0)
	require.NoError(t, err)
	assert.Empty(t, blocked, "warnings are not logged as blocked actions")
	assert.Empty(t, e.notifier.sent)
}

func TestApprovalRequiredNotifiesInProductionOnly(t *testing.T) {
	e := newEnv(t)
	e.createPolicy(t, domain.Policy{
		Name: "Big sends", Type: domain.PolicyApprovalRequired, Action: domain.ActionRequireApproval,
		Conditions: map[string]any{"triggers": []map[string]any{{"pattern": "mass email", "description": "Bulk sends need review"}}},
	})
	in := input(map[string]any{"task": "Send a MASS EMAIL to leads"})
	v, err := e.enforcer.Enforce(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.True(t, v.RequiresApproval)
	assert.Equal(t, "Approval required: Bulk sends need review", v.Reason)
	require.Len(t, e.notifier.sent, 1)
	assert.Equal(t, "Action Blocked by Policy", e.notifier.sent[0].Title)
	assert.Equal(t, `Policy "Big sends" blocked an action: Approval required: Bulk sends need review`, e.notifier.sent[0].Message)
	assert.Equal(t, "/dashboard/policies/blocked", e.notifier.sent[0].Link)

	notes, err := e.repo.ListNotifications(context.Background(), owner, true, 0)
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	in.Environment = domain.EnvSandbox
	_, err = e.enforcer.Enforce(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, e.notifier.sent, 1)
	blocked, err := e.repo.ListBlockedActions(context.Background(), owner, "", 0)
	require.NoError(t, err)
	assert.Len(t, blocked, 2)
}

func TestPublishFailureDoesNotChangeVerdict(t *testing.T) {
	e := newEnv(t)
	e.notifier.err = errors.New("nats down")
	e.createPolicy(t, domain.Policy{
		Name: "no deletes", Type: domain.PolicyContentFilter, Action: domain.ActionBlock,
		Conditions: map[string]any{"blacklist": []string{"delete"}},
	})
	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "delete all"}))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, 1, e.logs.FilterMessage("publish notification failed").Len())
}

func TestTimeWindowHonoursTimezone(t *testing.T) {
	e := newEnv(t)
	// Epoch is 12:00 UTC, 08:00 in New York during daylight time.
	e.createPolicy(t, domain.Policy{
		Name: "office hours", Type: domain.PolicyTimeWindow, Action: domain.ActionBlock,
		Conditions: map[string]any{"allowed_hours": []int{9, 10, 11}, "timezone": "America/New_York"},
	})
	v, err := e.enforcer.Enforce(context.Background(), input(nil))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "Action not allowed at this time (hour 8). Allowed hours: 9, 10, 11", v.Reason)

	e.clock.Advance(time.Hour)
	v, err = e.enforcer.Enforce(context.Background(), input(nil))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestCustomExpression(t *testing.T) {
	e := newEnv(t)
	e.createPolicy(t, domain.Policy{
		Name: "no prod refunds", Type: domain.PolicyCustom, Action: domain.ActionBlock,
		Conditions: map[string]any{"expression": `environment == "production" && "refund" in action && action.refund > 100`},
	})
	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"refund": 250}))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "Custom policy condition matched", v.Reason)

	v, err = e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "x"}))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestSeverityOrderPicksReportedPolicy(t *testing.T) {
	e := newEnv(t)
	e.createPolicy(t, domain.Policy{
		Name: "low", Type: domain.PolicyContentFilter, Action: domain.ActionWarn, Severity: domain.SeverityLow,
		Conditions: map[string]any{"blacklist": []string{"x"}},
	})
	e.clock.Advance(time.Second)
	critical := e.createPolicy(t, domain.Policy{
		Name: "critical", Type: domain.PolicyContentFilter, Action: domain.ActionBlock, Severity: domain.SeverityCritical,
		Conditions: map[string]any{"blacklist": []string{"x"}},
	})
	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "x"}))
	require.NoError(t, err)
	require.NotNil(t, v.Policy)
	assert.Equal(t, critical.ID, v.Policy.ID)

	policies, err := e.repo.ListPolicies(context.Background(), owner)
	require.NoError(t, err)
	for _, p := range policies {
		if p.Name == "low" {
			assert.Zero(t, p.TriggeredCount, "evaluation short-circuits at the first violation")
		}
	}
}

func TestExpiredAndInactivePoliciesAreSkipped(t *testing.T) {
	e := newEnv(t)
	past := domain.FormatTime(e.clock.Now().Add(-time.Minute))
	e.createPolicy(t, domain.Policy{
		Name: "expired", Type: domain.PolicyContentFilter, Action: domain.ActionBlock, ExpiresAt: &past,
		Conditions: map[string]any{"blacklist": []string{"x"}},
	})
	off := e.createPolicy(t, domain.Policy{
		Name: "off", Type: domain.PolicyContentFilter, Action: domain.ActionBlock,
		Conditions: map[string]any{"blacklist": []string{"x"}},
	})
	require.NoError(t, e.repo.SetPolicyActive(context.Background(), owner, off.ID, false))

	v, err := e.enforcer.Enforce(context.Background(), input(map[string]any{"task": "x"}))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestProjectScopedPolicy(t *testing.T) {
	e := newEnv(t)
	e.createPolicy(t, domain.Policy{
		Name: "p1 only", ProjectID: "proj-1", Type: domain.PolicyContentFilter, Action: domain.ActionBlock,
		Conditions: map[string]any{"blacklist": []string{"x"}},
	})
	in := input(map[string]any{"task": "x"})
	v, err := e.enforcer.Enforce(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, v.Allowed, "project policies do not apply outside the project")

	in.ProjectID = "proj-1"
	v, err = e.enforcer.Enforce(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
}
