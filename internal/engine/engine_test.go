package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dracanus/internal/agents"
	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/engine"
	"dracanus/internal/events"
	"dracanus/internal/policy"
	"dracanus/internal/repo"
	"dracanus/internal/repo/repotest"
)

type testEnv struct {
	Engine engine.Engine
	Clock  *repotest.Clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	r, clock := repotest.Open(t)
	enforcer, err := policy.NewEnforcer(r, policy.Options{Now: clock.Now})
	require.NoError(t, err)
	eng := engine.Engine{
		DB:       r.DB,
		Repo:     r,
		Events:   r.Events,
		Config:   config.Default(),
		Policies: enforcer,
		Now:      clock.Now,
	}
	return testEnv{Engine: eng, Clock: clock, Ctx: context.Background()}
}

func latest(t *testing.T, env testEnv, f repo.EventFilter) []domain.Event {
	t.Helper()
	evs, err := env.Engine.ListEvents(env.Ctx, f)
	require.NoError(t, err)
	return evs
}

func TestCreateProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectInput{OwnerID: "alice", Name: "  Launch  "})
	require.NoError(t, err)
	assert.Equal(t, "Launch", p.Name)
	assert.Equal(t, "#3b82f6", p.Color)
	assert.True(t, p.Active)
	assert.Equal(t, "2025-03-10T12:00:00.000Z", p.CreatedAt)

	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectInput{OwnerID: "alice", Name: " "})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	mine, err := env.Engine.ListProjects(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	theirs, err := env.Engine.ListProjects(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, theirs)

	evs := latest(t, env, repo.EventFilter{OwnerID: "alice", Type: events.ProjectCreated})
	require.Len(t, evs, 1)
	assert.Equal(t, p.ID, evs[0].EntityID)
}

func TestSeedAgentsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	catalog, err := agents.Catalog(env.Clock.Now())
	require.NoError(t, err)

	n, err := env.Engine.SeedAgents(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, len(catalog), n)

	n, err = env.Engine.SeedAgents(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := env.Engine.ListAgents(env.Ctx, repo.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, len(catalog))

	code, err := env.Engine.ListAgents(env.Ctx, repo.AgentFilter{Category: domain.CategoryCode})
	require.NoError(t, err)
	require.NotEmpty(t, code)
	for _, a := range code {
		assert.Equal(t, domain.CategoryCode, a.Category)
	}

	_, err = env.Engine.ListAgents(env.Ctx, repo.AgentFilter{Category: "SPACE"})
	var verr *engine.ValidationError
	assert.ErrorAs(t, err, &verr)

	bySlug, err := env.Engine.GetAgent(env.Ctx, "code-reviewer")
	require.NoError(t, err)
	assert.Equal(t, agents.ID("code-reviewer"), bySlug.ID)
}

func TestDeployAgent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SeedAgents(env.Ctx)
	require.NoError(t, err)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectInput{OwnerID: "alice", Name: "ops"})
	require.NoError(t, err)

	d, err := env.Engine.DeployAgent(env.Ctx, engine.DeployOptions{OwnerID: "alice", AgentID: "email-drafter", ProjectID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, agents.ID("email-drafter"), d.AgentID)
	assert.Equal(t, domain.EnvProduction, d.Environment)
	assert.Equal(t, "ACTIVE", d.Status)
	assert.Equal(t, map[string]any{}, d.Config)

	_, err = env.Engine.DeployAgent(env.Ctx, engine.DeployOptions{OwnerID: "alice", AgentID: "email-drafter", Environment: domain.EnvSandbox})
	require.NoError(t, err)

	a, err := env.Engine.GetAgent(env.Ctx, "email-drafter")
	require.NoError(t, err)
	assert.Equal(t, 2, a.DeploymentCount)

	projects, err := env.Engine.ListProjects(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, 1, projects[0].DeploymentCount)
}

func TestDeployAgentRejects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SeedAgents(env.Ctx)
	require.NoError(t, err)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectInput{OwnerID: "alice", Name: "ops"})
	require.NoError(t, err)

	_, err = env.Engine.DeployAgent(env.Ctx, engine.DeployOptions{OwnerID: "alice", AgentID: "ghost"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	var verr *engine.ValidationError
	_, err = env.Engine.DeployAgent(env.Ctx, engine.DeployOptions{OwnerID: "alice", AgentID: "email-drafter", Environment: "staging"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "environment", verr.Field)

	_, err = env.Engine.DeployAgent(env.Ctx, engine.DeployOptions{OwnerID: "bob", AgentID: "email-drafter", ProjectID: p.ID})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "project_id", verr.Field)

	a, err := env.Engine.GetAgent(env.Ctx, "email-drafter")
	require.NoError(t, err)
	assert.Zero(t, a.DeploymentCount)
}

func TestCreatePolicyDefaults(t *testing.T) {
	env := newTestEnv(t)
	exp := repotest.Epoch.Add(48 * time.Hour)
	p, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyInput{
		OwnerID:    "alice",
		Name:       "hourly cap",
		Type:       domain.PolicyRateLimit,
		Conditions: map[string]any{"limit": 10, "window": "hour"},
		Action:     domain.ActionBlock,
		ExpiresAt:  &exp,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityMedium, p.Severity)
	assert.True(t, p.Active)
	require.NotNil(t, p.ExpiresAt)
	assert.Equal(t, "2025-03-12T12:00:00.000Z", *p.ExpiresAt)

	off := false
	p2, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyInput{
		OwnerID:    "alice",
		Name:       "no secrets",
		Type:       domain.PolicyContentFilter,
		Conditions: map[string]any{"blacklist": []any{"password"}},
		Action:     domain.ActionWarn,
		Severity:   domain.SeverityCritical,
		Active:     &off,
	})
	require.NoError(t, err)
	assert.False(t, p2.Active)

	list, err := env.Engine.ListPolicies(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreatePolicyValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.PolicyInput{
		OwnerID:    "alice",
		Name:       "cap",
		Type:       domain.PolicyRateLimit,
		Conditions: map[string]any{"limit": 5, "window": "day"},
		Action:     domain.ActionBlock,
	}
	cases := map[string]func(in *engine.PolicyInput){
		"name":     func(in *engine.PolicyInput) { in.Name = "" },
		"type":     func(in *engine.PolicyInput) { in.Type = "QUOTA" },
		"action":   func(in *engine.PolicyInput) { in.Action = "DENY" },
		"severity": func(in *engine.PolicyInput) { in.Severity = "URGENT" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := env.Engine.CreatePolicy(env.Ctx, in)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
		})
	}

	t.Run("conditions", func(t *testing.T) {
		in := base
		in.Conditions = map[string]any{"limit": 0}
		_, err := env.Engine.CreatePolicy(env.Ctx, in)
		var cerr *policy.ConditionError
		assert.ErrorAs(t, err, &cerr)
	})

	t.Run("expression", func(t *testing.T) {
		in := base
		in.Type = domain.PolicyCustom
		in.Conditions = map[string]any{"expression": "agent_id ==="}
		_, err := env.Engine.CreatePolicy(env.Ctx, in)
		var cerr *policy.ConditionError
		assert.ErrorAs(t, err, &cerr)
	})

	list, err := env.Engine.ListPolicies(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSetPolicyActive(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyInput{
		OwnerID:    "alice",
		Name:       "cap",
		Type:       domain.PolicyRateLimit,
		Conditions: map[string]any{"limit": 5, "window": "day"},
		Action:     domain.ActionBlock,
	})
	require.NoError(t, err)

	got, err := env.Engine.SetPolicyActive(env.Ctx, "alice", p.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = env.Engine.SetPolicyActive(env.Ctx, "bob", p.ID, true)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	evs := latest(t, env, repo.EventFilter{OwnerID: "alice", Type: events.PolicyUpdated})
	assert.Len(t, evs, 1)
}

func blockAction(t *testing.T, env testEnv, owner string) domain.BlockedAction {
	t.Helper()
	repotest.SeedAgents(t, env.Engine.Repo, repotest.Agent("mailer", domain.CategoryEmail, "ollama"))
	p, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyInput{
		OwnerID:    owner,
		Name:       "approve sends",
		Type:       domain.PolicyApprovalRequired,
		Conditions: map[string]any{"triggers": []any{map[string]any{"pattern": "send"}}},
		Action:     domain.ActionRequireApproval,
	})
	require.NoError(t, err)
	b := domain.BlockedAction{
		ID:          "blocked-1",
		OwnerID:     owner,
		PolicyID:    p.ID,
		AgentID:     "agent-mailer",
		Action:      map[string]any{"goal": "send the newsletter"},
		Reason:      "needs approval",
		Environment: domain.EnvProduction,
		Status:      domain.BlockedPending,
		CreatedAt:   domain.FormatTime(env.Clock.Now()),
	}
	require.NoError(t, env.Engine.Repo.RecordViolation(env.Ctx, domain.Violation{
		PolicyID: p.ID, OwnerID: owner, Reason: b.Reason, BlockedAction: &b,
	}))
	return b
}

func TestResolveBlockedAction(t *testing.T) {
	env := newTestEnv(t)
	b := blockAction(t, env, "alice")

	pending, err := env.Engine.ListBlockedActions(env.Ctx, "alice", domain.BlockedPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	env.Clock.Advance(time.Minute)
	got, err := env.Engine.ResolveBlockedAction(env.Ctx, "alice", b.ID, domain.BlockedApproved)
	require.NoError(t, err)
	assert.Equal(t, domain.BlockedApproved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "2025-03-10T12:01:00.000Z", *got.ResolvedAt)
	assert.Equal(t, "alice", got.ResolvedBy)

	pending, err = env.Engine.ListBlockedActions(env.Ctx, "alice", domain.BlockedPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	evs := latest(t, env, repo.EventFilter{OwnerID: "alice", Type: events.BlockedActionResolved})
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Payload, `"to":"APPROVED"`)

	_, err = env.Engine.ResolveBlockedAction(env.Ctx, "alice", b.ID, domain.BlockedRejected)
	var terr *engine.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.BlockedApproved, terr.From)
}

func TestResolveBlockedActionRejects(t *testing.T) {
	env := newTestEnv(t)
	b := blockAction(t, env, "alice")

	_, err := env.Engine.ResolveBlockedAction(env.Ctx, "bob", b.ID, domain.BlockedApproved)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.ResolveBlockedAction(env.Ctx, "alice", b.ID, domain.BlockedPending)
	var terr *engine.TransitionError
	assert.ErrorAs(t, err, &terr)

	_, err = env.Engine.ListBlockedActions(env.Ctx, "alice", "DONE", 0)
	var verr *engine.ValidationError
	assert.ErrorAs(t, err, &verr)

	evs := latest(t, env, repo.EventFilter{Type: events.BlockedActionResolved})
	assert.Empty(t, evs)
}

func TestNotifications(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, env.Engine.Repo.InsertNotification(env.Ctx, domain.Notification{
			ID: id, OwnerID: "alice", Type: "blocked_action", Title: "t", Message: "m",
			CreatedAt: domain.FormatTime(env.Clock.Now()),
		}))
		env.Clock.Advance(time.Second)
	}
	require.NoError(t, env.Engine.MarkNotificationRead(env.Ctx, "alice", "n1"))
	assert.ErrorIs(t, env.Engine.MarkNotificationRead(env.Ctx, "bob", "n2"), repo.ErrNotFound)

	unread, err := env.Engine.ListNotifications(env.Ctx, "alice", true, 0)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "n2", unread[0].ID)

	all, err := env.Engine.ListNotifications(env.Ctx, "alice", false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	secret, key, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "dcn_"))
	assert.Len(t, secret, 4+64)
	assert.NotContains(t, key.KeyHash, secret)

	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.OwnerID)
	assert.Equal(t, key.ID, stored.ID)

	other, _, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "ci")
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, " ", "x")
	var verr *engine.ValidationError
	assert.True(t, errors.As(err, &verr))
}
