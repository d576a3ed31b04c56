package dracanussdk

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dracanus/internal/app"
	"dracanus/internal/completion"
	"dracanus/internal/completion/completiontest"
	"dracanus/internal/config"
	"dracanus/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	reg := completion.NewRegistry([]string{"ollama"}, completiontest.New("ollama", `{"answer":"done"}`))
	a, err := app.Open(ctx, app.Options{
		Workspace: t.TempDir(),
		Config:    config.Default(),
		Logger:    zap.NewNop(),
		Registry:  reg,
	})
	require.NoError(t, err)
	_, err = a.Engine.SeedAgents(ctx)
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine:       a.Engine,
		Orchestrator: a.Orchestrator,
		Audit:        a.Audit,
		Learning:     a.Learning,
		BasePath:     "/v0",
		Auth:         server.AuthConfig{JWTSecret: "sdk-secret"},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close()
	})
	token, err := server.SignToken("sdk-secret", "alice", time.Hour)
	require.NoError(t, err)
	c := New(srv.URL + "/")
	c.BearerToken = token
	return c
}

func TestClientGoalLifecycle(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.SubmitGoal(ctx, "send an email to the team", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	require.Len(t, res.Jobs, 1)

	goals, err := c.Goals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	g, err := c.Goal(ctx, res.GoalID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", g.Status)

	execs, err := c.Executions(ctx, "", "COMPLETED", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	ex, err := c.Execution(ctx, res.Jobs[0].ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execs[0].ID, ex.ID)

	replay, err := c.Replay(ctx, ex.ID)
	require.NoError(t, err)
	assert.True(t, replay.Comparison.StatusMatch)

	var buf bytes.Buffer
	require.NoError(t, c.Export(ctx, &buf, "csv"))
	assert.True(t, strings.HasPrefix(buf.String(), "ID,Agent"), buf.String())

	m, err := c.Metrics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalExecutions)
}

func TestClientGovernance(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	p, err := c.CreatePolicy(ctx, Policy{
		Name:       "no email",
		Type:       "CONTENT_FILTER",
		Conditions: map[string]any{"blacklist": []string{"email"}},
		Action:     "BLOCK",
	})
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, "MEDIUM", p.Severity)

	res, err := c.SubmitGoal(ctx, "send an email to the team", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "blocked", res.Status)

	pending, err := c.BlockedActions(ctx, "PENDING")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	resolved, err := c.ResolveBlockedAction(ctx, pending[0].ID, "REJECTED")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", resolved.Status)

	_, err = c.ResolveBlockedAction(ctx, pending[0].ID, "APPROVED")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	off, err := c.SetPolicyActive(ctx, p.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)
	policies, err := c.Policies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, 1, policies[0].TriggeredCount)
}

func TestClientCatalog(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	agents, err := c.Agents(ctx, "EMAIL")
	require.NoError(t, err)
	require.NotEmpty(t, agents)
	for _, a := range agents {
		assert.Equal(t, "EMAIL", a.Category)
	}

	proj, err := c.CreateProject(ctx, "  Outreach ")
	require.NoError(t, err)
	assert.Equal(t, "Outreach", proj.Name)

	d, err := c.DeployAgent(ctx, agents[0].Slug, proj.ID, "production")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", d.Status)
	assert.Equal(t, agents[0].ID, d.AgentID)

	projects, err := c.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, 1, projects[0].DeploymentCount)

	page, err := c.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)
	next, err := c.EventsPage(ctx, 1, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Less(t, next.Items[0].ID, page.Items[0].ID)
}

func TestClientLearningAndNotifications(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	insights, err := c.Analyze(ctx)
	require.NoError(t, err)
	assert.Empty(t, insights)
	stored, err := c.Insights(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, stored)

	items, err := c.Notifications(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, items)

	err = c.MarkNotificationRead(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestClientRejectsMissingCredentials(t *testing.T) {
	c := newClient(t)
	c.BearerToken = ""
	_, err := c.Goals(context.Background(), 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
}
