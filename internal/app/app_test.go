package app_test

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dracanus/internal/app"
	"dracanus/internal/audit"
	"dracanus/internal/completion"
	"dracanus/internal/completion/completiontest"
	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/orchestrator"
)

func stubRegistry() *completion.Registry {
	return completion.NewRegistry([]string{"ollama", "plus-coder"},
		completiontest.New("ollama", "done"),
		completiontest.New("plus-coder", "done"),
	)
}

func TestOpenRunsAGoalEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{
		Workspace: t.TempDir(),
		Config:    config.Default(),
		Logger:    zap.NewNop(),
		Registry:  stubRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.NATS)
	assert.Nil(t, a.Relay())

	n, err := a.Engine.SeedAgents(ctx)
	require.NoError(t, err)
	require.Positive(t, n)

	res, err := a.Orchestrator.Submit(ctx, orchestrator.Request{OwnerID: "alice", Goal: "send an email to the team"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	require.Len(t, res.Jobs, 1)

	history, err := a.Audit.History(ctx, "alice", audit.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExecCompleted, history[0].Status)

	goals, err := a.Engine.ListGoals(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, domain.GoalCompleted, goals[0].Status)

	insights, err := a.Learning.Analyze(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestOpenConnectsNATS(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)

	cfg := config.Default()
	cfg.Notifications.NATSURL = srv.ClientURL()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Logger:    zap.NewNop(),
		Registry:  stubRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NotNil(t, a.NATS)
	require.NotNil(t, a.Publisher)
	relay := a.Relay()
	require.NotNil(t, relay)
	_, err = relay.Poll(context.Background())
	assert.NoError(t, err)
}
