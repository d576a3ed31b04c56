// Package repotest opens migrated SQLite stores for tests in other packages.
package repotest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dracanus/internal/db"
	"dracanus/internal/domain"
	"dracanus/internal/events"
	"dracanus/internal/migrate"
	"dracanus/internal/repo"
)

// Epoch is the fixed time test clocks start from.
var Epoch = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// Clock is a settable test clock.
type Clock struct {
	T time.Time
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Open returns a Repo over a fresh, migrated database in a temp workspace.
func Open(t *testing.T) (repo.Repo, *Clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := &Clock{T: Epoch}
	return repo.Repo{DB: conn, Events: events.Writer{Now: clock.Now}}, clock
}

// Agent builds an active agent definition with deterministic fields.
func Agent(slug, category, backend string) domain.Agent {
	return domain.Agent{
		ID:              "agent-" + slug,
		Slug:            slug,
		Name:            slug,
		Category:        category,
		SystemPrompt:    fmt.Sprintf("You are the %s agent.", slug),
		ModelPreference: backend,
		Capabilities:    []string{"work"},
		Tier:            1,
		Active:          true,
		CreatedAt:       domain.FormatTime(Epoch),
	}
}

// SeedAgents stores agents and fails the test on error.
func SeedAgents(t *testing.T, r repo.Repo, agents ...domain.Agent) {
	t.Helper()
	_, err := r.SeedAgents(context.Background(), agents)
	require.NoError(t, err)
}

// Execution stores a finished execution started at startedAt.
func Execution(t *testing.T, r repo.Repo, e domain.Execution) domain.Execution {
	t.Helper()
	if e.Status == "" {
		e.Status = domain.ExecCompleted
	}
	if e.PoliciesChecked == nil {
		e.PoliciesChecked = []string{}
	}
	require.NoError(t, r.InsertExecution(context.Background(), e))
	return e
}
