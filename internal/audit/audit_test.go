package audit_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dracanus/internal/audit"
	"dracanus/internal/completion"
	"dracanus/internal/completion/completiontest"
	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/executor"
	"dracanus/internal/repo"
	"dracanus/internal/repo/repotest"
)

const owner = "user-1"

type testEnv struct {
	Repo    repo.Repo
	Clock   *repotest.Clock
	Backend *completiontest.Backend
	Audit   *audit.System
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	r, clock := repotest.Open(t)
	repotest.SeedAgents(t, r,
		repotest.Agent("mailer", domain.CategoryEmail, "ollama"),
		repotest.Agent("coder", domain.CategoryCode, "ollama"),
	)
	backend := completiontest.New("ollama", "fixed answer")
	reg := completion.NewRegistry([]string{"ollama"}, backend)
	cfg := config.Default()
	exec := executor.New(reg, cfg.Completion, nil, nil)
	return testEnv{Repo: r, Clock: clock, Backend: backend, Audit: audit.New(r, exec, cfg, audit.Options{Now: clock.Now})}
}

type execOpt func(*domain.Execution)

func (e testEnv) record(t *testing.T, agent, status string, age time.Duration, opts ...execOpt) domain.Execution {
	t.Helper()
	ex := domain.Execution{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		AgentID:   "agent-" + agent,
		Input:     domain.TaskInput{Goal: "do " + agent},
		Status:    status,
		StartedAt: domain.FormatTime(e.Clock.Now().Add(-age)),
	}
	for _, o := range opts {
		o(&ex)
	}
	return repotest.Execution(t, e.Repo, ex)
}

func withDuration(ms int64) execOpt { return func(e *domain.Execution) { e.DurationMs = &ms } }
func withCost(c float64) execOpt    { return func(e *domain.Execution) { e.Cost = &c } }
func withOutput(s string) execOpt {
	return func(e *domain.Execution) { e.Output = json.RawMessage(s) }
}

func TestHistoryFiltersAndOrders(t *testing.T) {
	env := newTestEnv(t)
	old := env.record(t, "mailer", domain.ExecCompleted, 3*time.Hour)
	recent := env.record(t, "mailer", domain.ExecFailed, time.Hour)
	env.record(t, "coder", domain.ExecCompleted, 2*time.Hour)

	all, err := env.Audit.History(context.Background(), owner, audit.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, recent.ID, all[0].ID)
	assert.Equal(t, old.ID, all[2].ID)

	mailer, err := env.Audit.History(context.Background(), owner, audit.HistoryFilter{AgentID: "agent-mailer", Status: domain.ExecCompleted})
	require.NoError(t, err)
	require.Len(t, mailer, 1)
	assert.Equal(t, old.ID, mailer[0].ID)

	since := env.Clock.Now().Add(-150 * time.Minute)
	windowed, err := env.Audit.History(context.Background(), owner, audit.HistoryFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, recent.ID, windowed[0].ID)
}

func TestTraceIsOwnerChecked(t *testing.T) {
	env := newTestEnv(t)
	ex := env.record(t, "mailer", domain.ExecCompleted, time.Minute)

	got, err := env.Audit.Trace(context.Background(), owner, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex.Input, got.Input)

	_, err = env.Audit.Trace(context.Background(), "someone-else", ex.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Audit.Trace(context.Background(), owner, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, "mailer", domain.ExecCompleted, time.Hour, withDuration(1000), withCost(0.25))
	env.record(t, "mailer", domain.ExecCompleted, 26*time.Hour, withDuration(3000), withCost(0.5))
	env.record(t, "mailer", domain.ExecFailed, 2*time.Hour)
	env.record(t, "coder", domain.ExecBlocked, 3*time.Hour)
	env.record(t, "coder", domain.ExecCompleted, 10*24*time.Hour, withDuration(99999))

	m, err := env.Audit.Metrics(context.Background(), owner, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, m.TotalExecutions)
	assert.InDelta(t, 50.0, m.SuccessRate, 1e-9)
	assert.InDelta(t, 2000.0, m.AvgDurationMs, 1e-9)
	assert.InDelta(t, 0.75, m.TotalCost, 1e-9)
	assert.Equal(t, 1, m.BlockedCount)
	assert.Equal(t, 1, m.FailedCount)

	mailer := m.ByAgent["agent-mailer"]
	assert.Equal(t, 3, mailer.Count)
	assert.InDelta(t, 66.67, mailer.SuccessRate, 0.01)
	assert.InDelta(t, 2000.0, mailer.AvgDurationMs, 1e-9)
	assert.Equal(t, 1, m.ByAgent["agent-coder"].Count)

	require.Len(t, m.ByDay, 7)
	assert.Equal(t, "2025-03-04", m.ByDay[0].Date)
	assert.Equal(t, "2025-03-10", m.ByDay[6].Date)
	assert.Equal(t, 3, m.ByDay[6].Count)
	assert.Equal(t, 1, m.ByDay[5].Count)
	assert.InDelta(t, 100.0, m.ByDay[5].SuccessRate, 1e-9)
	assert.Zero(t, m.ByDay[0].Count)

	again, err := env.Audit.Metrics(context.Background(), owner, 7)
	require.NoError(t, err)
	assert.Equal(t, m, again, "metrics are idempotent without intervening writes")
}

func TestReplayDeterministicBackendMatches(t *testing.T) {
	env := newTestEnv(t)
	original := env.record(t, "mailer", domain.ExecCompleted, time.Minute,
		withDuration(800), withOutput(`"fixed answer"`),
		func(e *domain.Execution) { e.PoliciesChecked = []string{"policy-1"} })

	res, err := env.Audit.Replay(context.Background(), owner, original.ID)
	require.NoError(t, err)
	assert.True(t, res.Comparison.StatusMatch)
	assert.True(t, res.Comparison.OutputMatch)
	assert.Empty(t, res.Comparison.Differences)
	assert.NotEqual(t, original.ID, res.Replay.ID)

	stored, err := env.Repo.GetExecution(context.Background(), res.Replay.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCompleted, stored.Status)
	assert.Equal(t, original.ID, stored.Metadata["replay_of"])
	assert.EqualValues(t, 800, stored.Metadata["original_duration_ms"])
	assert.Equal(t, []string{"policy-1"}, stored.PoliciesChecked)
	assert.Equal(t, original.Input, stored.Input)

	calls := env.Backend.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Goal: do mailer")

	untouched, err := env.Repo.GetExecution(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.StartedAt, untouched.StartedAt)
}

func TestReplayReportsDifferences(t *testing.T) {
	env := newTestEnv(t)
	env.Backend.Err = errors.New("model gone")
	original := env.record(t, "mailer", domain.ExecCompleted, time.Minute, withOutput(`"old"`))

	res, err := env.Audit.Replay(context.Background(), owner, original.ID)
	require.NoError(t, err)
	assert.False(t, res.Comparison.StatusMatch)
	assert.False(t, res.Comparison.OutputMatch)
	assert.Equal(t, []string{
		"Status changed: COMPLETED → FAILED",
		"Output differs from original execution",
		`Error changed: "" → "All providers failed. Original error: model gone"`,
	}, res.Comparison.Differences)
}

func TestReplayOtherOwnerIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ex := env.record(t, "mailer", domain.ExecCompleted, time.Minute)
	_, err := env.Audit.Replay(context.Background(), "intruder", ex.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Empty(t, env.Backend.Calls())
}

func TestCompare(t *testing.T) {
	d := func(ms int64) *int64 { return &ms }
	a := domain.Execution{Status: domain.ExecCompleted, Output: json.RawMessage(`{"a":1,"b":[1,2]}`), DurationMs: d(100)}
	b := domain.Execution{Status: domain.ExecCompleted, Output: json.RawMessage(`{ "b": [1, 2], "a": 1 }`), DurationMs: d(2600)}
	c := audit.Compare(a, b)
	assert.True(t, c.OutputMatch, "canonical JSON ignores key order and whitespace")
	assert.Equal(t, int64(2500), c.DurationDiff)
	assert.Equal(t, []string{"Duration increased by 2500ms"}, c.Differences)

	c = audit.Compare(b, a)
	assert.Equal(t, []string{"Duration decreased by 2500ms"}, c.Differences)
}

func TestExportFormats(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, "mailer", domain.ExecFailed, time.Minute, withDuration(12), withCost(0.5),
		func(e *domain.Execution) { e.Error = "boom, twice" })

	var jsonl bytes.Buffer
	require.NoError(t, env.Audit.Export(context.Background(), &jsonl, owner, audit.FormatJSONL, audit.HistoryFilter{}))
	lines := strings.Split(strings.TrimSpace(jsonl.String()), "\n")
	require.Len(t, lines, 1)
	var decoded domain.Execution
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "boom, twice", decoded.Error)

	var csvOut bytes.Buffer
	require.NoError(t, env.Audit.Export(context.Background(), &csvOut, owner, audit.FormatCSV, audit.HistoryFilter{}))
	assert.True(t, strings.HasPrefix(csvOut.String(), "ID,Agent,Status,Started At,Duration (ms),Cost ($),Error\n"))
	assert.Contains(t, csvOut.String(), `,12,0.5,"boom, twice"`)
	records, err := csv.NewReader(&csvOut).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Len(t, records[1], 7, "commas inside a field stay in that field")
	assert.Equal(t, "boom, twice", records[1][6])

	var tbl bytes.Buffer
	require.NoError(t, env.Audit.Export(context.Background(), &tbl, owner, audit.FormatTable, audit.HistoryFilter{}))
	assert.Contains(t, tbl.String(), "AGENT")
	assert.Contains(t, tbl.String(), "agent-mailer")

	err = env.Audit.Export(context.Background(), &tbl, owner, "xml", audit.HistoryFilter{})
	var ufe *audit.UnknownFormatError
	assert.ErrorAs(t, err, &ufe)
}

func TestWriteMetrics(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, audit.WriteMetrics(&buf, audit.Metrics{
		Days: 1, TotalExecutions: 2, ByAgent: map[string]audit.AgentMetrics{"agent-a": {Count: 2}},
		ByDay: []audit.DayMetrics{{Date: "2025-03-10", Count: 2}},
	}))
	assert.Contains(t, buf.String(), "agent-a")
	assert.Contains(t, buf.String(), "2025-03-10")
}
