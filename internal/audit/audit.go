// Package audit reads recorded executions back: history, traces, metrics,
// replay with comparison, and export.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/executor"
	"dracanus/internal/logging"
	"dracanus/internal/repo"
)

const defaultHistoryLimit = 100

type Store interface {
	ListExecutions(ctx context.Context, f repo.ExecutionFilter) ([]domain.Execution, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	InsertExecution(ctx context.Context, e domain.Execution) error
	FinishExecution(ctx context.Context, e domain.Execution) error
}

type Executor interface {
	Execute(ctx context.Context, agent domain.Agent, in domain.TaskInput) executor.Outcome
}

type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

type System struct {
	store        Store
	executor     Executor
	historyLimit int
	metricsDays  int
	logger       *zap.Logger
	now          func() time.Time
}

func New(store Store, exec Executor, cfg *config.Config, opts Options) *System {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limit := cfg.Audit.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	days := cfg.Audit.MetricsDays
	if days <= 0 {
		days = 7
	}
	return &System{
		store:        store,
		executor:     exec,
		historyLimit: limit,
		metricsDays:  days,
		logger:       logging.OrNop(opts.Logger),
		now:          now,
	}
}

// HistoryFilter narrows History. Zero values match everything; Limit
// defaults to the configured history limit.
type HistoryFilter struct {
	AgentID   string
	Status    string
	ProjectID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// History returns the owner's executions, newest first.
func (s *System) History(ctx context.Context, ownerID string, f HistoryFilter) ([]domain.Execution, error) {
	rf := repo.ExecutionFilter{
		OwnerID:   ownerID,
		AgentID:   f.AgentID,
		Status:    f.Status,
		ProjectID: f.ProjectID,
		Limit:     f.Limit,
	}
	if rf.Limit <= 0 {
		rf.Limit = s.historyLimit
	}
	if f.Since != nil {
		rf.Since = domain.FormatTime(*f.Since)
	}
	if f.Until != nil {
		rf.Until = domain.FormatTime(*f.Until)
	}
	return s.store.ListExecutions(ctx, rf)
}

// Trace returns one execution of the owner. Executions of other owners
// read as not found.
func (s *System) Trace(ctx context.Context, ownerID, id string) (domain.Execution, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return domain.Execution{}, err
	}
	if e.OwnerID != ownerID {
		return domain.Execution{}, repo.ErrNotFound
	}
	return e, nil
}

type AgentMetrics struct {
	Count         int     `json:"count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type DayMetrics struct {
	Date        string  `json:"date"`
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"`
}

// Metrics summarizes a trailing window. Rates are percentages and cost is
// in USD.
type Metrics struct {
	Days            int                     `json:"days"`
	TotalExecutions int                     `json:"total_executions"`
	SuccessRate     float64                 `json:"success_rate"`
	AvgDurationMs   float64                 `json:"avg_duration_ms"`
	TotalCost       float64                 `json:"total_cost"`
	BlockedCount    int                     `json:"blocked_count"`
	FailedCount     int                     `json:"failed_count"`
	ByAgent         map[string]AgentMetrics `json:"by_agent"`
	ByDay           []DayMetrics            `json:"by_day"`
}

type tally struct {
	count, completed int
	durationSum      int64
}

func (t *tally) add(e domain.Execution) {
	t.count++
	if e.Status == domain.ExecCompleted {
		t.completed++
		if e.DurationMs != nil {
			t.durationSum += *e.DurationMs
		}
	}
}

func (t tally) successRate() float64 {
	if t.count == 0 {
		return 0
	}
	return float64(t.completed) / float64(t.count) * 100
}

func (t tally) avgDuration() float64 {
	if t.completed == 0 {
		return 0
	}
	return float64(t.durationSum) / float64(t.completed)
}

// Metrics computes performance over the last days days; days <= 0 uses the
// configured default. ByDay has one zero-filled bucket per UTC day,
// oldest first.
func (s *System) Metrics(ctx context.Context, ownerID string, days int) (Metrics, error) {
	if days <= 0 {
		days = s.metricsDays
	}
	now := s.now().UTC()
	since := now.AddDate(0, 0, -days)
	execs, err := s.store.ListExecutions(ctx, repo.ExecutionFilter{OwnerID: ownerID, Since: domain.FormatTime(since)})
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{Days: days, ByAgent: map[string]AgentMetrics{}, ByDay: make([]DayMetrics, 0, days)}
	var overall tally
	agents := map[string]*tally{}
	daily := map[string]*tally{}
	for i := days - 1; i >= 0; i-- {
		key := now.AddDate(0, 0, -i).Format("2006-01-02")
		daily[key] = &tally{}
		m.ByDay = append(m.ByDay, DayMetrics{Date: key})
	}

	for _, e := range execs {
		overall.add(e)
		switch e.Status {
		case domain.ExecBlocked:
			m.BlockedCount++
		case domain.ExecFailed:
			m.FailedCount++
		}
		if e.Cost != nil {
			m.TotalCost += *e.Cost
		}
		at, ok := agents[e.AgentID]
		if !ok {
			at = &tally{}
			agents[e.AgentID] = at
		}
		at.add(e)
		if len(e.StartedAt) >= 10 {
			if dt, ok := daily[e.StartedAt[:10]]; ok {
				dt.add(e)
			}
		}
	}

	m.TotalExecutions = overall.count
	m.SuccessRate = overall.successRate()
	m.AvgDurationMs = overall.avgDuration()
	m.TotalCost = math.Round(m.TotalCost*1e6) / 1e6
	for id, at := range agents {
		m.ByAgent[id] = AgentMetrics{Count: at.count, SuccessRate: at.successRate(), AvgDurationMs: at.avgDuration()}
	}
	for i := range m.ByDay {
		dt := daily[m.ByDay[i].Date]
		m.ByDay[i].Count = dt.count
		m.ByDay[i].SuccessRate = dt.successRate()
	}
	return m, nil
}

type Comparison struct {
	StatusMatch  bool     `json:"status_match"`
	OutputMatch  bool     `json:"output_match"`
	DurationDiff int64    `json:"duration_diff_ms"`
	Differences  []string `json:"differences"`
}

type ReplayResult struct {
	Original   domain.Execution `json:"original"`
	Replay     domain.Execution `json:"replay"`
	Comparison Comparison       `json:"comparison"`
}

// Replay re-runs the stored input of an owner's execution on the same agent
// and records the outcome as a new execution. Policies are not enforced
// again; the original's checked list is carried over.
func (s *System) Replay(ctx context.Context, ownerID, id string) (ReplayResult, error) {
	original, err := s.Trace(ctx, ownerID, id)
	if err != nil {
		return ReplayResult{}, err
	}
	agent, err := s.store.GetAgent(ctx, original.AgentID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("load agent %s: %w", original.AgentID, err)
	}

	replay := domain.Execution{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		AgentID:         original.AgentID,
		GoalID:          original.GoalID,
		ProjectID:       original.ProjectID,
		Input:           original.Input,
		Status:          domain.ExecRunning,
		PoliciesChecked: append([]string{}, original.PoliciesChecked...),
		StartedAt:       domain.FormatTime(s.now()),
	}
	if err := s.store.InsertExecution(ctx, replay); err != nil {
		return ReplayResult{}, fmt.Errorf("insert replay: %w", err)
	}

	out := s.executor.Execute(ctx, agent, original.Input)
	completedAt := domain.FormatTime(s.now())
	duration := out.Metadata.DurationMs
	replay.CompletedAt = &completedAt
	replay.DurationMs = &duration
	replay.TokensUsed = out.Metadata.TokensUsed
	replay.Metadata = out.Metadata.Map()
	replay.Metadata["replay_of"] = original.ID
	if original.DurationMs != nil {
		replay.Metadata["original_duration_ms"] = *original.DurationMs
	}
	if out.Success {
		cost := out.Metadata.Cost
		replay.Status = domain.ExecCompleted
		replay.Output = out.Output()
		replay.Cost = &cost
	} else {
		replay.Status = domain.ExecFailed
		replay.Error = out.Error
	}
	if err := s.store.FinishExecution(ctx, replay); err != nil {
		return ReplayResult{}, fmt.Errorf("finish replay: %w", err)
	}
	s.logger.Info("execution replayed", logging.With(ctx,
		zap.String("original", original.ID), zap.String("replay", replay.ID), zap.String("status", replay.Status))...)

	return ReplayResult{Original: original, Replay: replay, Comparison: Compare(original, replay)}, nil
}

// Compare diffs a replay against its original.
func Compare(original, replay domain.Execution) Comparison {
	c := Comparison{Differences: []string{}}

	c.StatusMatch = original.Status == replay.Status
	if !c.StatusMatch {
		c.Differences = append(c.Differences, fmt.Sprintf("Status changed: %s → %s", original.Status, replay.Status))
	}

	c.OutputMatch = sameJSON(original.Output, replay.Output)
	if !c.OutputMatch {
		c.Differences = append(c.Differences, "Output differs from original execution")
	}

	c.DurationDiff = durationOf(replay) - durationOf(original)
	if c.DurationDiff > 1000 {
		c.Differences = append(c.Differences, fmt.Sprintf("Duration increased by %dms", c.DurationDiff))
	} else if c.DurationDiff < -1000 {
		c.Differences = append(c.Differences, fmt.Sprintf("Duration decreased by %dms", -c.DurationDiff))
	}

	if original.Error != replay.Error {
		c.Differences = append(c.Differences, fmt.Sprintf("Error changed: %q → %q", original.Error, replay.Error))
	}
	return c
}

func durationOf(e domain.Execution) int64 {
	if e.DurationMs == nil {
		return 0
	}
	return *e.DurationMs
}

// sameJSON compares two documents in canonical form so key order and
// whitespace do not matter.
func sameJSON(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	ca, errA := jcs.Transform(a)
	cb, errB := jcs.Transform(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

// sortedAgentIDs returns the keys of m in a stable order for rendering.
func sortedAgentIDs(m map[string]AgentMetrics) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if m[ids[i]].Count != m[ids[j]].Count {
			return m[ids[i]].Count > m[ids[j]].Count
		}
		return ids[i] < ids[j]
	})
	return ids
}
