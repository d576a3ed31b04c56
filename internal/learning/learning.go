// Package learning mines an owner's recent executions for recurring
// patterns and stores them as ranked insights. Insights are advisory; routing
// does not read them.
package learning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/logging"
	"dracanus/internal/repo"
	"dracanus/internal/telemetry"
)

const (
	defaultInsightLimit = 10
	performanceDays     = 30
)

type Store interface {
	ListExecutions(ctx context.Context, f repo.ExecutionFilter) ([]domain.Execution, error)
	InsertLearnings(ctx context.Context, ownerID string, learnings []domain.Learning) error
	ListLearnings(ctx context.Context, ownerID string, limit int) ([]domain.Learning, error)
}

type Options struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type Engine struct {
	store         Store
	windowDays    int
	sampleLimit   int
	minExecutions int
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	now           func() time.Time
}

func New(store Store, cfg *config.Config, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		store:         store,
		windowDays:    cfg.Learning.WindowDays,
		sampleLimit:   cfg.Learning.SampleLimit,
		minExecutions: cfg.Learning.MinExecutions,
		logger:        logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		now:           now,
	}
	if e.windowDays <= 0 {
		e.windowDays = 7
	}
	if e.sampleLimit <= 0 {
		e.sampleLimit = 100
	}
	if e.minExecutions <= 0 {
		e.minExecutions = 5
	}
	return e
}

func (e *Engine) recent(ctx context.Context, ownerID string, days int) ([]domain.Execution, error) {
	since := e.now().AddDate(0, 0, -days)
	return e.store.ListExecutions(ctx, repo.ExecutionFilter{
		OwnerID: ownerID,
		Since:   domain.FormatTime(since),
		Limit:   e.sampleLimit,
	})
}

// Analyze runs every detector over the owner's recent executions and
// persists the findings as one batch. Below the minimum sample nothing is
// analyzed or written.
func (e *Engine) Analyze(ctx context.Context, ownerID string) ([]domain.Learning, error) {
	execs, err := e.recent(ctx, ownerID, e.windowDays)
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	if len(execs) < e.minExecutions {
		e.logger.Debug("not enough executions to learn from", logging.With(ctx,
			zap.Int("executions", len(execs)), zap.Int("minimum", e.minExecutions))...)
		return []domain.Learning{}, nil
	}

	createdAt := domain.FormatTime(e.now())
	patterns := Detect(execs)
	learnings := make([]domain.Learning, 0, len(patterns))
	counts := map[string]int{}
	for _, p := range patterns {
		learnings = append(learnings, domain.Learning{
			ID:                 uuid.NewString(),
			OwnerID:            ownerID,
			AgentID:            pluralityAgent(p.SourceExecutionIDs, execs),
			Type:               p.Type,
			Pattern:            p.Pattern,
			Insight:            p.Insight,
			Confidence:         p.Confidence,
			SourceExecutionIDs: p.SourceExecutionIDs,
			CreatedAt:          createdAt,
		})
		counts[p.Type]++
	}
	if err := e.store.InsertLearnings(ctx, ownerID, learnings); err != nil {
		return nil, fmt.Errorf("store learnings: %w", err)
	}
	for t, n := range counts {
		e.metrics.RecordInsights(ctx, t, n)
	}
	e.logger.Info("executions analyzed", logging.With(ctx,
		zap.Int("executions", len(execs)), zap.Int("insights", len(learnings)))...)
	return learnings, nil
}

// Insights returns stored insights by confidence, then recency. limit <= 0
// returns the default ten.
func (e *Engine) Insights(ctx context.Context, ownerID string, limit int) ([]domain.Learning, error) {
	if limit <= 0 {
		limit = defaultInsightLimit
	}
	return e.store.ListLearnings(ctx, ownerID, limit)
}

type AgentPerformance struct {
	AgentID         string  `json:"agent_id"`
	TotalExecutions int     `json:"total_executions"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Blocked         int     `json:"blocked"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

// Performance summarizes each agent over the last 30 days, busiest first.
func (e *Engine) Performance(ctx context.Context, ownerID string) ([]AgentPerformance, error) {
	execs, err := e.recent(ctx, ownerID, performanceDays)
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	g := groupBy(execs, byAgent)
	out := make([]AgentPerformance, 0, len(g.keys))
	for _, agentID := range g.keys {
		bucket := g.buckets[agentID]
		p := AgentPerformance{AgentID: agentID, TotalExecutions: len(bucket)}
		var completed []domain.Execution
		for _, ex := range bucket {
			switch ex.Status {
			case domain.ExecCompleted:
				completed = append(completed, ex)
			case domain.ExecFailed:
				p.Failed++
			case domain.ExecBlocked:
				p.Blocked++
			}
		}
		p.Completed = len(completed)
		p.SuccessRate = percentOf(p.Completed, p.TotalExecutions)
		p.AvgDurationMs = meanDuration(completed)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalExecutions > out[j].TotalExecutions })
	return out, nil
}
