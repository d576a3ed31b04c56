// Package orchestrator turns a goal into jobs, admits each job through the
// policy enforcer, runs it on its agent and records every attempt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dracanus/internal/completion"
	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/executor"
	"dracanus/internal/logging"
	"dracanus/internal/policy"
	"dracanus/internal/repo"
	"dracanus/internal/telemetry"
)

// Overall outcomes of a run. Partial runs are stored as a FAILED goal.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
)

type Store interface {
	InsertGoal(ctx context.Context, g domain.Goal) error
	SetGoalJobs(ctx context.Context, g domain.Goal, jobs []domain.Job) error
	FinishGoal(ctx context.Context, g domain.Goal, status, summary, completedAt string) error
	ActiveAgents(ctx context.Context) ([]domain.Agent, error)
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	GetProject(ctx context.Context, ownerID, id string) (domain.Project, error)
	InsertExecution(ctx context.Context, e domain.Execution) error
	FinishExecution(ctx context.Context, e domain.Execution) error
	IncrementAgentDeployments(ctx context.Context, agentID string) error
}

type Enforcer interface {
	Enforce(ctx context.Context, in policy.Input) (policy.Verdict, error)
}

type Executor interface {
	Execute(ctx context.Context, agent domain.Agent, in domain.TaskInput) executor.Outcome
}

type Request struct {
	OwnerID     string
	Goal        string
	ProjectID   string
	Context     map[string]any
	Environment string
}

// UnknownProjectError rejects a goal whose project is missing or owned by
// someone else. No goal is stored.
type UnknownProjectError struct {
	ProjectID string
}

func (e *UnknownProjectError) Error() string {
	return fmt.Sprintf("project %s not found", e.ProjectID)
}

type JobResult struct {
	AgentID     string `json:"agent_id"`
	ExecutionID string `json:"execution_id"`
	Task        string `json:"task"`
	Status      string `json:"status" enum:"COMPLETED,FAILED,BLOCKED"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Result struct {
	GoalID  string      `json:"goal_id"`
	Status  string      `json:"status" enum:"completed,partial,failed,blocked"`
	Jobs    []JobResult `json:"jobs"`
	Summary string      `json:"summary"`
}

type Options struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type Orchestrator struct {
	store    Store
	enforcer Enforcer
	executor Executor
	registry *completion.Registry

	decompositionBackend string
	temperature          float64
	maxTokens            int
	keywords             []config.KeywordRule
	scheduling           string
	environment          string

	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(store Store, enforcer Enforcer, exec Executor, registry *completion.Registry, cfg *config.Config, opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:                store,
		enforcer:             enforcer,
		executor:             exec,
		registry:             registry,
		decompositionBackend: cfg.Completion.DecompositionBackend,
		temperature:          cfg.Completion.Temperature,
		maxTokens:            cfg.Completion.MaxTokens,
		keywords:             cfg.Routing.Keywords,
		scheduling:           cfg.Routing.Scheduling,
		environment:          cfg.Environment,
		logger:               logging.OrNop(opts.Logger),
		metrics:              opts.Metrics,
		now:                  now,
	}
}

func (o *Orchestrator) timestamp() string {
	return domain.FormatTime(o.now())
}

// Submit runs a goal to completion. Jobs run one at a time and a failing
// job never stops the rest. The returned error is a store failure; the
// goal is then marked FAILED when the store still accepts writes.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Environment == "" {
		req.Environment = o.environment
	}
	if req.ProjectID != "" {
		if _, err := o.store.GetProject(ctx, req.OwnerID, req.ProjectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Result{}, &UnknownProjectError{ProjectID: req.ProjectID}
			}
			return Result{}, fmt.Errorf("load project: %w", err)
		}
	}
	goal := domain.Goal{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		ProjectID:   req.ProjectID,
		Description: req.Goal,
		Status:      domain.GoalDecomposing,
		Priority:    defaultPriority,
		Environment: req.Environment,
		CreatedAt:   o.timestamp(),
	}
	if err := o.store.InsertGoal(ctx, goal); err != nil {
		return Result{}, fmt.Errorf("insert goal: %w", err)
	}
	ctx = logging.WithGoal(logging.WithOwner(ctx, req.OwnerID), goal.ID)

	res, err := o.run(ctx, goal, req)
	if err != nil {
		if ferr := o.store.FinishGoal(ctx, goal, domain.GoalFailed, err.Error(), o.timestamp()); ferr != nil {
			o.logger.Error("mark goal failed", logging.With(ctx, zap.Error(ferr))...)
		}
		o.metrics.RecordGoal(ctx, domain.GoalFailed, 0)
		return Result{}, err
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, goal domain.Goal, req Request) (Result, error) {
	agents, err := o.store.ActiveAgents(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load agents: %w", err)
	}
	jobs, err := o.decompose(ctx, req, agents)
	if err != nil {
		return Result{}, err
	}
	if err := o.store.SetGoalJobs(ctx, goal, jobs); err != nil {
		return Result{}, fmt.Errorf("store jobs: %w", err)
	}

	jobs, routed, err := o.route(ctx, jobs)
	if err != nil {
		return Result{}, err
	}

	results := make([]JobResult, 0, len(jobs))
	for _, i := range Schedule(jobs, o.scheduling) {
		jr, err := o.runJob(ctx, goal, req, jobs[i], routed[i])
		if err != nil {
			return Result{}, err
		}
		results = append(results, jr)
	}

	status := Status(results)
	summary := Summary(results)
	if err := o.store.FinishGoal(ctx, goal, GoalStatus(status), summary, o.timestamp()); err != nil {
		return Result{}, fmt.Errorf("finish goal: %w", err)
	}
	o.metrics.RecordGoal(ctx, GoalStatus(status), len(results))
	o.logger.Info("goal finished", logging.With(ctx, zap.String("status", status), zap.String("summary", summary))...)
	return Result{GoalID: goal.ID, Status: status, Jobs: results, Summary: summary}, nil
}

// route resolves each job's agent and drops jobs whose agent is gone.
func (o *Orchestrator) route(ctx context.Context, jobs []domain.Job) ([]domain.Job, []domain.Agent, error) {
	keep := make([]bool, len(jobs))
	var kept []domain.Job
	var agents []domain.Agent
	for i, j := range jobs {
		agent, err := o.store.GetAgent(ctx, j.AgentID)
		if errors.Is(err, repo.ErrNotFound) {
			o.logger.Warn("dropping job for missing agent", logging.With(ctx, zap.String("agent", j.AgentID))...)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("resolve agent %s: %w", j.AgentID, err)
		}
		keep[i] = true
		kept = append(kept, j)
		agents = append(agents, agent)
	}
	return remapDependencies(kept, keep), agents, nil
}

// runJob records exactly one execution for job. Errors are store failures.
func (o *Orchestrator) runJob(ctx context.Context, goal domain.Goal, req Request, job domain.Job, agent domain.Agent) (JobResult, error) {
	exec := domain.Execution{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		AgentID:         agent.ID,
		GoalID:          goal.ID,
		ProjectID:       req.ProjectID,
		Input:           domain.TaskInput{Goal: job.Task, Context: req.Context},
		PoliciesChecked: []string{},
		StartedAt:       o.timestamp(),
	}
	jr := JobResult{AgentID: agent.ID, ExecutionID: exec.ID, Task: job.Task}

	verdict, err := o.enforcer.Enforce(ctx, policy.Input{
		OwnerID:     req.OwnerID,
		AgentID:     agent.ID,
		Action:      map[string]any{"task": job.Task, "goal": req.Goal},
		ProjectID:   req.ProjectID,
		Environment: req.Environment,
	})
	if err != nil {
		o.logger.Warn("policy check failed", logging.With(ctx, zap.String("agent", agent.ID), zap.Error(err))...)
		return o.insertTerminal(ctx, exec, jr, domain.ExecFailed, err.Error())
	}
	if verdict.Policy != nil {
		exec.PoliciesChecked = []string{verdict.Policy.ID}
	}
	if !verdict.Allowed {
		exec.BlockedBy = verdict.Policy.ID
		return o.insertTerminal(ctx, exec, jr, domain.ExecBlocked, verdict.Reason)
	}

	exec.Status = domain.ExecRunning
	if err := o.store.InsertExecution(ctx, exec); err != nil {
		return jr, fmt.Errorf("insert execution: %w", err)
	}

	out := o.executor.Execute(ctx, agent, exec.Input)
	completedAt := o.timestamp()
	duration := out.Metadata.DurationMs
	exec.CompletedAt = &completedAt
	exec.DurationMs = &duration
	exec.TokensUsed = out.Metadata.TokensUsed
	exec.Metadata = out.Metadata.Map()
	if out.Success {
		cost := out.Metadata.Cost
		exec.Status = domain.ExecCompleted
		exec.Output = out.Output()
		exec.Cost = &cost
		jr.Result = out.Result
	} else {
		exec.Status = domain.ExecFailed
		exec.Error = out.Error
		jr.Error = out.Error
	}
	if err := o.store.FinishExecution(ctx, exec); err != nil {
		return jr, fmt.Errorf("finish execution: %w", err)
	}
	jr.Status = exec.Status

	if exec.Status == domain.ExecCompleted {
		if err := o.store.IncrementAgentDeployments(ctx, agent.ID); err != nil {
			o.logger.Warn("increment deployment count", logging.With(ctx, zap.String("agent", agent.ID), zap.Error(err))...)
		}
	}
	return jr, nil
}

func (o *Orchestrator) insertTerminal(ctx context.Context, exec domain.Execution, jr JobResult, status, reason string) (JobResult, error) {
	completedAt := o.timestamp()
	exec.Status = status
	exec.Error = reason
	exec.CompletedAt = &completedAt
	if err := o.store.InsertExecution(ctx, exec); err != nil {
		return jr, fmt.Errorf("insert execution: %w", err)
	}
	jr.Status = status
	jr.Error = reason
	return jr, nil
}

// Status folds job outcomes into the run outcome. A run with no jobs is
// complete.
func Status(results []JobResult) string {
	var completed, blocked, failed int
	for _, r := range results {
		switch r.Status {
		case domain.ExecCompleted:
			completed++
		case domain.ExecBlocked:
			blocked++
		case domain.ExecFailed:
			failed++
		}
	}
	switch {
	case completed == len(results):
		return StatusCompleted
	case blocked > 0:
		return StatusBlocked
	case failed == len(results):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// GoalStatus maps a run outcome onto the persisted goal status.
func GoalStatus(status string) string {
	switch status {
	case StatusCompleted:
		return domain.GoalCompleted
	case StatusBlocked:
		return domain.GoalBlocked
	default:
		return domain.GoalFailed
	}
}

func Summary(results []JobResult) string {
	var completed, blocked, failed int
	for _, r := range results {
		switch r.Status {
		case domain.ExecCompleted:
			completed++
		case domain.ExecBlocked:
			blocked++
		case domain.ExecFailed:
			failed++
		}
	}
	s := fmt.Sprintf("%d/%d jobs completed", completed, len(results))
	if blocked > 0 {
		s += fmt.Sprintf(", %d blocked", blocked)
	}
	if failed > 0 {
		s += fmt.Sprintf(", %d failed", failed)
	}
	return s
}
