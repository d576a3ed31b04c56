// Package executor runs one task against one agent definition, falling back
// across completion backends in configured order.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dracanus/internal/completion"
	"dracanus/internal/config"
	"dracanus/internal/domain"
	"dracanus/internal/logging"
	"dracanus/internal/telemetry"
)

// Metadata describes how an outcome was produced.
type Metadata struct {
	Backend    string  `json:"backend"`
	Model      string  `json:"model"`
	TokensUsed *int    `json:"tokens_used,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Cost       float64 `json:"cost"`
}

// Map renders the metadata for Execution.Metadata.
func (m Metadata) Map() map[string]any {
	out := map[string]any{
		"backend":     m.Backend,
		"model":       m.Model,
		"duration_ms": m.DurationMs,
		"cost":        m.Cost,
	}
	if m.TokensUsed != nil {
		out["tokens_used"] = *m.TokensUsed
	}
	return out
}

type Outcome struct {
	Success  bool     `json:"success"`
	Result   string   `json:"result,omitempty"`
	Error    string   `json:"error,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Output encodes the result as the JSON stored on an execution. Failed
// outcomes have no output.
func (o Outcome) Output() json.RawMessage {
	if !o.Success {
		return nil
	}
	data, _ := json.Marshal(o.Result)
	return data
}

// Executor is stateless apart from its configuration and safe for
// concurrent use.
type Executor struct {
	registry    *completion.Registry
	temperature float64
	maxTokens   int
	logger      *zap.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

func New(registry *completion.Registry, cfg config.Completion, logger *zap.Logger, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		registry:    registry,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logging.OrNop(logger),
		metrics:     metrics,
		now:         time.Now,
	}
}

// WithClock overrides the clock used to measure durations.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute never returns an error: backend failures become a failed Outcome.
func (e *Executor) Execute(ctx context.Context, agent domain.Agent, in domain.TaskInput) Outcome {
	start := e.now()
	req := completion.Request{
		System:      agent.SystemPrompt,
		Prompt:      BuildPrompt(agent, in),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}

	preferred := agent.ModelPreference
	resp, err := e.call(ctx, preferred, req)
	if err == nil {
		return e.success(ctx, start, preferred, resp)
	}
	firstErr := err
	e.logger.Warn("completion backend failed", logging.With(ctx,
		zap.String("backend", preferred), zap.String("agent", agent.ID), zap.Error(err))...)
	e.metrics.RecordBackendFailure(ctx, preferred)

	for _, name := range e.registry.FallbackOrder() {
		if name == preferred {
			continue
		}
		b, ok := e.registry.Get(name)
		if !ok || !b.Configured() {
			continue
		}
		resp, err := b.Complete(ctx, req)
		if err != nil {
			e.logger.Warn("fallback backend failed", logging.With(ctx,
				zap.String("backend", name), zap.String("agent", agent.ID), zap.Error(err))...)
			e.metrics.RecordBackendFailure(ctx, name)
			continue
		}
		return e.success(ctx, start, name, resp)
	}

	out := Outcome{
		Error: fmt.Sprintf("All providers failed. Original error: %s", firstErr.Error()),
		Metadata: Metadata{
			Backend:    preferred,
			Model:      "none",
			DurationMs: e.now().Sub(start).Milliseconds(),
		},
	}
	e.metrics.RecordExecution(ctx, preferred, false, out.Metadata.DurationMs, 0)
	return out
}

func (e *Executor) call(ctx context.Context, name string, req completion.Request) (completion.Response, error) {
	b, ok := e.registry.Get(name)
	if !ok {
		return completion.Response{}, fmt.Errorf("backend %s not available", name)
	}
	if !b.Configured() {
		return completion.Response{}, fmt.Errorf("backend %s: %w", name, completion.ErrNotConfigured)
	}
	return b.Complete(ctx, req)
}

func (e *Executor) success(ctx context.Context, start time.Time, name string, resp completion.Response) Outcome {
	b, _ := e.registry.Get(name)
	out := Outcome{
		Success: true,
		Result:  resp.Content,
		Metadata: Metadata{
			Backend:    name,
			Model:      resp.Model,
			TokensUsed: resp.TokensUsed,
			DurationMs: e.now().Sub(start).Milliseconds(),
			Cost:       b.Cost(resp.TokensUsed),
		},
	}
	e.metrics.RecordExecution(ctx, name, true, out.Metadata.DurationMs, out.Metadata.Cost)
	return out
}

// BuildPrompt renders the user prompt for a task.
func BuildPrompt(agent domain.Agent, in domain.TaskInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\n", in.Goal)
	if in.Context != nil {
		fmt.Fprintf(&sb, "Context:\n%s\n\n", indentJSON(in.Context))
	}
	if in.Parameters != nil {
		fmt.Fprintf(&sb, "Parameters:\n%s\n\n", indentJSON(in.Parameters))
	}
	sb.WriteString("Execute this task according to your capabilities: ")
	sb.WriteString(strings.Join(agent.Capabilities, ", "))
	return sb.String()
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
