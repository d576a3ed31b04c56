package server

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dracanus/internal/audit"
	"dracanus/internal/domain"
	"dracanus/internal/engine"
	"dracanus/internal/learning"
	"dracanus/internal/orchestrator"
)

func registerGoals(api huma.API, o *orchestrator.Orchestrator, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-goal",
		Method:      http.MethodPost,
		Path:        "/goals",
		Summary:     "Submit a goal",
		Description: "Decomposes the goal, admits every job through the policies and runs it. Responds once every job has finished.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SubmitGoalRequest `json:"body"`
	}) (*struct {
		Body orchestrator.Result `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		goal := strings.TrimSpace(input.Body.Goal)
		if goal == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "goal is required", nil)
		}
		res, err := o.Submit(ctx, orchestrator.Request{
			OwnerID:     owner,
			Goal:        goal,
			ProjectID:   input.Body.ProjectID,
			Context:     input.Body.Context,
			Environment: input.Body.Environment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Goal `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		goals, err := e.ListGoals(ctx, owner, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Goal `json:"body"`
		}{Body: nonNil(goals)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{id}",
		Summary:     "Get a goal with its decomposed jobs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.GetGoal(ctx, owner, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})
}

type historyQuery struct {
	AgentID   string `query:"agent_id"`
	Status    string `query:"status" enum:"RUNNING,COMPLETED,FAILED,BLOCKED"`
	ProjectID string `query:"project_id"`
	Since     string `query:"since" doc:"RFC 3339 lower bound on started_at"`
	Until     string `query:"until" doc:"RFC 3339 upper bound on started_at"`
	Limit     int    `query:"limit" default:"50"`
}

func (q historyQuery) filter() (audit.HistoryFilter, huma.StatusError) {
	since, err := parseTimeParam("since", q.Since)
	if err != nil {
		return audit.HistoryFilter{}, err
	}
	until, err := parseTimeParam("until", q.Until)
	if err != nil {
		return audit.HistoryFilter{}, err
	}
	return audit.HistoryFilter{
		AgentID:   q.AgentID,
		Status:    q.Status,
		ProjectID: q.ProjectID,
		Since:     since,
		Until:     until,
		Limit:     q.Limit,
	}, nil
}

func registerExecutions(api huma.API, a *audit.System) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "Execution history, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *historyQuery) (*struct {
		Body []domain.Execution `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, ferr := input.filter()
		if ferr != nil {
			return nil, ferr
		}
		execs, err := a.History(ctx, owner, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Execution `json:"body"`
		}{Body: nonNil(execs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-executions",
		Method:      http.MethodGet,
		Path:        "/executions/export",
		Summary:     "Export execution history as jsonl, csv or a table",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		historyQuery
		Format string `query:"format" default:"jsonl"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, ferr := input.filter()
		if ferr != nil {
			return nil, ferr
		}
		var buf bytes.Buffer
		if err := a.Export(ctx, &buf, owner, input.Format, f); err != nil {
			return nil, handleError(err)
		}
		contentType := "application/x-ndjson"
		switch input.Format {
		case audit.FormatCSV:
			contentType = "text/csv"
		case audit.FormatTable:
			contentType = "text/plain; charset=utf-8"
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: contentType, Body: buf.Bytes()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Execution trace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := a.Trace(ctx, owner, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{id}/replay",
		Summary:     "Re-run an execution and compare the outcomes",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body audit.ReplayResult `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.Replay(ctx, owner, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body audit.ReplayResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Performance metrics over a trailing window",
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" minimum:"0" maximum:"365"`
	}) (*struct {
		Body audit.Metrics `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.Metrics(ctx, owner, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body audit.Metrics `json:"body"`
		}{Body: m}, nil
	})
}

func registerLearning(api huma.API, l *learning.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/learning/analyze",
		Summary:     "Mine recent executions for patterns",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AnalyzeResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		insights, err := l.Analyze(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalyzeResponse `json:"body"`
		}{Body: AnalyzeResponse{InsightsGenerated: len(insights), Insights: nonNil(insights)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-insights",
		Method:      http.MethodGet,
		Path:        "/learning/insights",
		Summary:     "Stored insights, most confident first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"10"`
	}) (*struct {
		Body []domain.Learning `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := l.Insights(ctx, owner, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Learning `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-performance",
		Method:      http.MethodGet,
		Path:        "/learning/agents",
		Summary:     "Per-agent totals over the last 30 days",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []learning.AgentPerformance `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := l.Performance(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []learning.AgentPerformance `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}
