package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dracanus/internal/app"
	"dracanus/internal/audit"
	"dracanus/internal/orchestrator"
)

func goalCmd() *cobra.Command {
	goals := &cobra.Command{
		Use:   "goal",
		Short: "Submit and inspect goals",
		Long:  "A goal is decomposed into jobs; every job passes the policies before it runs and every attempt is recorded as an execution.",
	}
	goals.AddCommand(goalSubmitCmd(), goalListCmd(), goalShowCmd())
	return goals
}

func goalSubmitCmd() *cobra.Command {
	var environment string
	var goalContext map[string]string
	cmd := &cobra.Command{
		Use:   "submit <goal text>",
		Short: "Decompose and run a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.TrimSpace(strings.Join(args, " "))
			if goal == "" {
				return fmt.Errorf("goal text is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Submit(ctx, orchestrator.Request{
					OwnerID:     owner(),
					Goal:        goal,
					ProjectID:   viper.GetString("project"),
					Context:     toAnyMap(goalContext),
					Environment: environment,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "goal %s: %s\n", res.GoalID, res.Status)
				rows := make([]table.Row, 0, len(res.Jobs))
				for _, j := range res.Jobs {
					detail := j.Error
					if detail == "" {
						detail = j.Result
					}
					rows = append(rows, table.Row{j.ExecutionID, j.AgentID, j.Status, truncate(j.Task, 40), truncate(detail, 60)})
				}
				if err := output(out, res, table.Row{"Execution", "Agent", "Status", "Task", "Result"}, rows); err != nil {
					return err
				}
				if res.Summary != "" {
					fmt.Fprintln(out, res.Summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&environment, "env", "", "sandbox or production (defaults to config)")
	cmd.Flags().StringToStringVar(&goalContext, "context", nil, "extra context key=value")
	return cmd
}

func goalListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListGoals(ctx, owner(), limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, g := range items {
					rows = append(rows, table.Row{g.ID, g.Status, truncate(g.Description, 50), g.CreatedAt})
				}
				return output(cmd.OutOrStdout(), items, table.Row{"ID", "Status", "Goal", "Created"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum goals")
	return cmd
}

func goalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a goal with its decomposed jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.GetGoal(ctx, owner(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), g)
			})
		},
	}
}

type historyFlags struct {
	agentID, status, since, until string
	limit                         int
}

func (h *historyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&h.agentID, "agent", "", "agent id filter")
	cmd.Flags().StringVar(&h.status, "status", "", "RUNNING, COMPLETED, FAILED or BLOCKED")
	cmd.Flags().StringVar(&h.since, "since", "", "RFC 3339 lower bound on start time")
	cmd.Flags().StringVar(&h.until, "until", "", "RFC 3339 upper bound on start time")
	cmd.Flags().IntVar(&h.limit, "limit", 0, "maximum executions (defaults to config)")
}

func (h *historyFlags) filter() (audit.HistoryFilter, error) {
	since, err := parseTimeFlag("since", h.since)
	if err != nil {
		return audit.HistoryFilter{}, err
	}
	until, err := parseTimeFlag("until", h.until)
	if err != nil {
		return audit.HistoryFilter{}, err
	}
	return audit.HistoryFilter{
		AgentID:   h.agentID,
		Status:    strings.ToUpper(h.status),
		ProjectID: viper.GetString("project"),
		Since:     since,
		Until:     until,
		Limit:     h.limit,
	}, nil
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{
		Use:   "exec",
		Short: "Execution history, traces and replay",
	}
	ex.AddCommand(execListCmd(), execTraceCmd(), execReplayCmd(), execExportCmd())
	return ex
}

func execListCmd() *cobra.Command {
	var h historyFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := h.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				execs, err := a.Audit.History(ctx, owner(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), execs)
				}
				return audit.WriteExecutions(cmd.OutOrStdout(), audit.FormatTable, execs)
			})
		},
	}
	h.register(cmd)
	return cmd
}

func execTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <id>",
		Short: "Show the full record of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ex, err := a.Audit.Trace(ctx, owner(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ex)
			})
		},
	}
}

func execReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-run an execution and compare both outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Audit.Replay(ctx, owner(), args[0])
				if err != nil {
					return err
				}
				c := res.Comparison
				rows := []table.Row{
					{"execution", res.Original.ID, res.Replay.ID},
					{"status", res.Original.Status, res.Replay.Status},
					{"status match", c.StatusMatch, ""},
					{"output match", c.OutputMatch, ""},
					{"duration diff (ms)", c.DurationDiff, ""},
				}
				for _, d := range c.Differences {
					rows = append(rows, table.Row{"difference", d, ""})
				}
				return output(cmd.OutOrStdout(), res, table.Row{"", "Original", "Replay"}, rows)
			})
		},
	}
}

func execExportCmd() *cobra.Command {
	var h historyFlags
	var format, path string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export executions as jsonl, csv or a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := h.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var w io.Writer = cmd.OutOrStdout()
				if path != "" {
					file, err := os.Create(path)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				return a.Audit.Export(ctx, w, owner(), format, f)
			})
		},
	}
	h.register(cmd)
	cmd.Flags().StringVar(&format, "format", audit.FormatJSONL, "jsonl, csv or table")
	cmd.Flags().StringVarP(&path, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func metricsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Execution metrics over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Audit.Metrics(ctx, owner(), days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), m)
				}
				return audit.WriteMetrics(cmd.OutOrStdout(), m)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "window in days (defaults to config)")
	return cmd
}

func learnCmd() *cobra.Command {
	learn := &cobra.Command{
		Use:   "learn",
		Short: "Patterns mined from recent executions",
		Long:  "Insights are advisory: success and failure patterns, slow agents, preferred agents and frequently triggered policies.",
	}

	insightRows := func(w io.Writer, v any, items []insightRow) error {
		rows := make([]table.Row, 0, len(items))
		for _, it := range items {
			rows = append(rows, table.Row{it.Type, it.AgentID, fmt.Sprintf("%.2f", it.Confidence), truncate(it.Insight, 70)})
		}
		return output(w, v, table.Row{"Type", "Agent", "Confidence", "Insight"}, rows)
	}

	analyze := &cobra.Command{
		Use:   "analyze",
		Short: "Mine recent executions and store the insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Learning.Analyze(ctx, owner())
				if err != nil {
					return err
				}
				rows := make([]insightRow, 0, len(items))
				for _, it := range items {
					rows = append(rows, insightRow{it.Type, it.AgentID, it.Confidence, it.Insight})
				}
				return insightRows(cmd.OutOrStdout(), items, rows)
			})
		},
	}

	var limit int
	insights := &cobra.Command{
		Use:   "insights",
		Short: "Stored insights, most confident first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Learning.Insights(ctx, owner(), limit)
				if err != nil {
					return err
				}
				rows := make([]insightRow, 0, len(items))
				for _, it := range items {
					rows = append(rows, insightRow{it.Type, it.AgentID, it.Confidence, it.Insight})
				}
				return insightRows(cmd.OutOrStdout(), items, rows)
			})
		},
	}
	insights.Flags().IntVar(&limit, "limit", 10, "maximum insights")

	agents := &cobra.Command{
		Use:   "agents",
		Short: "Per-agent totals over the last 30 days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Learning.Performance(ctx, owner())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.AgentID, p.TotalExecutions, p.Completed, p.Failed, p.Blocked,
						fmt.Sprintf("%.0f%%", p.SuccessRate), fmt.Sprintf("%.0f", p.AvgDurationMs)})
				}
				return output(cmd.OutOrStdout(), items, table.Row{"Agent", "Total", "Completed", "Failed", "Blocked", "Success", "Avg ms"}, rows)
			})
		},
	}

	learn.AddCommand(analyze, insights, agents)
	return learn
}

type insightRow struct {
	Type       string
	AgentID    string
	Confidence float64
	Insight    string
}
