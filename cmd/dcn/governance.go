package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dracanus/internal/app"
	"dracanus/internal/domain"
	"dracanus/internal/engine"
)

func policyCmd() *cobra.Command {
	pol := &cobra.Command{
		Use:   "policy",
		Short: "Manage governance policies",
		Long: `Policies are checked before every job. Conditions per type:
  RATE_LIMIT        {"limit": 10, "window": "hour"}
  BUDGET_LIMIT      {"limit": 5.0, "window": "day"}
  CONTENT_FILTER    {"blacklist": ["password"]} or {"whitelist": [...]}
  APPROVAL_REQUIRED {"triggers": [{"pattern": "send"}]}
  TIME_WINDOW       {"allowed_hours": [9, 10, 11], "timezone": "Europe/Paris"}
  CUSTOM            {"expression": "environment == 'production' && hour < 8"}`,
	}
	pol.AddCommand(policyCreateCmd(), policyListCmd(), policyToggleCmd("enable", true), policyToggleCmd("disable", false))
	return pol
}

func policyCreateCmd() *cobra.Command {
	var in engine.PolicyInput
	var conditions, expires string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conditions == "" {
				return fmt.Errorf("--conditions required")
			}
			if err := json.Unmarshal([]byte(conditions), &in.Conditions); err != nil {
				return fmt.Errorf("--conditions must be a JSON object: %w", err)
			}
			exp, err := parseTimeFlag("expires", expires)
			if err != nil {
				return err
			}
			in.ExpiresAt = exp
			if inactive {
				active := false
				in.Active = &active
			}
			in.Type = strings.ToUpper(in.Type)
			in.Action = strings.ToUpper(in.Action)
			in.Severity = strings.ToUpper(in.Severity)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.OwnerID = owner()
				in.ProjectID = viper.GetString("project")
				p, err := a.Engine.CreatePolicy(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created policy %s (%s %s)\n", p.ID, p.Type, p.Action)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "policy name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Type, "type", "", "RATE_LIMIT, CONTENT_FILTER, APPROVAL_REQUIRED, BUDGET_LIMIT, TIME_WINDOW or CUSTOM")
	cmd.Flags().StringVar(&in.Action, "action", "", "WARN, BLOCK or REQUIRE_APPROVAL")
	cmd.Flags().StringVar(&in.Severity, "severity", "", "LOW, MEDIUM, HIGH or CRITICAL (default MEDIUM)")
	cmd.Flags().StringVar(&conditions, "conditions", "", "conditions as a JSON object")
	cmd.Flags().StringVar(&expires, "expires", "", "RFC 3339 expiry")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the policy disabled")
	return cmd
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListPolicies(ctx, owner())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, p.Type, p.Action, p.Severity, p.Active, p.TriggeredCount})
				}
				return output(cmd.OutOrStdout(), items, table.Row{"ID", "Name", "Type", "Action", "Severity", "Active", "Triggered"}, rows)
			})
		},
	}
}

func policyToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.SetPolicyActive(ctx, owner(), args[0], active)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "policy %s active=%t\n", p.ID, p.Active)
				return nil
			})
		},
	}
}

func blockedCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "blocked",
		Short: "Review actions stopped by policies",
	}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List blocked actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListBlockedActions(ctx, owner(), strings.ToUpper(status), limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.PolicyID, it.AgentID, it.Status, truncate(it.Reason, 60), it.CreatedAt})
				}
				return output(cmd.OutOrStdout(), items, table.Row{"ID", "Policy", "Agent", "Status", "Reason", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "PENDING, APPROVED or REJECTED")
	list.Flags().IntVar(&limit, "limit", 50, "maximum actions")

	b.AddCommand(list, resolveCmd("approve", domain.BlockedApproved), resolveCmd("reject", domain.BlockedRejected))
	return b
}

func resolveCmd(use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pending blocked action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ba, err := a.Engine.ResolveBlockedAction(ctx, owner(), args[0], status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), ba)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocked action %s is now %s\n", ba.ID, ba.Status)
				return nil
			})
		},
	}
}
