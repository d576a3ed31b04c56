package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dracanus/internal/app"
	"dracanus/internal/engine"
	"dracanus/internal/repo"
)

func agentCmd() *cobra.Command {
	agents := &cobra.Command{
		Use:   "agent",
		Short: "Browse and deploy agents",
		Long:  "Agents are capability profiles goals are routed to. Routing prefers the most deployed agent of a category.",
	}
	agents.AddCommand(agentSeedCmd(), agentListCmd(), agentShowCmd(), agentDeployCmd())
	return agents
}

func agentSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Install the built-in agent catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.SeedAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]int{"seeded": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agents\n", n)
				return nil
			})
		},
	}
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents, featured first then most deployed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.Category = strings.ToUpper(f.Category)
				items, err := a.Engine.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ag := range items {
					rows = append(rows, table.Row{ag.Slug, ag.Name, ag.Category, ag.ModelPreference, ag.Featured, ag.DeploymentCount})
				}
				return output(cmd.OutOrStdout(), items, table.Row{"Slug", "Name", "Category", "Backend", "Featured", "Deployments"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter (EMAIL, RESEARCH, ...)")
	cmd.Flags().BoolVar(&f.FeaturedOnly, "featured", false, "featured agents only")
	cmd.Flags().BoolVar(&f.IncludeInactive, "all", false, "include inactive agents")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|slug>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ag, err := a.Engine.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ag)
			})
		},
	}
}

func agentDeployCmd() *cobra.Command {
	var environment string
	var settings map[string]string
	cmd := &cobra.Command{
		Use:   "deploy <id|slug>",
		Short: "Deploy an agent, optionally into --project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.DeployAgent(ctx, engine.DeployOptions{
					OwnerID:     owner(),
					AgentID:     args[0],
					ProjectID:   viper.GetString("project"),
					Environment: environment,
					Config:      toAnyMap(settings),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), d)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deployed %s as %s (%s)\n", args[0], d.ID, d.Environment)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&environment, "env", "", "sandbox or production (defaults to config)")
	cmd.Flags().StringToStringVar(&settings, "set", nil, "deployment config key=value")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd(), projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var in engine.ProjectInput
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.OwnerID = owner()
				in.Name = strings.Join(args, " ")
				p, err := a.Engine.CreateProject(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created project %s (%s)\n", p.Name, p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Color, "color", "", "display color")
	cmd.Flags().StringVar(&in.Icon, "icon", "", "display icon")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, owner())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, p.DeploymentCount, p.PolicyCount, p.ExecutionCount})
				}
				return output(cmd.OutOrStdout(), items, table.Row{"ID", "Name", "Deployments", "Policies", "Executions"}, rows)
			})
		},
	}
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Notifications raised by policies"}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListNotifications(ctx, owner(), unread, limit)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.CreatedAt, it.Title, truncate(it.Message, 60), it.Read})
				}
				return output(cmd.OutOrStdout(), items, table.Row{"ID", "Created", "Title", "Message", "Read"}, rows)
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "unread only")
	list.Flags().IntVar(&limit, "limit", 50, "maximum notifications")

	read := &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.MarkNotificationRead(ctx, owner(), args[0])
			})
		},
	}
	n.AddCommand(list, read)
	return n
}
