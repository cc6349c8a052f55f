package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgraph/internal/domain"
	"taskgraph/internal/engine"
	"taskgraph/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks move todo -> in_progress -> under_review -> completed; on_hold, blocked and cancelled are side exits. A task cannot complete while a finish-to-start dependency is still open.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(projectTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority, due string
	var percent int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Priority = domain.Priority(priority)
			if cmd.Flags().Changed("completion") {
				opts.CompletionPercentage = &percent
			}
			if due != "" {
				d, err := parseDay(due)
				if err != nil {
					return err
				}
				opts.DueDate = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				opts.ProjectID = id
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated if omitted)")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium, high or urgent")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&opts.Assignees, "assignee", nil, "assignee (repeatable)")
	cmd.Flags().IntVar(&percent, "completion", 0, "explicit completion percentage")
	cmd.Flags().Float64Var(&opts.Weight, "weight", 0, "rollup weight (0 means equal share)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				f.ProjectID = id
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Title", "Status", "Priority", "Due", "Parent", "Assignees")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, formatDay(t.DueDate), derefString(t.ParentID), strings.Join(t.Assignees, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent task id")
	cmd.Flags().BoolVar(&f.RootsOnly, "roots", false, "only top-level tasks")
	cmd.Flags().StringVar(&f.RecurrenceRef, "pattern", "", "instances of a recurring pattern")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its stored health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"task": t}
				if h, ok, err := e.StoredHealth(ctx, t.ID); err != nil {
					return err
				} else if ok {
					out["health"] = h
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, priority, due, parent, status string
	var assignees []string
	var percent int
	var weight float64
	var force bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:      args[0],
				Status:  domain.TaskStatus(status),
				Force:   force,
				ActorID: viper.GetString("actor-id"),
			}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("description") {
				opts.Description = &desc
			}
			if flags.Changed("priority") {
				p := domain.Priority(priority)
				opts.Priority = &p
			}
			if flags.Changed("due") {
				if due == "" {
					opts.ClearDueDate = true
				} else {
					d, err := parseDay(due)
					if err != nil {
						return err
					}
					opts.DueDate = &d
				}
			}
			if flags.Changed("parent") {
				opts.ParentID = &parent
			}
			if flags.Changed("assignee") {
				opts.Assignees = &assignees
			}
			if flags.Changed("completion") {
				if percent < 0 {
					opts.ClearCompletion = true
				} else {
					opts.CompletionPercentage = &percent
				}
			}
			if flags.Changed("weight") {
				opts.Weight = &weight
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD); empty clears")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id; empty detaches")
	cmd.Flags().StringArrayVar(&assignees, "assignee", nil, "assignee (repeatable, replaces the list)")
	cmd.Flags().IntVar(&percent, "completion", 0, "explicit completion percentage; -1 clears")
	cmd.Flags().Float64Var(&weight, "weight", 0, "rollup weight")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().BoolVar(&force, "force", false, "skip the transition table")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], viper.GetString("actor-id"), force)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "complete from any open status")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task with its subtasks and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				removed, err := e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"removed": removed})
				}
				fmt.Printf("removed %d task(s): %s\n", len(removed), strings.Join(removed, ", "))
				return nil
			})
		},
	}
}

func depCmd() *cobra.Command {
	dep := &cobra.Command{
		Use:   "dep",
		Short: "Manage task dependencies",
		Long:  "'tg dep add B A' makes B depend on A. Edges that would close a cycle are refused.",
	}
	dep.AddCommand(depAddCmd())
	dep.AddCommand(depRemoveCmd())
	dep.AddCommand(depListCmd())
	dep.AddCommand(depCheckCmd())
	return dep
}

func depAddCmd() *cobra.Command {
	var typ string
	var delay int
	cmd := &cobra.Command{
		Use:   "add <task> <depends-on>",
		Short: "Add a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				edge, err := e.AddDependency(ctx, engine.DependencyOptions{
					TaskID:       args[0],
					DependencyID: args[1],
					Type:         domain.DependencyType(typ),
					DelayDays:    delay,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(edge)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.FinishToStart), "finish-to-start, start-to-start, finish-to-finish or start-to-finish")
	cmd.Flags().IntVar(&delay, "delay", 0, "lag in days")
	return cmd
}

func depRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <task> <depends-on>",
		Aliases: []string{"remove"},
		Short:   "Remove a dependency",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				removed, err := e.RemoveDependency(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"removed": removed})
			})
		},
	}
}

func depListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task>",
		Short: "List what a task depends on and what depends on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListDependencies(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("Direction", "Task", "Title", "Status", "Type", "Delay")
				for _, v := range list.Predecessors {
					tw.AppendRow(table.Row{"depends on", v.TaskID, v.Title, v.Status, v.Edge.Type, v.Edge.DelayDays})
				}
				for _, v := range list.Successors {
					tw.AppendRow(table.Row{"required by", v.TaskID, v.Title, v.Status, v.Edge.Type, v.Edge.DelayDays})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func depCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <task> <depends-on>",
		Short: "Report whether a dependency would create a cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckCircular(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(check)
				}
				if !check.WouldCreateCycle {
					fmt.Println("no cycle")
					return nil
				}
				fmt.Printf("would create a cycle: %s -> %s\n", args[1], strings.Join(check.Path, " -> "))
				return nil
			})
		},
	}
}

func healthCmd() *cobra.Command {
	h := &cobra.Command{Use: "health", Short: "Recompute derived health"}
	h.AddCommand(&cobra.Command{
		Use:   "task <id>",
		Short: "Recompute one task and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.TaskHealth(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				tw := newTable("Task", "Complete", "Health", "Reasons")
				tw.AppendRow(healthRow(rec))
				tw.Render()
				return nil
			})
		},
	})
	h.AddCommand(&cobra.Command{
		Use:   "project",
		Short: "Recompute every task in the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				recs, err := e.ProjectTasksHealth(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable("Task", "Complete", "Health", "Reasons")
				for _, r := range recs {
					tw.AppendRow(healthRow(r))
				}
				tw.Render()
				return nil
			})
		},
	})
	return h
}
