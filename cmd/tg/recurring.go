package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgraph/internal/domain"
	"taskgraph/internal/engine"
	"taskgraph/internal/recurrence"
)

func recurringCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "recurring",
		Short: "Manage recurring tasks",
		Long:  "A recurring task is a pattern (daily, weekly or monthly, every N periods) that generates one dated task per occurrence. Generation runs up to a horizon and never creates the same occurrence twice.",
	}
	rec.AddCommand(recurringCreateCmd())
	rec.AddCommand(recurringListCmd())
	rec.AddCommand(recurringShowCmd())
	rec.AddCommand(recurringUpdateCmd())
	rec.AddCommand(recurringDeleteCmd())
	rec.AddCommand(recurringGenerateCmd())
	return rec
}

type endFlags struct {
	count int
	until string
}

func (f *endFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.count, "count", 0, "stop after this many occurrences")
	cmd.Flags().StringVar(&f.until, "until", "", "stop after this date (YYYY-MM-DD)")
}

func (f endFlags) condition() (domain.EndCondition, error) {
	switch {
	case f.count > 0 && f.until != "":
		return domain.EndCondition{}, fmt.Errorf("--count and --until are exclusive")
	case f.count > 0:
		return domain.EndCondition{Kind: domain.EndAfterCount, Count: f.count}, nil
	case f.until != "":
		d, err := parseDay(f.until)
		if err != nil {
			return domain.EndCondition{}, err
		}
		return domain.EndCondition{Kind: domain.EndOnDate, Date: &d}, nil
	}
	return domain.EndCondition{Kind: domain.EndNever}, nil
}

func recurringCreateCmd() *cobra.Command {
	var opts engine.RecurringCreateOptions
	var priority, frequency, start string
	var end endFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a recurring task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Template.Priority = domain.Priority(priority)
			opts.Frequency = domain.Frequency(frequency)
			if start != "" {
				d, err := parseDay(start)
				if err != nil {
					return err
				}
				opts.StartDate = d
			}
			var err error
			if opts.End, err = end.condition(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				opts.ProjectID = id
				p, err := e.CreateRecurringTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "pattern id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Template.Title, "title", "", "title of each instance")
	cmd.Flags().StringVar(&opts.Template.Description, "description", "", "description of each instance")
	cmd.Flags().StringVar(&priority, "priority", "", "instance priority")
	cmd.Flags().StringArrayVar(&opts.Template.Assignees, "assignee", nil, "instance assignee (repeatable)")
	cmd.Flags().StringVar(&opts.ParentTaskID, "parent", "", "parent task for every instance")
	cmd.Flags().StringVar(&frequency, "frequency", "weekly", "daily, weekly or monthly")
	cmd.Flags().IntVar(&opts.Interval, "interval", 1, "every N periods")
	cmd.Flags().StringVar(&start, "start", "", "first occurrence (YYYY-MM-DD, defaults to today)")
	end.register(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func recurringListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recurring tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				items, err := e.ListRecurringTasks(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Every", "Start", "End", "Generated", "Until", "Active")
				for _, p := range items {
					tw.AppendRow(table.Row{
						p.ID, p.Template.Title, fmt.Sprintf("%d %s", p.Interval, p.Frequency),
						formatDay(&p.StartDate), describeEnd(p.End), p.GeneratedCount, formatDay(p.LastGeneratedUntil), p.Active,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func recurringShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a recurring task and its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetRecurringTask(ctx, args[0])
				if err != nil {
					return err
				}
				instances, err := e.PatternInstances(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"pattern": p, "instances": instances})
			})
		},
	}
}

func recurringUpdateCmd() *cobra.Command {
	var title, desc, priority, parent, frequency, start string
	var assignees []string
	var interval int
	var active bool
	var end endFlags
	var never bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a recurring task; existing instances are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RecurringUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
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
			if flags.Changed("assignee") {
				opts.Assignees = &assignees
			}
			if flags.Changed("parent") {
				opts.ParentTaskID = &parent
			}
			if flags.Changed("frequency") {
				f := domain.Frequency(frequency)
				opts.Frequency = &f
			}
			if flags.Changed("interval") {
				opts.Interval = &interval
			}
			if flags.Changed("start") {
				d, err := parseDay(start)
				if err != nil {
					return err
				}
				opts.StartDate = &d
			}
			if flags.Changed("active") {
				opts.Active = &active
			}
			if never {
				opts.End = &domain.EndCondition{Kind: domain.EndNever}
			} else if flags.Changed("count") || flags.Changed("until") {
				c, err := end.condition()
				if err != nil {
					return err
				}
				opts.End = &c
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateRecurringTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title of future instances")
	cmd.Flags().StringVar(&desc, "description", "", "description of future instances")
	cmd.Flags().StringVar(&priority, "priority", "", "priority of future instances")
	cmd.Flags().StringArrayVar(&assignees, "assignee", nil, "assignee (repeatable, replaces the list)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task; empty detaches")
	cmd.Flags().StringVar(&frequency, "frequency", "", "daily, weekly or monthly")
	cmd.Flags().IntVar(&interval, "interval", 1, "every N periods")
	cmd.Flags().StringVar(&start, "start", "", "first occurrence; only before anything was generated")
	cmd.Flags().BoolVar(&active, "active", true, "pause (false) or resume (true) generation")
	cmd.Flags().BoolVar(&never, "never", false, "remove the end condition")
	end.register(cmd)
	return cmd
}

func recurringDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a recurring task; generated instances stay as plain tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRecurringTask(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func recurringGenerateCmd() *cobra.Command {
	var days int
	var pattern string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Materialize instances up to a horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				var runs []recurrence.PatternRun
				if pattern != "" {
					run, err := e.GeneratePattern(ctx, pattern, days, actor)
					if err != nil {
						return err
					}
					runs = []recurrence.PatternRun{run}
				} else {
					var err error
					if runs, err = e.RunRecurringGeneration(ctx, days, actor); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable("Pattern", "Generated", "Until", "Completed", "Error")
				for _, r := range runs {
					until := ""
					if !r.Until.IsZero() {
						until = formatDay(&r.Until)
					}
					tw.AppendRow(table.Row{r.PatternID, r.Generated, until, r.Completed, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "horizon in days (0 uses the configured default)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "only this pattern")
	return cmd
}

func describeEnd(end domain.EndCondition) string {
	switch end.Kind {
	case domain.EndAfterCount:
		return fmt.Sprintf("after %d", end.Count)
	case domain.EndOnDate:
		return "on " + formatDay(end.Date)
	}
	return "never"
}
