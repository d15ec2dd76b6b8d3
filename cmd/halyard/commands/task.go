package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/broadcast"
	"github.com/halyardhq/halyard/dispatch"
	"github.com/halyardhq/halyard/store"
)

// TaskCmd groups task scheduling operations.
var TaskCmd = &cobra.Command{
	Use:   "task",
	Short: "Schedule, cancel and inspect tasks",
	Long: `Schedule, cancel and inspect tasks.

Scheduling writes durable rows; the running daemon (halyard serve) picks
them up, so these commands work whether or not the daemon is up.

Examples:
  halyard task schedule backup-report "compile the backup report" --agent agent-1
  halyard task schedule backup-report "compile the backup report" --delay 2h
  halyard task recurring hourly-digest "digest the hour" --cron "0 * * * *"
  halyard task cancel backup-report
  halyard task show backup-report`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var taskScheduleCmd = &cobra.Command{
	Use:   "schedule <task-id> <prompt>",
	Short: "Schedule a one-shot execution, now or later",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		delay, _ := cmd.Flags().GetDuration("delay")
		at, _ := cmd.Flags().GetString("at")
		priority, _ := cmd.Flags().GetInt("priority")

		opts := dispatch.ScheduleOptions{Delay: delay, Priority: priority}
		if at != "" {
			parsed, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at time %q: %w", at, err)
			}
			opts.ScheduledAt = &parsed
		}

		scheduler, cleanup, err := openScheduler(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := scheduler.ScheduleTask(cmd.Context(), args[0], agentID, args[1], opts)
		if err != nil {
			return err
		}

		if opts.ScheduledAt != nil {
			fmt.Printf("Task %s scheduled for %s (execution %s)\n", args[0], opts.ScheduledAt.Format(time.RFC3339), rec.ID)
		} else if delay > 0 {
			fmt.Printf("Task %s scheduled in %v (execution %s)\n", args[0], delay, rec.ID)
		} else {
			fmt.Printf("Task %s queued (execution %s)\n", args[0], rec.ID)
		}
		return nil
	},
}

var taskRecurringCmd = &cobra.Command{
	Use:   "recurring <task-id> <prompt>",
	Short: "Arm a cron schedule for a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		cronExpr, _ := cmd.Flags().GetString("cron")
		priority, _ := cmd.Flags().GetInt("priority")
		if cronExpr == "" {
			return fmt.Errorf("--cron is required")
		}

		scheduler, cleanup, err := openScheduler(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		task, err := scheduler.ScheduleRecurringTask(cmd.Context(), args[0], agentID, args[1], cronExpr, priority)
		if err != nil {
			return err
		}

		fmt.Printf("Task %s recurring on %q, next run %s\n",
			task.ID, cronExpr, task.NextRunAt.Format(time.RFC3339))
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task's pending and delayed executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scheduler, cleanup, err := openScheduler(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		removed, cancelled, err := scheduler.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Task %s cancelled: %d waiting jobs removed, %d running jobs marked\n",
			args[0], removed, cancelled)
		if cancelled > 0 {
			fmt.Println("In-flight executions finish their current attempt; they are not preempted.")
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its recent executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		task, err := store.NewTaskStore(database).GetTask(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Task: %s (%s)\n", task.ID, task.Name)
		fmt.Printf("  Status: %s\n", task.Status)
		fmt.Printf("  Runs: %d\n", task.RunCount)
		if task.CronExpression != "" {
			fmt.Printf("  Cron: %s\n", task.CronExpression)
		}
		if task.NextRunAt != nil {
			fmt.Printf("  Next run: %s\n", task.NextRunAt.Format(time.RFC3339))
		}
		if task.LastRunAt != nil {
			fmt.Printf("  Last run: %s\n", task.LastRunAt.Format(time.RFC3339))
		}
		if task.LastError != "" {
			fmt.Printf("  Last error: %s\n", task.LastError)
		}

		execs, err := store.NewExecutionStore(database).ListByTask(task.ID, 10)
		if err != nil {
			return err
		}
		if len(execs) > 0 {
			fmt.Println("  Recent executions:")
			for _, rec := range execs {
				line := fmt.Sprintf("    %s  %s", rec.ID, rec.Status)
				if rec.DurationMs != nil {
					line += fmt.Sprintf("  %dms", *rec.DurationMs)
				}
				if rec.Error != "" {
					line += "  " + rec.Error
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

// openScheduler builds a scheduler for one-off CLI operations. It never
// starts workers; only the persistence side is exercised.
func openScheduler(cmd *cobra.Command) (*dispatch.Scheduler, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	scheduler := dispatch.NewScheduler(cmd.Context(), database, nil, broadcast.Nop{}, cfg.Scheduler)
	return scheduler, func() { database.Close() }, nil
}

func init() {
	taskScheduleCmd.Flags().String("agent", "", "Agent to run on (default: server master)")
	taskScheduleCmd.Flags().Duration("delay", 0, "Delay before execution (e.g. 30m, 2h)")
	taskScheduleCmd.Flags().String("at", "", "Absolute run time, RFC3339")
	taskScheduleCmd.Flags().Int("priority", 0, "Dispatch priority (higher first)")

	taskRecurringCmd.Flags().String("agent", "", "Agent to run on (default: server master)")
	taskRecurringCmd.Flags().String("cron", "", "Standard 5-field cron expression")
	taskRecurringCmd.Flags().Int("priority", 0, "Dispatch priority (higher first)")

	TaskCmd.AddCommand(taskScheduleCmd)
	TaskCmd.AddCommand(taskRecurringCmd)
	TaskCmd.AddCommand(taskCancelCmd)
	TaskCmd.AddCommand(taskShowCmd)
}
