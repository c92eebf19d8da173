package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, start, pause, resume, cancel, restart, and inspect extraction tasks",
}

var (
	taskCreateUseAI               bool
	taskCreateAutoRetry            bool
	taskCreateRetryIntervalMinutes int
)

var taskCreateCmd = &cobra.Command{
	Use:   "create <novel-id>",
	Short: "Create a new extraction task for a novel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		novelID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid novel id %q: %w", args[0], err)
		}
		return withTaskApp(cmd, func(a *app) error {
			taskID, err := a.taskSvc.Create(cmd.Context(), novelID, taskCreateUseAI, taskCreateAutoRetry, taskCreateRetryIntervalMinutes)
			if err != nil {
				return err
			}
			fmt.Printf("created task %d\n", taskID)
			return nil
		})
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start a created or resumable task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd, args[0], func(a *app, id int64) error {
			started, err := a.taskSvc.Start(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("task %d started: %v\n", id, started)
			return nil
		})
	},
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd, args[0], func(a *app, id int64) error {
			return a.taskSvc.Pause(cmd.Context(), id)
		})
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused or failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd, args[0], func(a *app, id int64) error {
			resumed, err := a.taskSvc.Resume(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("task %d resumed: %v\n", id, resumed)
			return nil
		})
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd, args[0], func(a *app, id int64) error {
			return a.taskSvc.Cancel(cmd.Context(), id)
		})
	},
}

var taskRestartCmd = &cobra.Command{
	Use:   "restart <task-id>",
	Short: "Restart a completed, failed, or cancelled task from scratch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd, args[0], func(a *app, id int64) error {
			return a.taskSvc.Restart(cmd.Context(), id)
		})
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Print a task's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd, args[0], func(a *app, id int64) error {
			t, err := a.taskSvc.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("task %d: status=%s provider=%s done=%d/%d failed=%d\n",
				t.ID, t.Status, t.ProviderName, t.DoneChapters, t.TotalChapters, t.FailedChapters)
			if t.AutoRetryEnabled {
				fmt.Printf("  auto_retry_enabled=true retry_interval_minutes=%d retry_count=%d", t.RetryIntervalMinutes, t.RetryCount)
				if t.RetryScheduledAt != nil {
					fmt.Printf(" retry_scheduled_at=%s", t.RetryScheduledAt.Format("2006-01-02T15:04:05Z07:00"))
				}
				fmt.Println()
			}
			return nil
		})
	},
}

func init() {
	taskCreateCmd.Flags().BoolVar(&taskCreateUseAI, "use-ai", false, "choose the shortest-queued, non-suspended AI provider via choose_provider_for_task instead of the synthetic rules extractor")
	taskCreateCmd.Flags().BoolVar(&taskCreateAutoRetry, "auto-retry", false, "automatically retry this task's failed chapters after it fails, instead of requiring a manual resume/restart")
	taskCreateCmd.Flags().IntVar(&taskCreateRetryIntervalMinutes, "retry-interval-minutes", 10, "minutes to wait after a failure before auto-retry resets failed chapters and resumes the task")
	taskCmd.AddCommand(taskCreateCmd, taskStartCmd, taskPauseCmd, taskResumeCmd, taskCancelCmd, taskRestartCmd, taskStatusCmd)
}

func withTaskApp(cmd *cobra.Command, fn func(*app) error) error {
	logger := buildLogger()
	a, err := newApp(cmd.Context(), cfgFile, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func taskAction(cmd *cobra.Command, rawID string, fn func(*app, int64) error) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", rawID, err)
	}
	return withTaskApp(cmd, func(a *app) error {
		return fn(a, id)
	})
}
