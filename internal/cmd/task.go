package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/autobuild/internal/lifecycle"
	"github.com/harrison/autobuild/internal/models"
)

// newStopCommand creates the 'autobuild stop' command
func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project> <task-id>",
		Short: "Return a task to the backlog",
		Long: `Return a task to the backlog and stop watching its spec directory.

An agent started by 'autobuild run' is stopped with Ctrl-C in that terminal;
stop only resets the persisted status.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(cmd, args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.ctrl.Stop(args[1]); err != nil {
				return describeLifecycleError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s moved to %s.\n", args[1], models.StatusBacklog)
			return nil
		},
	}
}

// newReviewCommand creates the 'autobuild review' command
func newReviewCommand() *cobra.Command {
	var approve, reject bool
	var feedback string

	cmd := &cobra.Command{
		Use:   "review <project> <task-id>",
		Short: "Approve or reject a task under human review",
		Long: `Record the human review verdict of a task.

Approval writes qa_report.md and marks the task done. Rejection writes
QA_FIX_REQUEST.md with the feedback and follows the QA fix run.

Examples:
  autobuild review . 001-add-login --approve
  autobuild review . 001-add-login --reject --feedback "The submit button does nothing"`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			if approve == reject {
				return fmt.Errorf("specify exactly one of --approve or --reject")
			}
			if approve && feedback != "" {
				return fmt.Errorf("--feedback is only used with --reject")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(cmd, args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := e.ctrl.Review(ctx, args[1], approve, feedback); err != nil {
				return describeLifecycleError(err)
			}
			if approve {
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s approved.\n", args[1])
				return nil
			}
			return followAndReport(ctx, cmd, e, args[1])
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "Approve the task")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject the task and start a QA fix run")
	cmd.Flags().StringVar(&feedback, "feedback", "", "What the QA fixer should change")

	return cmd
}

// newStatusCommand creates the 'autobuild status' command
func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project> <task-id> <status>",
		Short: "Set a task's status manually",
		Long: `Set a task's status manually.

Valid statuses: backlog, in_progress, ai_review, human_review, done, archived.

Moving to in_progress starts the task when no agent is running for it. done is
refused while the task's worktree still exists; merge the worktree changes
instead. human_review requires a spec.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := models.ParseTaskStatus(args[2])
			if err != nil {
				return err
			}

			e, err := newEngine(cmd, args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := e.ctrl.UpdateStatus(ctx, args[1], status); err != nil {
				return describeLifecycleError(err)
			}
			if e.ctrl.IsRunning(args[1]) {
				return followAndReport(ctx, cmd, e, args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s moved to %s.\n", args[1], status)
			return nil
		},
	}
	return cmd
}

// newRecoverCommand creates the 'autobuild recover' command
func newRecoverCommand() *cobra.Command {
	var target string
	var restart bool

	cmd := &cobra.Command{
		Use:   "recover <project> <task-id>",
		Short: "Repair a task left stuck by a crash",
		Long: `Repair a task whose status claims progress but whose agent is gone.

Completed subtasks are kept; interrupted and failed subtasks are reset to
pending. Without --target the new status follows the subtasks: all completed
goes to human_review, some completed to in_progress, none to backlog.

Examples:
  autobuild recover . 001-add-login
  autobuild recover . 001-add-login --target backlog
  autobuild recover . 001-add-login --restart`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := lifecycle.RecoverOptions{AutoRestart: restart}
			if target != "" {
				status, err := models.ParseTaskStatus(target)
				if err != nil {
					return err
				}
				opts.Target = status
			}

			e, err := newEngine(cmd, args[0])
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := e.ctrl.Recover(ctx, args[1], opts)
			if err != nil {
				return describeLifecycleError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			if result.AutoRestarted {
				return followAndReport(ctx, cmd, e, args[1])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Status to recover to (default: inferred from subtasks)")
	cmd.Flags().BoolVar(&restart, "restart", false, "Start the task again after recovering it")

	return cmd
}
