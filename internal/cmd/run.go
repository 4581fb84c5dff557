package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/autobuild/internal/lifecycle"
	"github.com/harrison/autobuild/internal/models"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run <project> <task-id>",
		Aliases: []string{"start"},
		Short:   "Start a task and follow it until its agent exits",
		Long: `Start a task and stream its progress until the agent process exits.

The task must live in a git repository with at least one commit, and a
credential profile with a valid token must exist. Without spec.md the agent
first creates the spec, then continues into the build. A rate limit switches
to the best available profile and restarts the run.

Ctrl-C stops the agent and returns the task to the backlog.

Examples:
  autobuild run ~/code/shop 001-add-login
  autobuild run . 002-search --verbose
  autobuild run . 002-search --agent-path ~/agents/auto-claude`,
		Args: cobra.ExactArgs(2),
		RunE: runCommand,
	}
	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	project, taskID := args[0], args[1]

	e, err := newEngine(cmd, project)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.ctrl.Start(ctx, taskID); err != nil {
		return describeLifecycleError(err)
	}
	return followAndReport(ctx, cmd, e, taskID)
}

// followAndReport follows a started task and prints where it ended up.
func followAndReport(ctx context.Context, cmd *cobra.Command, e *engine, taskID string) error {
	if err := e.follow(ctx, taskID); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(cmd.OutOrStdout(), "\nTask %s stopped.\n", taskID)
			return nil
		}
		return err
	}

	t, err := e.ctrl.Task(taskID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nTask %s is now %s (%d/%d subtasks completed).\n",
		taskID, t.Status, t.CompletedSubtasks(), len(t.Subtasks))
	if t.Status == models.StatusInProgress {
		fmt.Fprintf(cmd.OutOrStdout(), "Run 'autobuild run %s %s' to continue, or 'autobuild recover' if it is stuck.\n", e.project, taskID)
	}
	return nil
}

// describeLifecycleError turns lifecycle errors into messages for the user.
func describeLifecycleError(err error) error {
	var pe *lifecycle.PreconditionError
	var te *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &pe):
		return fmt.Errorf("cannot start task %s: %s", pe.TaskID, pe.Reason)
	case errors.As(err, &te):
		return fmt.Errorf("cannot update task %s: %s", te.TaskID, te.Error())
	case errors.Is(err, lifecycle.ErrTaskNotFound):
		return fmt.Errorf("%w (expected a directory under <project>/.auto-claude/specs)", err)
	}
	return err
}
