package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/autobuild/internal/history"
)

// newHistoryCommand creates the 'autobuild history' command
func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show recorded agent runs",
		Long: `Show recorded agent runs, newest first. Without a task id every task's
runs are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, ".")
			if err != nil {
				return err
			}
			store, err := openHistory(cfg)
			if err != nil {
				return fmt.Errorf("open run history: %w", err)
			}
			if store == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Run history is disabled (history_db is empty).")
				return nil
			}
			defer store.Close()

			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}
			runs, err := store.ListRuns(cmd.Context(), taskID, limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs, time.Now(), useColor(cmd.OutOrStdout()))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show (0 = all)")

	return cmd
}

func printRuns(w io.Writer, runs []history.Run, now time.Time, colored bool) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	fmt.Fprintf(w, "%-19s %-24s %-14s %-12s %8s  %s\n", "STARTED", "TASK", "KIND", "OUTCOME", "DURATION", "MESSAGE")
	for _, r := range runs {
		outcome := fmt.Sprintf("%-12s", r.Outcome)
		if colored {
			switch r.Outcome {
			case history.OutcomeSucceeded:
				outcome = green.Sprint(outcome)
			case history.OutcomeFailed, history.OutcomeAuthFailed:
				outcome = red.Sprint(outcome)
			case history.OutcomeRateLimited, history.OutcomeStopped:
				outcome = yellow.Sprint(outcome)
			case history.OutcomeRunning:
				outcome = cyan.Sprint(outcome)
			}
		}
		fmt.Fprintf(w, "%-19s %-24s %-14s %s %8s  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.TaskID,
			r.RunKind,
			outcome,
			r.Duration(now).Round(time.Second),
			r.Message)
	}
}
