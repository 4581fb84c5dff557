package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/specdoc"
	"github.com/harrison/autobuild/internal/tasks"
)

// newTasksCommand creates the 'autobuild tasks' command
func newTasksCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "tasks <project>",
		Short: "List the tasks of a project",
		Long: `List the tasks found under <project>/.auto-claude/specs with their
status and subtask progress. Archived tasks are hidden unless --all is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve project path: %w", err)
			}
			cfg, err := loadConfig(cmd, project)
			if err != nil {
				return err
			}

			list, err := tasks.NewStore(specdoc.NewLayout(cfg.Paths)).List(project)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), list, all, useColor(cmd.OutOrStdout()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include archived tasks")

	return cmd
}

// useColor reports whether w is a terminal that should get colored output.
func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printTasks(w io.Writer, list []*models.Task, all, colored bool) {
	shown := 0
	for _, t := range list {
		if t.Status == models.StatusArchived && !all {
			continue
		}
		if shown == 0 {
			fmt.Fprintf(w, "%-28s %-13s %-9s %s\n", "TASK", "STATUS", "SUBTASKS", "TITLE")
		}
		shown++

		status := fmt.Sprintf("%-13s", t.Status)
		if colored {
			status = statusColor(t.Status).Sprint(status)
		}
		progress := "-"
		if len(t.Subtasks) > 0 {
			progress = fmt.Sprintf("%d/%d", t.CompletedSubtasks(), len(t.Subtasks))
		}
		fmt.Fprintf(w, "%-28s %s %-9s %s\n", t.ID, status, progress, t.Title)
	}
	if shown == 0 {
		fmt.Fprintln(w, "No tasks found.")
	}
}

func statusColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.StatusInProgress:
		return color.New(color.FgCyan)
	case models.StatusAIReview, models.StatusHumanReview:
		return color.New(color.FgYellow)
	case models.StatusDone:
		return color.New(color.FgGreen)
	case models.StatusArchived:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.Reset)
	}
}
