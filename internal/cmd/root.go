package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for autobuild
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autobuild",
		Short: "Agent task execution engine",
		Long: `autobuild runs external build agents against the tasks of a project.

Each task lives in <project>/.auto-claude/specs/<task-id>. autobuild spawns
the agent for the task, follows its progress, switches credential profiles
when a rate limit is hit, and keeps the task status in the persisted plan.

Configuration is loaded from <project>/.autobuild/config.yaml if present.
CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: <project>/.autobuild/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().String("log-dir", "", "Directory for log files")
	cmd.PersistentFlags().String("agent-path", "", "Agent installation directory (overrides auto-detection)")
	cmd.PersistentFlags().Bool("no-auto-switch", false, "Do not switch profiles on rate limits")
	cmd.PersistentFlags().Bool("verbose", false, "Echo agent output")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newReviewCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newRecoverCommand())
	cmd.AddCommand(newTasksCommand())
	cmd.AddCommand(NewProfilesCommand())
	cmd.AddCommand(newHistoryCommand())

	return cmd
}
