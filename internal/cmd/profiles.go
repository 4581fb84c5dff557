package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/profile"
)

// NewProfilesCommand creates the 'autobuild profiles' parent command
func NewProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage credential profiles",
		Long: `Commands for managing the credential profiles agents run with.

When a run hits a rate limit and auto-switch is on, autobuild activates the
best available profile and restarts the run with it.`,
	}

	cmd.AddCommand(newProfilesListCommand())
	cmd.AddCommand(newProfilesAddCommand())
	cmd.AddCommand(newProfilesUseCommand())
	cmd.AddCommand(newProfilesAutoSwitchCommand())

	return cmd
}

// profileStoreFor loads the config from the working directory and opens the
// profile store it names.
func profileStoreFor(cmd *cobra.Command) (*profile.FileStore, error) {
	cfg, err := loadConfig(cmd, ".")
	if err != nil {
		return nil, err
	}
	return openProfiles(cfg)
}

func newProfilesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credential profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := profileStoreFor(cmd)
			if err != nil {
				return err
			}
			profiles, err := store.Profiles()
			if err != nil {
				return err
			}
			active, err := store.ActiveProfile()
			if err != nil {
				return err
			}
			printProfiles(cmd.OutOrStdout(), profiles, active.ID, store.AutoSwitchSettings(), time.Now(), useColor(cmd.OutOrStdout()))
			return nil
		},
	}
}

func printProfiles(w io.Writer, profiles []models.Profile, activeID string, settings models.AutoSwitchSettings, now time.Time, colored bool) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(w, "%-2s %-16s %-20s %-8s %s\n", "", "ID", "NAME", "PRIORITY", "STATE")
	for _, p := range profiles {
		marker := ""
		if p.ID == activeID {
			marker = "*"
		}
		state := "ready"
		switch {
		case !p.HasAuth():
			state = "no token"
		case p.IsRateLimited(now):
			state = "rate limited until " + p.RateLimitedUntil.Local().Format("2006-01-02 15:04")
		}
		if colored {
			if state == "ready" {
				state = green.Sprint(state)
			} else {
				state = yellow.Sprint(state)
			}
		}
		fmt.Fprintf(w, "%-2s %-16s %-20s %-8d %s\n", marker, p.ID, p.Name, p.Priority, state)
	}

	mode := "off"
	if settings.Active() {
		mode = "on"
	}
	fmt.Fprintf(w, "\nAuto-switch on rate limit: %s\n", mode)
}

func newProfilesAddCommand() *cobra.Command {
	var p models.Profile
	var tokenEnv string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace a credential profile",
		Long: `Add or replace a credential profile.

Examples:
  autobuild profiles add work --name "Work" --token-env WORK_TOKEN --priority 1
  autobuild profiles add personal --config-dir ~/.claude-personal --priority 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = args[0]
			if p.Name == "" {
				p.Name = p.ID
			}
			if tokenEnv != "" {
				p.OAuthToken = os.Getenv(tokenEnv)
				if p.OAuthToken == "" {
					return fmt.Errorf("environment variable %s is empty", tokenEnv)
				}
			}

			store, err := profileStoreFor(cmd)
			if err != nil {
				return err
			}
			if err := store.Upsert(p); err != nil {
				return fmt.Errorf("save profile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile %s saved to %s\n", p.ID, store.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&p.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&tokenEnv, "token-env", "", "Environment variable holding the OAuth token")
	cmd.Flags().StringVar(&p.ConfigDir, "config-dir", "", "Agent config directory of this profile")
	cmd.Flags().IntVar(&p.Priority, "priority", 0, "Lower values are preferred when switching")
	cmd.Flags().BoolVar(&p.IsDefault, "default", false, "Mark as the default profile")

	return cmd
}

func newProfilesUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Activate a credential profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := profileStoreFor(cmd)
			if err != nil {
				return err
			}
			if err := store.SetActiveProfile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active profile: %s\n", args[0])
			return nil
		},
	}
}

func newProfilesAutoSwitchCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "auto-switch <on|off>",
		Short:     "Turn profile switching on rate limits on or off",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}

			store, err := profileStoreFor(cmd)
			if err != nil {
				return err
			}
			err = store.SetAutoSwitchSettings(models.AutoSwitchSettings{
				Enabled:               enabled,
				AutoSwitchOnRateLimit: enabled,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Auto-switch on rate limit: %s\n", args[0])
			return nil
		},
	}
}
