package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./froyosync.yaml"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyosync",
		Short: "froyosync - offline-first object synchronization",
		Long: `froyosync keeps a local object store in step with a shared remote replica.

Objects are edited locally while offline and reconciled with the remote once
it is reachable. Conflicting edits are settled by configurable merge and sync
policies, or by a Starlark or Rego merge script.

Remotes:
  - memory  in-process hub, for trying things out
  - sftp    directory tree on an SSH server
  - redis   hashes and pub/sub on a Redis server`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPutCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newRmCommand())
	rootCmd.AddCommand(newResetCommand())

	return rootCmd
}
