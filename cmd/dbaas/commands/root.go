package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

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
		Use:   "dbaas",
		Short: "dbaas - Database-as-a-Service control plane",
		Long: `dbaas provisions logical databases on shared engine infrastructures,
issues per-application credentials and tracks every database through its
lifecycle until it is purged.

Supported engines:
  - MySQL
  - PostgreSQL
  - MongoDB
  - Redis`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $DBAAS_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newInfraCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newBindCommand())
	rootCmd.AddCommand(newUnbindCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newQuarantineCommand())
	rootCmd.AddCommand(newPurgeCommand())
	rootCmd.AddCommand(newReconcileCommand())

	return rootCmd
}
