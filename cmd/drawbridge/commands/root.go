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
		Use:   "drawbridge",
		Short: "Drawbridge - Drawing Intake Automation",
		Long: `Drawbridge watches shared folders for completed drawing pairs (a CAD file
plus its PDF) and drives each pair through the intake pipeline:

  - Extract project metadata from the PDF title block
  - Create or reuse the CRM opportunity
  - Build the project folder tree on the document share
  - Move the drawing pair into place
  - Email the project manager and drafter
  - Optionally submit to the engineering review portal

Every step is checkpointed in a local job store, so a crash or restart
resumes exactly where it left off.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "drawbridge.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCredentialsCommand())
	rootCmd.AddCommand(newConfigureCommand())

	return rootCmd
}
