package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/intralog/drawbridge/pkg/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a configuration file with every tunable at its default. Connection
settings (watch roots, Odoo, the document share) are left empty and must be
filled in before the daemon will start; run "drawbridge configure" or edit
the file directly.`,
		Example: `  # Write drawbridge.yaml in the current directory
  drawbridge init

  # Write to a specific path, replacing an existing file
  drawbridge init --config /etc/drawbridge/drawbridge.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace)", configPath)
			}

			cfg := config.Default()
			if err := cfg.Save(configPath); err != nil {
				return err
			}

			log.Info().Str("path", configPath).Msg("Configuration written")
			fmt.Printf("Wrote %s. Fill in watch.roots, odoo, and remote before starting.\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing config file")
	return cmd
}
