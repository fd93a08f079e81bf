package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/intralog/drawbridge/pkg/config"
	"github.com/intralog/drawbridge/pkg/stores"
)

func newValidateCommand() *cobra.Command {
	var checkStore bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load and validate the configuration file, resolve the watch root globs,
and optionally check that the job store opens and migrates cleanly.`,
		Example: `  # Validate the default config file
  drawbridge validate

  # Also open and migrate the job store
  drawbridge validate --store`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			roots, err := cfg.ExpandRoots()
			if err != nil {
				return err
			}
			log.Info().Strs("roots", roots).Msg("Watch roots resolved")

			if checkStore {
				store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
				if err != nil {
					return err
				}
				if err := store.Init(cmd.Context()); err != nil {
					return fmt.Errorf("job store failed to open: %w", err)
				}
				defer store.Close()
				if err := store.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("job store failed to migrate: %w", err)
				}
				log.Info().Str("path", cfg.Store.Path).Msg("Job store OK")
			}

			fmt.Println("Configuration is valid.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkStore, "store", false, "also open and migrate the job store")
	return cmd
}
