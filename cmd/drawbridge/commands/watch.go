package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intralog/drawbridge/pkg/config"
	"github.com/intralog/drawbridge/pkg/crm"
	"github.com/intralog/drawbridge/pkg/extract"
	"github.com/intralog/drawbridge/pkg/intake"
	"github.com/intralog/drawbridge/pkg/notify"
	"github.com/intralog/drawbridge/pkg/portal"
	"github.com/intralog/drawbridge/pkg/remote"
	"github.com/intralog/drawbridge/pkg/secrets"
	"github.com/intralog/drawbridge/pkg/stores"
	"github.com/intralog/drawbridge/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch configured folders and process drawing pairs",
		Long: `Start the intake daemon. It watches the configured roots for drawing
pairs, resumes any jobs interrupted by the last shutdown, and runs each
pair through the pipeline until every job reaches a terminal state.

Runs until interrupted.`,
		Example: `  # Run with the default config file
  drawbridge watch

  # Run with an explicit config
  drawbridge watch --config /etc/drawbridge/drawbridge.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}
	return cmd
}

func runWatch(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() {
		_ = tracer.Shutdown(context.Background())
	}()

	portalCreds, err := overlaySecrets(cfg)
	if err != nil {
		return err
	}

	roots, err := cfg.ExpandRoots()
	if err != nil {
		return err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate job store: %w", err)
	}

	detector, err := intake.NewDetector(intake.DetectorConfig{
		Roots:         roots,
		CADExtensions: cfg.Watch.CADExtensions,
		DocExtensions: cfg.Watch.DocExtensions,
		QuietPeriod:   cfg.Watch.QuietPeriod,
		SweepInterval: cfg.Watch.SweepInterval,
		QueueSize:     cfg.Watch.QueueSize,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	pipeline := intake.NewPipeline(
		extract.NewExtractor(logger),
		crm.NewClient(crm.Config{
			URL:        cfg.Odoo.URL,
			Database:   cfg.Odoo.Database,
			Username:   cfg.Odoo.Username,
			Password:   cfg.Odoo.Password,
			DefaultTag: cfg.Odoo.DefaultTag,
			Timeout:    cfg.Odoo.Timeout,
		}, logger),
		remote.NewService(remote.Config{
			Host:           cfg.Remote.Host,
			Port:           cfg.Remote.Port,
			User:           cfg.Remote.User,
			Password:       cfg.Remote.Password,
			PrivateKeyPath: cfg.Remote.PrivateKeyPath,
			BaseFolder:     cfg.Remote.BaseFolder,
			Subfolders:     cfg.Remote.Subfolders,
			AsBuiltFolder:  cfg.Remote.AsBuiltFolder,
			Timeout:        cfg.Remote.Timeout,
		}, logger),
		notify.NewNotifier(notify.Config{
			Enabled:  cfg.Email.Enabled,
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			From:     cfg.Email.From,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			UseTLS:   cfg.Email.UseTLS,
		}, notify.NewDirectory(cfg.Email.ProjectManagers), notify.NewDirectory(cfg.Email.Drafters), logger),
		portal.NewSubmitter(portal.Config{
			Enabled:  cfg.Portal.Enabled,
			URL:      cfg.Portal.URL,
			Username: portalCreds["username"],
			Password: portalCreds["password"],
			Timeout:  cfg.Portal.Timeout,
		}, logger),
		logger,
	)

	policy := &intake.BackoffPolicy{
		MaxAttempts:        cfg.Executor.Retry.MaxAttempts,
		BaseDelay:          cfg.Executor.Retry.BaseDelay,
		ThrottledBaseDelay: cfg.Executor.Retry.ThrottledBaseDelay,
		MaxDelay:           cfg.Executor.Retry.MaxDelay,
	}

	executor := intake.NewExecutor(intake.ExecutorConfig{
		Workers:   cfg.Executor.Workers,
		QueueSize: cfg.Executor.QueueSize,
	}, store, pipeline, policy, logger, metrics, tracer)

	service := intake.NewService(intake.ServiceConfig{
		ReintakeCompleted: cfg.Watch.ReintakeCompleted,
	}, store, detector, executor, logger, metrics)

	if err := metrics.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Zerolog().Info().
		Strs("roots", roots).
		Int("workers", cfg.Executor.Workers).
		Msg("Drawbridge starting")

	return service.Run(ctx)
}

// overlaySecrets merges credentials from the encrypted store into the
// configuration. Without a master key in the environment the store is simply
// not consulted; credentials then come from the YAML, .env, or environment.
func overlaySecrets(cfg *config.Config) (map[string]string, error) {
	store, err := secrets.NewStore(cfg.Secrets.Path)
	if errors.Is(err, secrets.ErrNoMasterKey) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	creds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	overlay := func(service, key string, target *string) {
		if v, ok := creds[service][key]; ok && v != "" {
			*target = v
		}
	}
	overlay("odoo", "password", &cfg.Odoo.Password)
	overlay("remote", "password", &cfg.Remote.Password)
	overlay("email", "password", &cfg.Email.Password)

	return creds["portal"], nil
}
