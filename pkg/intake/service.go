package intake

import (
	"context"
	"fmt"

	"github.com/intralog/drawbridge/pkg/telemetry"
)

// ServiceConfig controls the intake service glue.
type ServiceConfig struct {
	// ReintakeCompleted, when set, returns terminal jobs to the start of the
	// pipeline if their pair reappears. Off by default: a pair that was
	// already filed stays filed.
	ReintakeCompleted bool
}

// Service ties the detector, the job store, and the executor together: it
// turns ready pairs into durable jobs, suppresses duplicates, and resumes
// interrupted jobs at startup.
type Service struct {
	cfg      ServiceConfig
	store    JobStore
	detector *Detector
	executor *Executor
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewService creates the intake service.
func NewService(
	cfg ServiceConfig,
	store JobStore,
	detector *Detector,
	executor *Executor,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		detector: detector,
		executor: executor,
		logger:   logger.NewComponentLogger("service"),
		metrics:  metrics,
	}
}

// Run starts everything and blocks until ctx is cancelled. Pending jobs are
// resubmitted before the detector starts, so recovery work is queued ahead of
// new arrivals.
func (s *Service) Run(ctx context.Context) error {
	s.executor.Start(ctx)

	if err := s.resume(ctx); err != nil {
		return fmt.Errorf("failed to resume pending jobs: %w", err)
	}

	if err := s.detector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.executor.Wait()
			return nil
		case pair, ok := <-s.detector.Ready():
			if !ok {
				s.executor.Wait()
				return nil
			}
			s.handlePair(ctx, pair)
		}
	}
}

// resume reloads every non-terminal job and hands it to the executor. Each
// resumed job re-runs the stage after its last checkpoint; stage
// implementations tolerate work a crashed attempt already finished.
func (s *Service) resume(ctx context.Context) error {
	pending, err := s.store.LoadPending(ctx)
	if err != nil {
		return err
	}

	for _, job := range pending {
		s.logger.WithJobKey(job.Key).WithStage(string(job.Stage)).Info("Resuming job")
		s.executor.Submit(ctx, job)
	}

	if len(pending) > 0 {
		s.logger.Zerolog().Info().Int("count", len(pending)).Msg("Pending jobs resumed")
	}
	return nil
}

// handlePair converts a settled pair into work. The store is the dedup
// authority: exactly one job exists per key, and a pair whose job is already
// in flight or already filed is suppressed.
func (s *Service) handlePair(ctx context.Context, pair ReadyPair) {
	logger := s.logger.WithJobKey(pair.Key.String())

	job, created, err := s.store.EnsureJob(ctx, pair.Key.String(), pair.CADPath, pair.DocPath)
	if err != nil {
		logger.WithError(err).Error("Failed to ensure job")
		return
	}

	if created {
		logger.Info("Job created")
		s.metrics.RecordJobCreated()
		s.executor.Submit(ctx, job)
		return
	}

	if !job.Stage.Terminal() {
		// Already known and in flight. The executor holds the key, so this
		// submission is a no-op unless the job was parked between restarts.
		logger.WithStage(string(job.Stage)).Info("Pair already in flight, suppressing")
		s.metrics.RecordPairSuppressed("in_flight")
		s.executor.Submit(ctx, job)
		return
	}

	if !s.cfg.ReintakeCompleted {
		logger.WithStage(string(job.Stage)).Info("Pair already processed, suppressing")
		s.metrics.RecordPairSuppressed("terminal")
		return
	}

	if err := s.store.ResetForReintake(ctx, job, pair.CADPath, pair.DocPath); err != nil {
		logger.WithError(err).Error("Failed to reset job for reintake")
		return
	}
	logger.Info("Terminal job reset for reintake")
	s.executor.Submit(ctx, job)
}
