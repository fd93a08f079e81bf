package intake

import (
	"context"
	"sync"
	"time"

	"github.com/intralog/drawbridge/pkg/telemetry"
)

// ExecutorConfig controls the stage executor.
type ExecutorConfig struct {
	// Workers is the number of concurrent jobs driven through the pipeline.
	Workers int

	// QueueSize bounds the submission queue.
	QueueSize int
}

// Executor drives jobs through the pipeline on a fixed worker pool. At most
// one worker handles a given job at a time: a job submitted while it is
// already queued, executing, or parked on a retry timer is dropped.
type Executor struct {
	cfg      ExecutorConfig
	store    JobStore
	pipeline *Pipeline
	policy   RetryPolicy
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	queue chan *Job

	mu   sync.Mutex
	held map[string]bool

	wg sync.WaitGroup
}

// NewExecutor creates an executor. Start must be called before Submit.
func NewExecutor(
	cfg ExecutorConfig,
	store JobStore,
	pipeline *Pipeline,
	policy RetryPolicy,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Executor{
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		policy:   policy,
		logger:   logger.NewComponentLogger("executor"),
		metrics:  metrics,
		tracer:   tracer,
		queue:    make(chan *Job, cfg.QueueSize),
		held:     make(map[string]bool),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.logger.Zerolog().Info().Int("workers", e.cfg.Workers).Msg("Executor started")
}

// Wait blocks until all workers have exited.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Submit queues a job for execution. Terminal jobs and jobs already held by
// the executor are dropped; submission is fire-and-forget.
func (e *Executor) Submit(ctx context.Context, job *Job) {
	if job.Stage.Terminal() {
		return
	}

	e.mu.Lock()
	if e.held[job.Key] {
		e.mu.Unlock()
		e.logger.WithJobKey(job.Key).Debug("Job already held, dropping submission")
		return
	}
	e.held[job.Key] = true
	e.metrics.SetActiveJobs(float64(len(e.held)))
	e.mu.Unlock()

	select {
	case e.queue <- job:
	case <-ctx.Done():
		e.release(job.Key)
	}
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	delete(e.held, key)
	e.metrics.SetActiveJobs(float64(len(e.held)))
	e.mu.Unlock()
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.queue:
			e.run(ctx, job)
		}
	}
}

// run executes stages for one job until it reaches a terminal state, parks
// on a retry timer, or the context is cancelled. The job's hold is released
// on every exit path except a scheduled retry, which keeps the hold so
// duplicate submissions stay suppressed while the timer runs.
func (e *Executor) run(ctx context.Context, job *Job) {
	ctx, span := e.tracer.StartJobSpan(ctx, job.Key)
	defer span.End()

	logger := e.logger.WithJobKey(job.Key)

	for !job.Stage.Terminal() {
		if ctx.Err() != nil {
			e.release(job.Key)
			return
		}

		stage := NextStage(job.Stage)
		timer := telemetry.NewTimer()

		stageCtx, stageSpan := e.tracer.StartStageSpan(ctx, job.Key, string(stage), job.AttemptCount+1)
		result, err := e.pipeline.ExecuteNext(stageCtx, job)
		if err == nil {
			telemetry.RecordSuccess(stageSpan)

			outcome := string(OutcomeSuccess)
			if result.Skipped {
				outcome = string(OutcomeSkipped)
			}
			e.metrics.RecordStageExecution(string(stage), outcome, timer.Duration())

			if aErr := e.store.Advance(ctx, job, result.Next, result.Output); aErr != nil {
				// The stage work is done but the checkpoint did not stick.
				// Re-running the stage after restart is safe, so treat the
				// persist failure like a transient stage failure: same
				// backoff, same attempt ceiling, same audit trail.
				logger.WithStage(string(stage)).WithError(aErr).Error("Failed to persist checkpoint")
				err = NewTransientError("failed to persist checkpoint", aErr)
			}
		} else {
			telemetry.RecordError(stageSpan, err)
			e.metrics.RecordStageExecution(string(stage), string(OutcomeFailure), timer.Duration())
		}
		stageSpan.End()

		if err == nil {
			logger.WithStage(string(job.Stage)).Info("Stage complete")
			continue
		}

		e.metrics.RecordError(string(ClassOf(err)))

		if recErr := e.store.RecordFailure(ctx, job, stage, err); recErr != nil {
			logger.WithStage(string(stage)).WithError(recErr).Error("Failed to record stage failure")
			// The store could not count this attempt. Count it locally so
			// the ceiling still holds while the store itself is broken.
			job.AttemptCount++
		}

		decision := e.policy.Decide(stage, job.AttemptCount, err)
		switch decision.Kind {
		case RetryNow:
			logger.WithStage(string(stage)).WithError(err).Warn("Stage failed, retrying")
			continue

		case RetryAfter:
			logger.WithStage(string(stage)).WithError(err).
				WithField("delay", decision.Delay.String()).
				Warn("Stage failed, retry scheduled")
			e.metrics.RecordStageRetry(string(stage))
			e.scheduleRetry(ctx, job, stage, decision)
			return

		default:
			logger.WithStage(string(stage)).WithError(err).Error("Stage failed permanently")
			if mfErr := e.store.MarkFailed(ctx, job, stage, err); mfErr != nil {
				logger.WithError(mfErr).Error("Failed to mark job failed")
			}
			e.metrics.RecordJobCompleted(string(StageFailed))
			e.release(job.Key)
			return
		}
	}

	if job.Stage == StageComplete {
		logger.Info("Job complete")
		e.metrics.RecordJobCompleted(string(StageComplete))
	}
	e.release(job.Key)
}

// scheduleRetry requeues the job after the decided delay. The hold is kept
// for the duration so the detector cannot double-submit the key.
func (e *Executor) scheduleRetry(ctx context.Context, job *Job, stage Stage, decision Decision) {
	time.AfterFunc(decision.Delay, func() {
		select {
		case e.queue <- job:
		case <-ctx.Done():
			e.release(job.Key)
		}
	})
}
