package intake

import (
	"context"
)

// JobStore is the durable record of every file pair ever observed. It is the
// single authority for deduplication and for resuming interrupted work.
//
// Implementations must make EnsureJob safe under concurrent invocation for
// the same key (at-most-one creation) and must persist every mutation before
// returning, so a crash between stages never loses a checkpoint.
type JobStore interface {
	// EnsureJob creates a Job in state NEW if none exists for key, or returns
	// the existing Job unchanged. created reports whether a new row was made.
	EnsureJob(ctx context.Context, key, cadPath, docPath string) (job *Job, created bool, err error)

	// GetJob returns the Job for key, or an error if none exists.
	GetJob(ctx context.Context, key string) (*Job, error)

	// Advance atomically moves job to next, merges out into its fields,
	// resets the per-stage attempt count, and appends a success attempt.
	// The passed job is updated in place on success.
	Advance(ctx context.Context, job *Job, next Stage, out *StageOutput) error

	// RecordFailure appends a failure attempt for stage and increments the
	// job's attempt count without advancing. The passed job is updated.
	RecordFailure(ctx context.Context, job *Job, stage Stage, stageErr error) error

	// MarkFailed moves the job to the terminal FAILED state, persisting the
	// stage that failed and the last error.
	MarkFailed(ctx context.Context, job *Job, stage Stage, terminalErr error) error

	// ResetForReintake returns a terminal job to NEW with fresh paths and
	// cleared pipeline fields, preserving its attempt history for audit.
	ResetForReintake(ctx context.Context, job *Job, cadPath, docPath string) error

	// LoadPending returns all non-terminal jobs, used at startup to resume
	// interrupted work.
	LoadPending(ctx context.Context) ([]*Job, error)

	// Attempts returns the append-only attempt history for a job.
	Attempts(ctx context.Context, key string) ([]*StageAttempt, error)
}
