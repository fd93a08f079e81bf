package intake

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecutorRunsJobToCompletion(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	job, created, err := h.store.EnsureJob(ctx, "drop/acme-job12", "/drop/Acme-Job12.dwg", "/drop/Acme-Job12.pdf")
	if err != nil || !created {
		t.Fatalf("EnsureJob failed: created=%v err=%v", created, err)
	}
	h.executor.Submit(ctx, job)

	waitForStage(t, h.store, job.Key, StageComplete)

	final, err := h.store.GetJob(ctx, job.Key)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.Metadata == nil || final.Metadata.Customer != "Acme Corp" {
		t.Errorf("Expected extracted metadata on job, got %+v", final.Metadata)
	}
	if final.Opportunity == nil || *final.Opportunity != "OPP-1001" {
		t.Errorf("Expected opportunity id on job, got %v", final.Opportunity)
	}
	if final.RemoteFolder == nil {
		t.Error("Expected remote folder recorded on job")
	}

	if h.extractor.callCount() != 1 {
		t.Errorf("Expected exactly one extraction, got %d", h.extractor.callCount())
	}
	if h.crm.callCount() != 1 {
		t.Errorf("Expected exactly one CRM call, got %d", h.crm.callCount())
	}
	if h.notifier.callCount() != 1 {
		t.Errorf("Expected exactly one notification, got %d", h.notifier.callCount())
	}
}

func TestExecutorRetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 3})
	h.crm.errs = []error{NewTransientError("timeout", nil), NewTransientError("timeout", nil)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	job, _, err := h.store.EnsureJob(ctx, "drop/retry-job", "/drop/r.dwg", "/drop/r.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	h.executor.Submit(ctx, job)

	waitForStage(t, h.store, job.Key, StageComplete)

	if h.crm.callCount() != 3 {
		t.Errorf("Expected 3 CRM attempts (2 failures + success), got %d", h.crm.callCount())
	}

	attempts, err := h.store.Attempts(ctx, job.Key)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	failures := 0
	for _, a := range attempts {
		if a.Outcome == OutcomeFailure {
			failures++
		}
	}
	if failures != 2 {
		t.Errorf("Expected 2 recorded failures, got %d", failures)
	}
}

func TestExecutorPermanentErrorShortCircuits(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 5})
	h.crm.errs = []error{NewPermanentError("bad credentials", nil)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	job, _, err := h.store.EnsureJob(ctx, "drop/perm-job", "/drop/p.dwg", "/drop/p.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	h.executor.Submit(ctx, job)

	waitForStage(t, h.store, job.Key, StageFailed)

	if h.crm.callCount() != 1 {
		t.Errorf("Expected no retries on permanent error, got %d calls", h.crm.callCount())
	}
	if h.remote.folderCalls != 0 {
		t.Errorf("Expected no later stages after permanent failure, got %d folder calls", h.remote.folderCalls)
	}

	final, _ := h.store.GetJob(ctx, job.Key)
	if final.TerminalErr == nil {
		t.Error("Expected terminal error recorded on failed job")
	}
}

func TestExecutorGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 2})
	h.crm.errs = []error{
		NewTransientError("timeout", nil),
		NewTransientError("timeout", nil),
		NewTransientError("timeout", nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	job, _, err := h.store.EnsureJob(ctx, "drop/exhausted", "/drop/e.dwg", "/drop/e.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	h.executor.Submit(ctx, job)

	waitForStage(t, h.store, job.Key, StageFailed)

	if h.crm.callCount() != 2 {
		t.Errorf("Expected attempts to stop at the ceiling of 2, got %d", h.crm.callCount())
	}
}

func TestExecutorResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	// A job that had already extracted metadata and created its opportunity
	// before a crash. It must resume at folder creation, not re-extract.
	job, _, err := h.store.EnsureJob(ctx, "drop/resumed", "/drop/s.dwg", "/drop/s.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	md := &Metadata{Customer: "Acme Corp", Address: "12 Main St", ProjectManager: "Pat Smith", Title: "Job12"}
	if err := h.store.Advance(ctx, job, StageMetadataExtracted, &StageOutput{Metadata: md}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	opp := "OPP-7"
	if err := h.store.Advance(ctx, job, StageOpportunityCreated, &StageOutput{Opportunity: &opp}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	h.executor.Submit(ctx, job)
	waitForStage(t, h.store, job.Key, StageComplete)

	if h.extractor.callCount() != 0 {
		t.Errorf("Expected no re-extraction after checkpoint, got %d calls", h.extractor.callCount())
	}
	if h.crm.callCount() != 0 {
		t.Errorf("Expected no CRM call after checkpoint, got %d calls", h.crm.callCount())
	}
	if h.remote.folderCalls != 1 {
		t.Errorf("Expected resume to run folder creation once, got %d", h.remote.folderCalls)
	}
}

func TestExecutorReusesRecordedOpportunity(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	// A crash between the CRM call and the checkpoint leaves the
	// opportunity on the job while the stage reads METADATA_EXTRACTED.
	job, _, err := h.store.EnsureJob(ctx, "drop/partial", "/drop/x.dwg", "/drop/x.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	md := &Metadata{Customer: "Acme Corp", Address: "12 Main St", Title: "Job12"}
	if err := h.store.Advance(ctx, job, StageMetadataExtracted, &StageOutput{Metadata: md}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	opp := "OPP-EXISTING"
	job.Opportunity = &opp

	h.executor.Submit(ctx, job)
	waitForStage(t, h.store, job.Key, StageComplete)

	if h.crm.callCount() != 0 {
		t.Errorf("Expected recorded opportunity to be reused, got %d CRM calls", h.crm.callCount())
	}
	final, _ := h.store.GetJob(ctx, job.Key)
	if final.Opportunity == nil || *final.Opportunity != "OPP-EXISTING" {
		t.Errorf("Expected opportunity OPP-EXISTING preserved, got %v", final.Opportunity)
	}
}

func TestExecutorPortalSkipStillCompletes(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 3})
	h.portal.disabled = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	job, _, err := h.store.EnsureJob(ctx, "drop/noportal", "/drop/n.dwg", "/drop/n.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	h.executor.Submit(ctx, job)

	waitForStage(t, h.store, job.Key, StageComplete)
}

func TestExecutorSuppressesDuplicateSubmission(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 3})

	// Workers not started, so submitted jobs stay queued and held.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, _, err := h.store.EnsureJob(ctx, "drop/dup", "/drop/d.dwg", "/drop/d.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}

	h.executor.Submit(ctx, job)
	h.executor.Submit(ctx, job)
	h.executor.Submit(ctx, job)

	if got := len(h.executor.queue); got != 1 {
		t.Errorf("Expected 1 queued job after duplicate submissions, got %d", got)
	}
}

func TestExecutorIndependentJobFailures(t *testing.T) {
	h := newHarness(t, &immediatePolicy{maxAttempts: 1})
	h.extractor.errs = []error{NewPermanentError("unreadable title block", nil)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	bad, _, err := h.store.EnsureJob(ctx, "drop/bad", "/drop/bad.dwg", "/drop/bad.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	h.executor.Submit(ctx, bad)
	waitForStage(t, h.store, bad.Key, StageFailed)

	good, _, err := h.store.EnsureJob(ctx, "drop/good", "/drop/good.dwg", "/drop/good.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	h.executor.Submit(ctx, good)
	waitForStage(t, h.store, good.Key, StageComplete)
}

func TestExecutorSchedulesDelayedRetry(t *testing.T) {
	logger, metrics, tracer := newTestTelemetry(t)

	h := &harness{
		store:     newMemStore(),
		extractor: &mockExtractor{},
		crm:       &mockCRM{},
		remote:    &mockRemote{},
		notifier:  &mockNotifier{},
		portal:    &mockPortal{},
	}
	h.crm.errs = []error{NewThrottledError("rate limited", nil)}

	policy := &BackoffPolicy{
		MaxAttempts:        3,
		BaseDelay:          10 * time.Millisecond,
		ThrottledBaseDelay: 20 * time.Millisecond,
		MaxDelay:           100 * time.Millisecond,
	}
	pipeline := NewPipeline(h.extractor, h.crm, h.remote, h.notifier, h.portal, logger)
	h.executor = NewExecutor(ExecutorConfig{Workers: 1}, h.store, pipeline, policy, logger, metrics, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.Start(ctx)

	job, _, err := h.store.EnsureJob(ctx, "drop/throttled", "/drop/t.dwg", "/drop/t.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	h.executor.Submit(ctx, job)

	waitForStage(t, h.store, job.Key, StageComplete)

	if h.crm.callCount() != 2 {
		t.Errorf("Expected throttled attempt plus delayed retry, got %d calls", h.crm.callCount())
	}
}

// faultyStore wraps memStore with injectable persistence failures.
type faultyStore struct {
	*memStore
	advanceErr       error
	recordFailureErr error
}

func (s *faultyStore) Advance(ctx context.Context, job *Job, next Stage, out *StageOutput) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	return s.memStore.Advance(ctx, job, next, out)
}

func (s *faultyStore) RecordFailure(ctx context.Context, job *Job, stage Stage, stageErr error) error {
	if s.recordFailureErr != nil {
		return s.recordFailureErr
	}
	return s.memStore.RecordFailure(ctx, job, stage, stageErr)
}

func TestExecutorBoundsCheckpointPersistFailures(t *testing.T) {
	logger, metrics, tracer := newTestTelemetry(t)

	store := &faultyStore{memStore: newMemStore(), advanceErr: errors.New("disk full")}
	extractor := &mockExtractor{}
	pipeline := NewPipeline(extractor, &mockCRM{}, &mockRemote{}, &mockNotifier{}, &mockPortal{}, logger)
	executor := NewExecutor(ExecutorConfig{Workers: 1}, store, pipeline, &immediatePolicy{maxAttempts: 3}, logger, metrics, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	executor.Start(ctx)

	job, _, err := store.EnsureJob(ctx, "drop/nostore", "/drop/n.dwg", "/drop/n.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	executor.Submit(ctx, job)

	// A store that never persists checkpoints must exhaust the attempt
	// ceiling and fail the job, not loop forever.
	waitForStage(t, store.memStore, job.Key, StageFailed)

	if got := extractor.callCount(); got != 3 {
		t.Errorf("Expected attempts bounded by the policy ceiling, got %d extractions", got)
	}

	attempts, err := store.Attempts(ctx, job.Key)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	failures := 0
	for _, a := range attempts {
		if a.Outcome == OutcomeFailure {
			failures++
		}
	}
	if failures != 3 {
		t.Errorf("Expected each persist failure in the audit trail, got %d failure attempts", failures)
	}
}

func TestExecutorCountsAttemptsLocallyWhenStoreIsDown(t *testing.T) {
	logger, metrics, tracer := newTestTelemetry(t)

	// Both Advance and RecordFailure fail: the store can neither persist
	// progress nor count attempts. The executor keeps its own count so the
	// ceiling still applies.
	store := &faultyStore{
		memStore:         newMemStore(),
		advanceErr:       errors.New("disk full"),
		recordFailureErr: errors.New("disk full"),
	}
	extractor := &mockExtractor{}
	pipeline := NewPipeline(extractor, &mockCRM{}, &mockRemote{}, &mockNotifier{}, &mockPortal{}, logger)
	executor := NewExecutor(ExecutorConfig{Workers: 1}, store, pipeline, &immediatePolicy{maxAttempts: 2}, logger, metrics, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	executor.Start(ctx)

	job, _, err := store.EnsureJob(ctx, "drop/deadstore", "/drop/d.dwg", "/drop/d.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	executor.Submit(ctx, job)

	waitForStage(t, store.memStore, job.Key, StageFailed)

	if got := extractor.callCount(); got != 2 {
		t.Errorf("Expected local attempt counting to bound retries, got %d extractions", got)
	}
}
