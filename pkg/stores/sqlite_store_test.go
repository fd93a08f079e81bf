package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/intralog/drawbridge/pkg/intake"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "intake.db")})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsureJobCreatesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, created, err := store.EnsureJob(ctx, "drop/acme-job12", "/drop/Acme-Job12.dwg", "/drop/Acme-Job12.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	if !created {
		t.Error("Expected first EnsureJob to create")
	}
	if job.Stage != intake.StageNew {
		t.Errorf("Expected stage NEW, got %s", job.Stage)
	}

	again, created, err := store.EnsureJob(ctx, "drop/acme-job12", "/elsewhere/a.dwg", "/elsewhere/a.pdf")
	if err != nil {
		t.Fatalf("Second EnsureJob failed: %v", err)
	}
	if created {
		t.Error("Expected second EnsureJob to not create")
	}
	if again.CADPath != "/drop/Acme-Job12.dwg" {
		t.Errorf("Expected original paths preserved, got %s", again.CADPath)
	}
}

func TestEnsureJobConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const goroutines = 10
	var wg sync.WaitGroup
	createdCount := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.EnsureJob(ctx, "drop/race", "/drop/race.dwg", "/drop/race.pdf")
			if err != nil {
				t.Errorf("EnsureJob failed: %v", err)
				return
			}
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	creations := 0
	for created := range createdCount {
		if created {
			creations++
		}
	}
	if creations != 1 {
		t.Errorf("Expected exactly 1 creation under concurrency, got %d", creations)
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), "drop/missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestAdvanceMergesOutput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _, err := store.EnsureJob(ctx, "drop/job", "/drop/j.dwg", "/drop/j.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}

	md := &intake.Metadata{
		Customer:       "Acme Corp",
		Address:        "12 Main St",
		ProjectManager: "Pat Smith",
		Drafter:        "Lee Wong",
		Title:          "Job12",
	}
	if err := store.Advance(ctx, job, intake.StageMetadataExtracted, &intake.StageOutput{Metadata: md}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	opp := "OPP-1001"
	if err := store.Advance(ctx, job, intake.StageOpportunityCreated, &intake.StageOutput{Opportunity: &opp}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	loaded, err := store.GetJob(ctx, job.Key)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if loaded.Stage != intake.StageOpportunityCreated {
		t.Errorf("Expected stage OPPORTUNITY_CREATED, got %s", loaded.Stage)
	}
	if loaded.Metadata == nil || loaded.Metadata.Customer != "Acme Corp" {
		t.Errorf("Expected metadata to survive later advances, got %+v", loaded.Metadata)
	}
	if loaded.Opportunity == nil || *loaded.Opportunity != "OPP-1001" {
		t.Errorf("Expected opportunity OPP-1001, got %v", loaded.Opportunity)
	}
	if loaded.AttemptCount != 0 {
		t.Errorf("Expected attempt count reset on advance, got %d", loaded.AttemptCount)
	}
}

func TestAdvanceAppendsSuccessAttempt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _, err := store.EnsureJob(ctx, "drop/job", "/drop/j.dwg", "/drop/j.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	if err := store.Advance(ctx, job, intake.StageMetadataExtracted, nil); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	attempts, err := store.Attempts(ctx, job.Key)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("Expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Outcome != intake.OutcomeSuccess {
		t.Errorf("Expected success outcome, got %s", attempts[0].Outcome)
	}
	if attempts[0].Stage != intake.StageMetadataExtracted {
		t.Errorf("Expected stage METADATA_EXTRACTED, got %s", attempts[0].Stage)
	}
}

func TestRecordFailureIncrementsAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _, err := store.EnsureJob(ctx, "drop/job", "/drop/j.dwg", "/drop/j.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}

	stageErr := intake.NewTransientError("timeout", nil)
	if err := store.RecordFailure(ctx, job, intake.StageMetadataExtracted, stageErr); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := store.RecordFailure(ctx, job, intake.StageMetadataExtracted, stageErr); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	if job.AttemptCount != 2 {
		t.Errorf("Expected in-memory attempt count 2, got %d", job.AttemptCount)
	}

	loaded, _ := store.GetJob(ctx, job.Key)
	if loaded.AttemptCount != 2 {
		t.Errorf("Expected stored attempt count 2, got %d", loaded.AttemptCount)
	}
	if loaded.Stage != intake.StageNew {
		t.Errorf("Expected failure to not advance the stage, got %s", loaded.Stage)
	}

	attempts, _ := store.Attempts(ctx, job.Key)
	if len(attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Error == nil {
		t.Error("Expected error message recorded on failure attempt")
	}
}

func TestMarkFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _, err := store.EnsureJob(ctx, "drop/job", "/drop/j.dwg", "/drop/j.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}

	if err := store.MarkFailed(ctx, job, intake.StageOpportunityCreated, intake.NewPermanentError("bad credentials", nil)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	loaded, _ := store.GetJob(ctx, job.Key)
	if loaded.Stage != intake.StageFailed {
		t.Errorf("Expected stage FAILED, got %s", loaded.Stage)
	}
	if loaded.TerminalErr == nil {
		t.Fatal("Expected terminal error recorded")
	}
}

func TestResetForReintake(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _, err := store.EnsureJob(ctx, "drop/job", "/drop/j.dwg", "/drop/j.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	md := &intake.Metadata{Customer: "Acme Corp", Title: "Job12"}
	if err := store.Advance(ctx, job, intake.StageMetadataExtracted, &intake.StageOutput{Metadata: md}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := store.MarkFailed(ctx, job, intake.StageOpportunityCreated, intake.NewPermanentError("boom", nil)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if err := store.ResetForReintake(ctx, job, "/drop/new.dwg", "/drop/new.pdf"); err != nil {
		t.Fatalf("ResetForReintake failed: %v", err)
	}

	loaded, _ := store.GetJob(ctx, job.Key)
	if loaded.Stage != intake.StageNew {
		t.Errorf("Expected stage NEW after reset, got %s", loaded.Stage)
	}
	if loaded.Metadata != nil || loaded.TerminalErr != nil {
		t.Error("Expected pipeline fields cleared on reset")
	}
	if loaded.CADPath != "/drop/new.dwg" {
		t.Errorf("Expected fresh paths after reset, got %s", loaded.CADPath)
	}

	// Attempt history survives the reset.
	attempts, _ := store.Attempts(ctx, job.Key)
	if len(attempts) == 0 {
		t.Error("Expected attempt history preserved across reset")
	}
}

func TestLoadPendingSkipsTerminalJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inFlight, _, err := store.EnsureJob(ctx, "drop/in-flight", "/drop/a.dwg", "/drop/a.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	if err := store.Advance(ctx, inFlight, intake.StageMetadataExtracted, nil); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	done, _, err := store.EnsureJob(ctx, "drop/done", "/drop/b.dwg", "/drop/b.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	for _, stage := range []intake.Stage{
		intake.StageMetadataExtracted,
		intake.StageOpportunityCreated,
		intake.StageFoldersBuilt,
		intake.StageFilesRelocated,
		intake.StageNotified,
		intake.StagePortalSubmitted,
		intake.StageComplete,
	} {
		if err := store.Advance(ctx, done, stage, nil); err != nil {
			t.Fatalf("Advance to %s failed: %v", stage, err)
		}
	}

	failed, _, err := store.EnsureJob(ctx, "drop/failed", "/drop/c.dwg", "/drop/c.pdf")
	if err != nil {
		t.Fatalf("EnsureJob failed: %v", err)
	}
	if err := store.MarkFailed(ctx, failed, intake.StageMetadataExtracted, intake.NewPermanentError("boom", nil)); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	pending, err := store.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending job, got %d", len(pending))
	}
	if pending[0].Key != "drop/in-flight" {
		t.Errorf("Expected in-flight job, got %s", pending[0].Key)
	}
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"drop/a", "drop/b", "drop/c"} {
		if _, _, err := store.EnsureJob(ctx, key, key+".dwg", key+".pdf"); err != nil {
			t.Fatalf("EnsureJob failed: %v", err)
		}
	}

	jobs, err := store.ListJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs with limit 2, got %d", len(jobs))
	}

	rest, err := store.ListJobs(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("Expected 1 job at offset 2, got %d", len(rest))
	}
}
