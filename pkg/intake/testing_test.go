package intake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/intralog/drawbridge/pkg/telemetry"
)

// newTestTelemetry returns quiet telemetry instances for tests.
func newTestTelemetry(t *testing.T) (*telemetry.Logger, *telemetry.Metrics, *telemetry.Tracer) {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "test", "test", "test")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	return logger, metrics, tracer
}

// memStore is an in-memory JobStore for executor and service tests.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	attempts []*StageAttempt
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (s *memStore) EnsureJob(ctx context.Context, key, cadPath, docPath string) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[key]; ok {
		copy := *existing
		return &copy, false, nil
	}

	now := time.Now()
	job := &Job{
		Key:       key,
		CADPath:   cadPath,
		DocPath:   docPath,
		Stage:     StageNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[key] = job
	copy := *job
	return &copy, true, nil
}

func (s *memStore) GetJob(ctx context.Context, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return nil, fmt.Errorf("no job for key %s", key)
	}
	copy := *job
	return &copy, nil
}

func (s *memStore) Advance(ctx context.Context, job *Job, next Stage, out *StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.Key]
	if !ok {
		return fmt.Errorf("no job for key %s", job.Key)
	}

	stored.Stage = next
	stored.AttemptCount = 0
	if out != nil {
		if out.Metadata != nil {
			stored.Metadata = out.Metadata
		}
		if out.Opportunity != nil {
			stored.Opportunity = out.Opportunity
		}
		if out.RemoteFolder != nil {
			stored.RemoteFolder = out.RemoteFolder
		}
	}
	stored.UpdatedAt = time.Now()

	s.attempts = append(s.attempts, &StageAttempt{
		JobKey:    job.Key,
		Stage:     next,
		Outcome:   OutcomeSuccess,
		Timestamp: stored.UpdatedAt,
	})

	*job = *stored
	return nil
}

func (s *memStore) RecordFailure(ctx context.Context, job *Job, stage Stage, stageErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.Key]
	if !ok {
		return fmt.Errorf("no job for key %s", job.Key)
	}

	stored.AttemptCount++
	stored.UpdatedAt = time.Now()

	msg := stageErr.Error()
	s.attempts = append(s.attempts, &StageAttempt{
		JobKey:    job.Key,
		Stage:     stage,
		Outcome:   OutcomeFailure,
		Error:     &msg,
		Timestamp: stored.UpdatedAt,
	})

	*job = *stored
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, job *Job, stage Stage, terminalErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.Key]
	if !ok {
		return fmt.Errorf("no job for key %s", job.Key)
	}

	msg := terminalErr.Error()
	stored.Stage = StageFailed
	stored.TerminalErr = &msg
	stored.UpdatedAt = time.Now()

	*job = *stored
	return nil
}

func (s *memStore) ResetForReintake(ctx context.Context, job *Job, cadPath, docPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.Key]
	if !ok {
		return fmt.Errorf("no job for key %s", job.Key)
	}

	stored.Stage = StageNew
	stored.CADPath = cadPath
	stored.DocPath = docPath
	stored.AttemptCount = 0
	stored.Metadata = nil
	stored.Opportunity = nil
	stored.RemoteFolder = nil
	stored.TerminalErr = nil
	stored.UpdatedAt = time.Now()

	*job = *stored
	return nil
}

func (s *memStore) LoadPending(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Job
	for _, job := range s.jobs {
		if !job.Stage.Terminal() {
			copy := *job
			pending = append(pending, &copy)
		}
	}
	return pending, nil
}

func (s *memStore) Attempts(ctx context.Context, key string) ([]*StageAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*StageAttempt
	for _, a := range s.attempts {
		if a.JobKey == key {
			copy := *a
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *memStore) stageOf(key string) Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[key]; ok {
		return job.Stage
	}
	return ""
}

// Mock collaborators. Each records its calls and can be told to fail.

type mockExtractor struct {
	mu    sync.Mutex
	calls int
	md    *Metadata
	errs  []error
}

func (m *mockExtractor) Extract(ctx context.Context, docPath string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if m.md != nil {
		return m.md, nil
	}
	return &Metadata{
		Customer:       "Acme Corp",
		Address:        "12 Main St",
		ProjectManager: "Pat Smith",
		Drafter:        "Lee Wong",
		Title:          "Job12",
	}, nil
}

func (m *mockExtractor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCRM struct {
	mu    sync.Mutex
	calls int
	id    string
	errs  []error
}

func (m *mockCRM) EnsureOpportunity(ctx context.Context, md *Metadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if m.id != "" {
		return m.id, nil
	}
	return "OPP-1001", nil
}

func (m *mockCRM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRemote struct {
	mu            sync.Mutex
	folderCalls   int
	relocateCalls int
	folder        string
	folderErrs    []error
	relocateErrs  []error
}

func (m *mockRemote) EnsureFolderTree(ctx context.Context, md *Metadata, oppID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folderCalls++
	if len(m.folderErrs) > 0 {
		err := m.folderErrs[0]
		m.folderErrs = m.folderErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if m.folder != "" {
		return m.folder, nil
	}
	return "/share/Acme Corp/12 Main St/Opp #1001- Job12", nil
}

func (m *mockRemote) Relocate(ctx context.Context, folder, cadPath, docPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relocateCalls++
	if len(m.relocateErrs) > 0 {
		err := m.relocateErrs[0]
		m.relocateErrs = m.relocateErrs[1:]
		return err
	}
	return nil
}

type mockNotifier struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (m *mockNotifier) Notify(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *mockNotifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockPortal struct {
	mu       sync.Mutex
	calls    int
	disabled bool
	errs     []error
}

func (m *mockPortal) Submit(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.disabled {
		return NewSkipError("portal disabled")
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

// harness wires a full executor over mocks with an immediate retry policy.
type harness struct {
	store     *memStore
	extractor *mockExtractor
	crm       *mockCRM
	remote    *mockRemote
	notifier  *mockNotifier
	portal    *mockPortal
	executor  *Executor
}

func newHarness(t *testing.T, policy RetryPolicy) *harness {
	t.Helper()

	logger, metrics, tracer := newTestTelemetry(t)

	h := &harness{
		store:     newMemStore(),
		extractor: &mockExtractor{},
		crm:       &mockCRM{},
		remote:    &mockRemote{},
		notifier:  &mockNotifier{},
		portal:    &mockPortal{},
	}

	pipeline := NewPipeline(h.extractor, h.crm, h.remote, h.notifier, h.portal, logger)
	h.executor = NewExecutor(ExecutorConfig{Workers: 2}, h.store, pipeline, policy, logger, metrics, tracer)
	return h
}

// immediatePolicy retries retryable errors right away up to maxAttempts.
type immediatePolicy struct {
	maxAttempts int
}

func (p *immediatePolicy) Decide(_ Stage, attempt int, err error) Decision {
	if !IsRetryable(err) || attempt >= p.maxAttempts {
		return Decision{Kind: GiveUp}
	}
	return Decision{Kind: RetryNow}
}

// waitForStage polls until the job reaches want or the deadline passes.
func waitForStage(t *testing.T, store *memStore, key string, want Stage) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.stageOf(key) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Job %s never reached stage %s (stuck at %s)", key, want, store.stageOf(key))
}
