package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Output: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	component := logger.NewComponentLogger("test")
	if component == nil {
		t.Fatal("Expected component logger")
	}

	// Field helpers chain without touching the parent.
	child := logger.WithJobKey("k").WithStage("NEW").WithField("n", 1)
	if child == logger {
		t.Error("Expected WithJobKey to return a new logger")
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// None of these may panic while disabled.
	m.RecordJobCreated()
	m.RecordJobCompleted("COMPLETE")
	m.SetActiveJobs(3)
	m.RecordStageExecution("NEW", "success", time.Millisecond)
	m.RecordStageRetry("NEW")
	m.RecordWatcherEvent("create")
	m.RecordPairDetected()
	m.RecordPairSuppressed("terminal")
	m.RecordError("transient")

	if err := m.StartMetricsServer(); err != nil {
		t.Errorf("Disabled metrics server should be a no-op, got %v", err)
	}
}

func TestDisabledTracerProducesSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "drawbridge", "test", "dev")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	defer func() {
		_ = tracer.Shutdown(context.Background())
	}()

	ctx, span := tracer.StartJobSpan(context.Background(), "/watch|pair")
	if span == nil {
		t.Fatal("Expected a span even when tracing is disabled")
	}
	RecordSuccess(span)
	span.End()

	_, stageSpan := tracer.StartStageSpan(ctx, "/watch|pair", "METADATA_EXTRACTED", 1)
	RecordError(stageSpan, context.DeadlineExceeded)
	stageSpan.End()
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}

	bad := DefaultConfig()
	bad.Logging.Format = "xml"
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for unsupported log format")
	}

	bad = DefaultConfig()
	bad.Tracing.Enabled = true
	bad.Tracing.Exporter = "carrier-pigeon"
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for unsupported exporter")
	}
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	if timer.Duration() <= 0 {
		t.Error("Expected positive duration")
	}
}
