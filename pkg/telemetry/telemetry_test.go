package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestConfig_DefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got %v", err)
	}
}

func TestConfig_RejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected invalid log level to be rejected")
	}
}

func TestConfig_RejectsBadSamplingRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected out-of-range sampling rate to be rejected")
	}
}

func TestMetrics_DisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// None of these may panic on the disabled instance.
	m.RecordRunStarted()
	m.RecordRunCompleted("succeeded", time.Second)
	m.RecordStep("create", "succeeded", "file", time.Millisecond)
	m.RecordStepRetry("transient")
	m.RecordProviderCall("memory", "create", time.Millisecond)
	m.RecordProviderError("memory", "create")
	m.RecordError("permanent")
	m.RecordLockConflict()
	m.RecordSnapshot(3, 7)
}

func TestTracer_DisabledStillProducesSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "converge", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tr.Shutdown(context.Background())

	_, span := tr.StartRunSpan(context.Background(), "run-1")
	if span == nil {
		t.Fatal("Expected a span from the disabled tracer")
	}
	span.End()
}

func TestLogger_ComponentAndFields(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.NewComponentLogger("differ").
		WithRunID("run-1").
		WithAddress("file.motd").
		WithAction("update")
	child.Debug("computed change")

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected FromContext to return the stored logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	if got := parseLogLevel("warn"); got.String() != "warn" {
		t.Errorf("Expected warn, got %s", got)
	}
	if got := parseLogLevel("nonsense"); got.String() != "info" {
		t.Errorf("Expected fallback to info, got %s", got)
	}
}
