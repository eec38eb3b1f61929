package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	tmpDir := t.TempDir()
	return &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		Compress:     false,
		LogLevel:     "info",
		Format:       "json",
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(testConfig(t), nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	config := testConfig(t)
	config.LogLevel = "invalid"

	_, err := NewLogger(config, nil)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}

	if _, err := NewAppLogger(config); err == nil {
		t.Fatal("Expected NewAppLogger to reject invalid log level")
	}
}

func TestNewAppLoggerWritesRotatedFile(t *testing.T) {
	config := testConfig(t)
	config.AppLogPath = filepath.Join(filepath.Dir(config.AuditLogPath), "app.log")

	logger, err := NewAppLogger(config)
	if err != nil {
		t.Fatalf("NewAppLogger failed: %v", err)
	}
	logger.Info("schema inference complete")
	_ = logger.Sync()

	content, err := os.ReadFile(config.AppLogPath)
	if err != nil {
		t.Fatalf("Failed to read app log: %v", err)
	}
	if !strings.Contains(string(content), "schema inference complete") {
		t.Errorf("Expected message in app log, got: %s", content)
	}
}

func TestInvestigationLifecycle(t *testing.T) {
	config := testConfig(t)
	logger, err := NewLogger(config, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	ctx := context.Background()
	_ = logger.LogInvestigationStarted(ctx, "sess-1", "revenue")
	_ = logger.LogStageCompleted(ctx, "sess-1", "schema_inference", 120*time.Millisecond)
	_ = logger.LogHypothesisCompleted(ctx, "sess-1", "H1", "CONFIRMED")
	_ = logger.LogInvestigationCompleted(ctx, "sess-1", "completed", 3*time.Second)
	_ = logger.LogInvestigationFailed(ctx, "sess-2", errors.New("boom"))

	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	logContent := string(content)

	for _, want := range []string{
		"investigation.started",
		"stage.completed",
		"hypothesis.completed",
		"investigation.completed",
		"investigation.failed",
		"schema_inference",
		"boom",
	} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Expected audit log to contain %q", want)
		}
	}
}

func TestBufferAutoFlush(t *testing.T) {
	config := testConfig(t)
	logger, err := NewLogger(config, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	_ = logger.Log(context.Background(), NewEvent(EventReportGenerated).WithSessionID("auto-flush"))

	// The ticker flushes every second.
	time.Sleep(1500 * time.Millisecond)

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	if !strings.Contains(string(content), "auto-flush") {
		t.Error("Expected event to be flushed by ticker")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := NewLogger(testConfig(t), nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventHypothesisStarted).
		WithSessionID("sess").
		WithRunID("run").
		WithStage("analysis_execution").
		WithHypothesis("H2").
		WithDescription("Investigating: [H2] Mobile checkout regression").
		WithDuration(1500 * time.Millisecond).
		WithMetadata("turns", 4).
		WithError(errors.New("agent timeout"))

	if event.SessionID != "sess" || event.RunID != "run" {
		t.Errorf("ids not set: %+v", event)
	}
	if event.Stage != "analysis_execution" || event.HypothesisID != "H2" {
		t.Errorf("stage/hypothesis not set: %+v", event)
	}
	if event.DurationMs != 1500 {
		t.Errorf("Expected 1500ms, got %d", event.DurationMs)
	}
	if event.Result != ResultFailure {
		t.Errorf("WithError should mark result failure, got %s", event.Result)
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"hypothesis_id":"H2"`) {
		t.Errorf("unexpected JSON: %s", data)
	}
}
