package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	log, err := Init("test-service", zapcore.InfoLevel, path)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	log.Info("hello")
	log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"service":"test-service"`) || !strings.Contains(string(data), "hello") {
		t.Errorf("unexpected log output: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zapcore.DebugLevel {
		t.Error("expected debug")
	}
	if ParseLevel("nonsense") != zapcore.InfoLevel {
		t.Error("expected info fallback")
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}
	ctx = WithTraceID(ctx, "test-trace-123")
	if tid := TraceID(ctx); tid != "test-trace-123" {
		t.Errorf("expected 'test-trace-123', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("MNQ", ts)
	if !strings.HasPrefix(tid, "MNQ-") {
		t.Errorf("expected trace id to start with 'MNQ-', got %s", tid)
	}
	if !strings.Contains(tid, "123456789") {
		t.Errorf("expected trace id to contain nanoseconds, got %s", tid)
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()
	if fields := LogWithTrace(ctx); fields != nil {
		t.Errorf("expected nil fields when no trace id, got %v", fields)
	}
	ctx = WithTraceID(ctx, "abc-123")
	fields := LogWithTrace(ctx)
	if len(fields) != 1 || fields[0].Key != "trace_id" || fields[0].String != "abc-123" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}
