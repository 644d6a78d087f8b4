package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")

	logger := Init("orchestrator", &buf)
	logger.Info("worker ready", "task_queue", "agent-runs")

	out := buf.String()
	if !strings.Contains(out, `"service":"orchestrator"`) {
		t.Fatalf("expected service attribute, got: %s", out)
	}
	if !strings.Contains(out, `"msg":"worker ready"`) {
		t.Fatalf("expected msg, got: %s", out)
	}
	if !strings.Contains(out, `"task_queue":"agent-runs"`) {
		t.Fatalf("expected task_queue attribute, got: %s", out)
	}
}

func TestInitTextOutput(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_LEVEL", "debug")

	logger := Init("migrate", &buf)
	logger.Debug("applying migration")

	out := buf.String()
	if !strings.Contains(out, "applying migration") {
		t.Fatalf("expected debug msg, got: %s", out)
	}
	if !strings.Contains(out, "service=migrate") {
		t.Fatalf("expected service attr, got: %s", out)
	}
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "warn")

	logger := Init("orchestrator", &buf)
	logger.Info("filtered")
	if buf.Len() > 0 {
		t.Fatalf("info should be filtered at warn level, got: %s", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn should appear at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.input); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
