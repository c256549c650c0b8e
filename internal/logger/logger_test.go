package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info", "json").WithPackage("demo", "1.0.0")
	l.Debug("hidden")
	l.Warn("revision capture failed", "error", "not a git repository")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if rec["package"] != "demo" || rec["version"] != "1.0.0" {
		t.Errorf("package fields missing: %v", rec)
	}
	if rec["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", rec["level"])
	}
}

func TestTextLoggerWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "debug", "text").Info("published", "archive", "demo_v1.zip")
	if !strings.Contains(buf.String(), "published") || !strings.Contains(buf.String(), "demo_v1.zip") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Error("OrDiscard(nil) returned nil")
	}
}
