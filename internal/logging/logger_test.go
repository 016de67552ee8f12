// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

// resetGlobal clears the process-wide logger between tests.
func resetGlobal() {
	mu.Lock()
	global = nil
	mu.Unlock()
	once = sync.Once{}
}

// TestParseLevel verifies configuration strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestNew_JSONOutput verifies entries are JSON with level and fields.
func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, false)

	logger.Info().Str("change_id", "c-1").Msg("queued change committed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["message"] != "queued change committed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["change_id"] != "c-1" {
		t.Errorf("change_id = %v, want c-1", entry["change_id"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected time field")
	}
}

// TestNew_LevelFiltering verifies entries below the minimum are dropped.
func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn, false)

	logger.Info().Msg("dropped")
	logger.Debug().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	logger.Warn().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected warn entry, got %q", buf.String())
	}
}

// TestInit_idempotent verifies only the first Init takes effect.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	var first, second bytes.Buffer
	Init(&first, LevelInfo, false)
	Init(&second, LevelDebug, false)

	l := Get()
	l.Info().Msg("hello")

	if !strings.Contains(first.String(), "hello") {
		t.Error("expected entry in first writer")
	}
	if second.Len() != 0 {
		t.Error("second Init() should be ignored")
	}
}

// TestComponent verifies the component field is attached.
func TestComponent(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	var buf bytes.Buffer
	Init(&buf, LevelInfo, false)

	l := Component("queue")
	l.Info().Msg("loaded")

	if !strings.Contains(buf.String(), `"component":"queue"`) {
		t.Errorf("expected component field, got %q", buf.String())
	}
}

// TestNop verifies the disabled logger writes nothing and does not panic.
func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error().Msg("nothing")
}
