package logging

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLoggerWritesToBuffer(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelInfo, io.Discard)

	logger.Info("subscriber connected", map[string]string{"remote": "127.0.0.1:5000"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelInfo {
		t.Fatalf("expected info level, got %q", entry.Level)
	}
	if entry.Message != "subscriber connected" {
		t.Fatalf("expected message, got %q", entry.Message)
	}
	if entry.Context["remote"] != "127.0.0.1:5000" {
		t.Fatalf("expected context remote, got %v", entry.Context)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelWarning, io.Discard)

	logger.Info("info", nil)
	logger.Warn("warn", nil)

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != LevelWarning {
		t.Fatalf("expected warning level, got %q", entries[0].Level)
	}
}

func TestLoggerComponentTagsEntries(t *testing.T) {
	var output bytes.Buffer
	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelDebug, &output).Component("broadcaster")

	logger.Error("write failed", ErrorFields(errors.New("broken pipe")))

	entries := logger.Buffer().List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Context[ComponentField] != "broadcaster" {
		t.Fatalf("expected component field, got %v", entries[0].Context)
	}
	line := output.String()
	if !strings.Contains(line, `level=error msg="write failed" error="broken pipe" fsrelay.component="broadcaster"`) {
		t.Fatalf("unexpected formatted line %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw   string
		level Level
		ok    bool
	}{
		{raw: "debug", level: LevelDebug, ok: true},
		{raw: " INFO ", level: LevelInfo, ok: true},
		{raw: "warn", level: LevelWarning, ok: true},
		{raw: "warning", level: LevelWarning, ok: true},
		{raw: "error", level: LevelError, ok: true},
		{raw: "loud", ok: false},
	}
	for _, testCase := range cases {
		level, ok := ParseLevel(testCase.raw)
		if ok != testCase.ok || level != testCase.level {
			t.Fatalf("ParseLevel(%q) = %q, %v", testCase.raw, level, ok)
		}
	}
}
