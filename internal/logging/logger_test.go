package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaultConfig(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("also should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got %q", buf.String())
	}

	logger.Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message in output, got %q", buf.String())
	}
}

func TestWithTag(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	tagged := logger.WithTag("psu-1")
	tagged.Info("connected")

	output := buf.String()
	if !strings.Contains(output, "device") || !strings.Contains(output, "psu-1") {
		t.Errorf("expected device=psu-1 field in output, got %q", output)
	}
}

func TestWithTagEmptyReturnsSameLogger(t *testing.T) {
	logger := NewLogger(nil)
	if logger.WithTag("") != logger {
		t.Error("WithTag(\"\") should return the receiver unchanged")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	t.Cleanup(func() { SetDefault(NewLogger(nil)) })

	Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("expected debug message, got %q", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got %q", buf.String())
	}
}

func TestPrintfCompat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Printf("value=%d", 42)
	if !strings.Contains(buf.String(), "value=42") {
		t.Errorf("expected formatted message, got %q", buf.String())
	}
}
