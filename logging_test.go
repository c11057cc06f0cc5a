package fiber

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriterLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LevelWarn, &buf)
	LogError(l, "test", "should appear", nil, nil) // Error >= Warn, should log
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatal("expected an Error-level entry to be written when the logger's threshold is Warn")
	}

	buf.Reset()
	l.SetLevel(LevelError)
	entry := LogEntry{Level: LevelWarn, Category: "test", Message: "below threshold"}
	l.Log(entry)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing written below threshold, got %q", buf.String())
	}
}

func TestLogErrorIncludesErrorMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LevelDebug, &buf)
	LogError(l, "scheduler", "runnable panicked", errors.New("boom"), map[string]interface{}{"worker_id": 7})
	out := buf.String()
	if !strings.Contains(out, "runnable panicked") || !strings.Contains(out, "boom") {
		t.Fatalf("log output = %q, want it to mention the message and error", out)
	}
}

func TestNoOpLoggerNeverEnabled(t *testing.T) {
	l := NewNoOpLogger()
	for _, lvl := range []LogLevel{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if l.IsEnabled(lvl) {
			t.Fatalf("NoOpLogger.IsEnabled(%v) = true, want false", lvl)
		}
	}
}

func TestDefaultLoggerLevelFiltering(t *testing.T) {
	l := NewDefaultLogger(LevelInfo)
	if l.IsEnabled(LevelDebug) {
		t.Fatal("expected Debug to be filtered out at Info threshold")
	}
	if !l.IsEnabled(LevelWarn) {
		t.Fatal("expected Warn to pass at Info threshold")
	}
}
