package output

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestProgressLogEnabled(t *testing.T) {
	logger, buf := captureLogger()
	p := NewProgress(logger, true)
	p.Log("hello %s", "world")

	out := buf.String()
	if !strings.Contains(out, "hello world") {
		t.Errorf("expected 'hello world' in output, got %q", out)
	}
	if !strings.Contains(out, "elapsed=") {
		t.Errorf("expected elapsed attribute, got %q", out)
	}
}

func TestProgressLogDisabled(t *testing.T) {
	logger, buf := captureLogger()
	p := NewProgress(logger, false)
	p.Log("should not appear")

	if buf.Len() != 0 {
		t.Errorf("quiet mode should produce no output, got %q", buf.String())
	}
}

func TestNilProgressIsSilent(t *testing.T) {
	var p *Progress
	p.Log("nothing")
	p.Debug("nothing")
}

func TestVerboseProgressDebug(t *testing.T) {
	logger, buf := captureLogger()
	p := NewVerboseProgress(logger, true, true)
	p.Debug("debug info %d", 42)

	out := buf.String()
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "debug info 42") {
		t.Errorf("expected DEBUG record with 'debug info 42', got %q", out)
	}
}

func TestVerboseProgressDebugDisabledWhenNotVerbose(t *testing.T) {
	logger, buf := captureLogger()
	p := NewVerboseProgress(logger, true, false)
	p.Debug("should not appear")

	if strings.Contains(buf.String(), "should not appear") {
		t.Errorf("debug should not appear when verbose=false, got %q", buf.String())
	}
}

func TestVerboseImpliesEnabled(t *testing.T) {
	logger, buf := captureLogger()
	p := NewVerboseProgress(logger, false, true) // enabled=false but verbose=true
	p.Log("visible despite enabled=false")

	if !strings.Contains(buf.String(), "visible despite enabled=false") {
		t.Errorf("verbose should override enabled=false, got %q", buf.String())
	}
}
