package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v (%q)", err, buf.String())
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "WARN")

	Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}

	Warn("kept")
	out := decodeLine(t, &buf)
	if out["msg"] != "kept" {
		t.Errorf("Expected msg 'kept', got %v", out["msg"])
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "DEBUG")

	WithComponent("scheduler").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "scheduler" {
		t.Errorf("Expected component 'scheduler', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithPipelineJobStep(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "DEBUG")

	l := WithStep(WithJob(WithPipeline("run-1", "ci"), "build"), 2, "compile")
	l.Info("step msg")

	out := decodeLine(t, &buf)
	if out["run_id"] != "run-1" || out["workflow"] != "ci" {
		t.Errorf("unexpected pipeline fields: %v", out)
	}
	if out["job"] != "build" {
		t.Errorf("Expected job 'build', got %v", out["job"])
	}
	if out["step"] != "compile" || out["step_index"] != float64(2) {
		t.Errorf("unexpected step fields: %v", out)
	}
}
