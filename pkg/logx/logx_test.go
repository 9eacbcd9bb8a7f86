package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if l.With(String("comp", "x")).IsZero() {
		t.Fatal("logger with fields should not be zero")
	}
}

func TestJSONFieldsAndWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(String("comp", "registry"))
	l.Info("unit registered", String("unit", "reportCRON1"), Int64("config_id", 1), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if m["comp"] != "registry" || m["unit"] != "reportCRON1" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["message"] != "unit registered" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSON(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %q", out)
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn")
	}
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	t.Parallel()
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "batchctl.log")

	svc, log := newService(Config{Level: "info", Console: true}, &console)
	defer svc.Close()
	log.Info("to console")
	if !strings.Contains(console.String(), "to console") {
		t.Fatalf("console missing line: %q", console.String())
	}

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("to file")
	if strings.Contains(console.String(), "to file") {
		t.Fatal("console sink should be detached after Apply")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"message":"to file"`) {
		t.Fatalf("file missing line: %q", b)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" info ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
