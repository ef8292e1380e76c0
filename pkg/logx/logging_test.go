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

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Warn("dispatch failed", Int("attempt", 2), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "scheduler" || m["message"] != "dispatch failed" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["attempt"].(float64) != 2 || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("to file", String("k", "v"))

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, "to file") || strings.Contains(s, "filtered") {
		t.Fatalf("unexpected file contents: %q", s)
	}
}
