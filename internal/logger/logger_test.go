package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := slog.New(h)
	log.Error("boom")
	out := buf.String()
	if !strings.Contains(out, "\033[31m") {
		t.Errorf("error output missing red code: %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("output missing message: %q", out)
	}
	_ = context.Background()
}

func TestExecutionSinks(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "logs", "e1.stdout.log")
	errPath := filepath.Join(dir, "logs", "e1.stderr.log")
	var cfg SinkConfig
	out, errW, err := cfg.ExecutionSinks(outPath, errPath)
	if err != nil {
		t.Fatalf("sinks: %v", err)
	}
	if _, err := out.Write([]byte("hello out\n")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	if _, err := errW.Write([]byte("hello err\n")); err != nil {
		t.Fatalf("write stderr: %v", err)
	}
	_ = out.Close()
	_ = errW.Close()

	b, err := os.ReadFile(outPath)
	if err != nil || !strings.Contains(string(b), "hello out") {
		t.Errorf("stdout capture = %q, err %v", b, err)
	}
	b, err = os.ReadFile(errPath)
	if err != nil || !strings.Contains(string(b), "hello err") {
		t.Errorf("stderr capture = %q, err %v", b, err)
	}
}
