package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/TheGojiOG/pvebackup/internal/config"
)

func TestInitAndCloseLogger(t *testing.T) {
	root := t.TempDir()
	logPath := filepath.Join(root, "pvebackup.log")

	_, err := Init(config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		File:       logPath,
		MaxSize:    10,
		MaxBackups: 1,
		MaxAge:     1,
	})
	if err != nil {
		t.Fatalf("failed to init logger: %v", err)
	}

	Component("test").Info("test_log")
	if err := Close(); err != nil {
		t.Fatalf("failed to close logger: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoggersAlwaysUsable(t *testing.T) {
	if L() == nil || Component("engine") == nil || ForJob("job-1", "manual") == nil {
		t.Fatalf("expected usable loggers")
	}
}

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(newHandler(&buf, config.LoggingConfig{Level: "info", Format: "json"}))
	l.Info("job_state_changed", "state", "uploading")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if entry["msg"] != "job_state_changed" || entry["state"] != "uploading" {
		t.Fatalf("unexpected entry: %v", entry)
	}

	buf.Reset()
	l = slog.New(newHandler(&buf, config.LoggingConfig{Level: "error", Format: "text"}))
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at error level")
	}
}
