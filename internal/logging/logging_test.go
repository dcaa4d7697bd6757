package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"error":   slog.LevelError,
		"ERROR":   slog.LevelError,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" info ":  slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"":        slog.LevelDebug,
		"verbose": slog.LevelDebug,
	}
	for input, want := range cases {
		if got := levelFromString(input); got != want {
			t.Fatalf("levelFromString(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := New("info", dir, false)
	logger.Info("started", "component", "test")

	data, err := os.ReadFile(filepath.Join(dir, "dispatch.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("log file is empty")
	}
}

func TestNewHonorsLevel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := New("error", dir, true)
	logger.Info("suppressed")

	data, _ := os.ReadFile(filepath.Join(dir, "dispatch.log"))
	if len(data) != 0 {
		t.Fatalf("info record leaked past error level: %q", data)
	}
}
