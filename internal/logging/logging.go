package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/lumberjack/v2"
)

// New creates the process logger. Output tees to stdout and a rotating
// file under dir. rawLog switches from JSON records to plain text.
func New(level string, dir string, rawLog bool) *slog.Logger {
	out := io.Writer(os.Stdout)
	if dir != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(dir, "dispatch.log"),
			MaxSize:    16,
			MaxBackups: 4,
		})
	}

	opts := &slog.HandlerOptions{Level: levelFromString(level)}
	if rawLog {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func levelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
