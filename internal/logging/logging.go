// Package logging configures slog for the CLI and the daemon.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupCLI routes logs to stderr as text, for interactive commands.
func SetupCLI(level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

// SetupDaemon routes logs to a size-rotated file under baseDir/.syncd as
// JSON, for the long-running `syncd run` process. Returns a closer for the
// log file.
func SetupDaemon(baseDir string, level slog.Level) io.Closer {
	out := &lumberjack.Logger{
		Filename:   filepath.Join(baseDir, ".syncd", "syncd.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	opts := &slog.HandlerOptions{Level: level}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, opts)))
	return out
}
