// Package logging provides structured file-based logging via log/slog.
// Logs are written as JSON to a size-rotated file under the data directory,
// with an optional stderr tee when attached to a terminal.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means no file logging.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr whether to also write to stderr (default: auto-detect TTY).
	WriteToStderr bool
}

// DefaultConfig returns sensible defaults for file logging rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Level:         "info",
		FilePath:      LogPath(dataDir),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// LogPath returns the server log path under the data directory.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "server.log")
}

// Setup initializes file-based logging and returns a cleanup function.
// The cleanup function should be called to close the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer = writer
	if cfg.WriteToStderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	logger := slog.New(handler)

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}

	return logger, cleanup, nil
}

// SetupDefault sets up logging for the given data directory and installs
// the result as the default slog logger. Returns a cleanup function.
func SetupDefault(dataDir string) (func(), error) {
	logger, cleanup, err := Setup(DefaultConfig(dataDir))
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	return cleanup, nil
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
