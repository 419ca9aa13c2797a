package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Level:     "debug",
		FilePath:  filepath.Join(dir, "logs", "server.log"),
		MaxSizeMB: 1,
		MaxFiles:  2,
	}

	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)

	logger.Info("file_upserted", slog.String("path", "notes/a.md"))
	cleanup()

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.Split(strings.TrimSpace(string(data)), "\n")[0]), &entry))
	assert.Equal(t, "file_upserted", entry["msg"])
	assert.Equal(t, "notes/a.md", entry["path"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestRotatingWriter_RotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	// Force the threshold low so a couple of writes trigger rotation.
	w.maxSize = 64

	line := []byte(strings.Repeat("x", 48) + "\n")
	for i := 0; i < 4; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "rotated file should exist")
}

func TestRotatingWriter_PrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()
	w.maxSize = 16

	for i := 0; i < 10; i++ {
		_, err := w.Write([]byte(strings.Repeat("y", 20)))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
}

func TestLogPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "logs", "server.log"), LogPath("/data"))
}
