package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 200*time.Millisecond, cfg.Watcher.DebounceWindow)
	assert.Equal(t, int64(10*1024*1024), cfg.Watcher.HashSizeThreshold)
	assert.Equal(t, "hnsw", cfg.Search.VectorBackend)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	content := `
version: 1
watcher:
  preview_lines: 20
search:
  vector_backend: qdrant
  qdrant_url: http://qdrant:6333
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(content), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Watcher.PreviewLines)
	assert.Equal(t, "qdrant", cfg.Search.VectorBackend)
	assert.Equal(t, "http://qdrant:6333", cfg.Search.QdrantURL)
	// Untouched sections keep defaults
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	root := t.TempDir()
	t.Setenv("MYLIFEDB_VECTOR_BACKEND", "qdrant")
	t.Setenv("MYLIFEDB_WORKERS", "3")

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "qdrant", cfg.Search.VectorBackend)
	assert.Equal(t, 3, cfg.Queue.Workers)
}

func TestLoad_InvalidYAML(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte("{{nope"), 0o644))

	_, err := Load(root)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero hash threshold", func(c *Config) { c.Watcher.HashSizeThreshold = 0 }, true},
		{"negative preview lines", func(c *Config) { c.Watcher.PreviewLines = -1 }, true},
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }, true},
		{"unknown vector backend", func(c *Config) { c.Search.VectorBackend = "faiss" }, true},
		{"zero dimensions", func(c *Config) { c.Search.Dimensions = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Watcher.PreviewLines = 42
	require.NoError(t, cfg.Save(root))

	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Watcher.PreviewLines)
}

func TestDataDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/srv/files", ".mylifedb"), DataDir("/srv/files"))
}
