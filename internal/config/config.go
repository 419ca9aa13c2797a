// Package config loads and validates pipeline configuration.
// Configuration comes from <storage root>/.mylifedb.yaml with environment
// variable overrides (MYLIFEDB_*) taking highest priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the per-root configuration file.
const ConfigFileName = ".mylifedb.yaml"

// DataDirName is the reserved directory holding the metadata store, engine
// data, and logs. The watcher never descends into it.
const DataDirName = ".mylifedb"

// ReservedFolders are top-level folders the watcher and scanner skip.
var ReservedFolders = []string{DataDirName, ".git", ".trash"}

// Config represents the complete pipeline configuration.
type Config struct {
	Version int           `yaml:"version"`
	Watcher WatcherConfig `yaml:"watcher"`
	Queue   QueueConfig   `yaml:"queue"`
	Search  SearchConfig  `yaml:"search"`
	AI      AIConfig      `yaml:"ai"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// WatcherConfig configures change detection.
type WatcherConfig struct {
	// DebounceWindow is the stabilization window before acting on raw
	// filesystem signals, so partial writes coalesce into one change.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// HashSizeThreshold is the maximum file size (bytes) for content
	// hashing. Larger files fall back to size comparison.
	HashSizeThreshold int64 `yaml:"hash_size_threshold"`

	// PreviewLines is the number of leading lines stored as text_preview
	// for text-like files.
	PreviewLines int `yaml:"preview_lines"`

	// EventBufferSize is the size of the change event channel buffer.
	EventBufferSize int `yaml:"event_buffer_size"`

	// ScanInterval is how often the full-tree scan backstop runs.
	// Zero disables periodic scanning (a scan still runs at startup).
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// QueueConfig configures the durable task queue.
type QueueConfig struct {
	// Workers is the worker pool size. Defaults to NumCPU.
	Workers int `yaml:"workers"`

	// PollInterval is how often idle workers look for eligible tasks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ShutdownGrace bounds the wait for in-flight handlers on stop.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// RetryBackoff is the base delay for failed-task retry scheduling.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRetryBackoff caps the exponential retry delay.
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// StaleClaimTimeout is the liveness timeout after which an abandoned
	// in-progress task is swept back to todo.
	StaleClaimTimeout time.Duration `yaml:"stale_claim_timeout"`
}

// SearchConfig configures the two search engines.
type SearchConfig struct {
	// VectorBackend selects the vector engine: "hnsw" (embedded, default)
	// or "qdrant" (remote).
	VectorBackend string `yaml:"vector_backend"`

	// QdrantURL is the Qdrant endpoint for the qdrant backend.
	QdrantURL string `yaml:"qdrant_url"`

	// Collection is the vector collection name.
	Collection string `yaml:"collection"`

	// Dimensions is the embedding dimension.
	Dimensions int `yaml:"dimensions"`

	// JobTimeout bounds the wait for an engine's asynchronous job to
	// resolve before the sync record is marked error.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// AIConfig configures the external AI collaborators (contracts only).
type AIConfig struct {
	// Host is the completion/embedding API endpoint (Ollama-compatible).
	Host string `yaml:"host"`

	// Model is the completion model used by text digesters.
	Model string `yaml:"model"`

	// EmbedModel is the embedding model for the vector engine.
	EmbedModel string `yaml:"embed_model"`

	// TranscribeURL is the speech transcription service endpoint.
	TranscribeURL string `yaml:"transcribe_url"`

	// RequestTimeout bounds individual AI requests.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Watcher: WatcherConfig{
			DebounceWindow:    200 * time.Millisecond,
			HashSizeThreshold: 10 * 1024 * 1024,
			PreviewLines:      10,
			EventBufferSize:   1000,
			ScanInterval:      time.Hour,
		},
		Queue: QueueConfig{
			Workers:           runtime.NumCPU(),
			PollInterval:      500 * time.Millisecond,
			ShutdownGrace:     10 * time.Second,
			RetryBackoff:      30 * time.Second,
			MaxRetryBackoff:   10 * time.Minute,
			StaleClaimTimeout: 15 * time.Minute,
		},
		Search: SearchConfig{
			VectorBackend: "hnsw",
			QdrantURL:     "http://localhost:6333",
			Collection:    "mylifedb",
			Dimensions:    768,
			JobTimeout:    2 * time.Minute,
		},
		AI: AIConfig{
			Host:           "http://localhost:11434",
			Model:          "qwen3:4b",
			EmbedModel:     "qwen3-embedding:0.6b",
			TranscribeURL:  "http://localhost:9300",
			RequestTimeout: 2 * time.Minute,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:12020",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration for a storage root. A missing config file is
// not an error: defaults apply. Environment overrides are applied last.
func Load(root string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies MYLIFEDB_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MYLIFEDB_QDRANT_URL"); v != "" {
		c.Search.QdrantURL = v
	}
	if v := os.Getenv("MYLIFEDB_VECTOR_BACKEND"); v != "" {
		c.Search.VectorBackend = v
	}
	if v := os.Getenv("MYLIFEDB_AI_HOST"); v != "" {
		c.AI.Host = v
	}
	if v := os.Getenv("MYLIFEDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MYLIFEDB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.Workers = n
		}
	}
	if v := os.Getenv("MYLIFEDB_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Watcher.HashSizeThreshold <= 0 {
		return fmt.Errorf("watcher.hash_size_threshold must be positive, got %d", c.Watcher.HashSizeThreshold)
	}
	if c.Watcher.PreviewLines < 0 {
		return fmt.Errorf("watcher.preview_lines must be non-negative, got %d", c.Watcher.PreviewLines)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	switch c.Search.VectorBackend {
	case "hnsw", "qdrant":
	default:
		return fmt.Errorf("search.vector_backend must be hnsw or qdrant, got %q", c.Search.VectorBackend)
	}
	if c.Search.Dimensions <= 0 {
		return fmt.Errorf("search.dimensions must be positive, got %d", c.Search.Dimensions)
	}
	return nil
}

// DataDir returns the reserved data directory under the storage root.
func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

// Save writes the configuration to the storage root.
func (c *Config) Save(root string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(root, ConfigFileName)
	return os.WriteFile(path, data, 0o644)
}
