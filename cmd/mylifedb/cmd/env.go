package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/ai"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/digest"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/logging"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/search"
)

// cmdEnv bundles the pieces every one-shot command needs: resolved root,
// loaded config, and an open metadata store. Commands that mutate pipeline
// state also hold the server lock so they never race a running server.
type cmdEnv struct {
	root    string
	dataDir string
	cfg     *config.Config
	store   *db.Store

	lock       *flock.Flock
	logCleanup func()
}

// openEnv loads config and opens the store for the --root tree. With
// exclusive set it also takes the server lock, failing fast when a server
// is running.
func openEnv(exclusive bool) (*cmdEnv, error) {
	root, err := storageRoot()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dataDir := config.DataDir(root)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	env := &cmdEnv{root: root, dataDir: dataDir, cfg: cfg}

	logCfg := logging.DefaultConfig(dataDir)
	logCfg.WriteToStderr = false
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		env.logCleanup = cleanup
	}

	if exclusive {
		lock := flock.New(filepath.Join(dataDir, "server.lock"))
		locked, err := lock.TryLock()
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("acquire server lock: %w", err)
		}
		if !locked {
			env.Close()
			return nil, fmt.Errorf("a mylifedb server is running in %s; stop it first", root)
		}
		env.lock = lock
	}

	store, err := db.Open(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	env.store = store

	return env, nil
}

// buildRegistry assembles the full digester set in pipeline order. All
// commands share it so digester names stay consistent across the CLI and
// the server.
func buildRegistry(root string, store *db.Store, aiClient *ai.Client, tasks digest.Enqueuer) (*digest.Registry, error) {
	registry := digest.NewRegistry()
	for _, d := range []digest.Digester{
		digest.NewTranscribeDigester(root, aiClient),
		digest.NewSlugDigester(),
		digest.NewTagsDigester(aiClient),
		digest.NewSearchDigester(digesterSearchKeyword, db.EngineKeyword, search.TaskTypeKeywordIndex, store, tasks),
		digest.NewSearchDigester(digesterSearchSemantic, db.EngineVector, search.TaskTypeVectorIndex, store, tasks),
	} {
		if err := registry.Register(d); err != nil {
			return nil, fmt.Errorf("register digester %s: %w", d.Name(), err)
		}
	}
	return registry, nil
}

// Close releases everything openEnv acquired.
func (e *cmdEnv) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.lock != nil {
		_ = e.lock.Unlock()
	}
	if e.logCleanup != nil {
		e.logCleanup()
	}
}
