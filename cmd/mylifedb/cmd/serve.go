package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/ai"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/digest"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/httpapi"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/logging"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/search"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/supervisor"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/watcher"
	"github.com/xiaoyuanzhu-com/my-life-db/pkg/version"
)

// Names of the two search digesters as they appear in the digests table.
const (
	digesterSearchKeyword  = "search-keyword"
	digesterSearchSemantic = "search-semantic"
)

// searchDigesters maps digester names to the engine they feed. The HTTP
// reset endpoint uses it to clear the right engine before re-digesting.
func searchDigesterEngines() map[string]db.Engine {
	return map[string]db.Engine{
		digesterSearchKeyword:  db.EngineKeyword,
		digesterSearchSemantic: db.EngineVector,
	}
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline server",
		Long: `Start the full pipeline: filesystem watcher, digest orchestration,
durable task queue, search engine synchronization, and the HTTP API.

Only one server may run per storage root; a lock file under the data
directory enforces this.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, addrOverride string) error {
	root, err := storageRoot()
	if err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dataDir := config.DataDir(root)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logCfg := logging.DefaultConfig(dataDir)
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCleanup()
	slog.SetDefault(logger)

	lock := flock.New(filepath.Join(dataDir, "server.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire server lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another mylifedb server is already running in %s", root)
	}
	defer func() { _ = lock.Unlock() }()

	store, err := db.Open(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() { _ = store.Close() }()

	q, err := queue.New(store, queue.Options{
		Workers:           cfg.Queue.Workers,
		PollInterval:      cfg.Queue.PollInterval,
		ShutdownGrace:     cfg.Queue.ShutdownGrace,
		RetryBackoff:      cfg.Queue.RetryBackoff,
		MaxRetryBackoff:   cfg.Queue.MaxRetryBackoff,
		StaleClaimTimeout: cfg.Queue.StaleClaimTimeout,
	})
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	keyword, err := search.NewKeywordEngine(filepath.Join(dataDir, "keyword.bleve"))
	if err != nil {
		return fmt.Errorf("open keyword engine: %w", err)
	}
	defer func() { _ = keyword.Close() }()

	vector, err := search.NewVectorEngine(cfg.Search)
	if err != nil {
		return fmt.Errorf("open vector engine: %w", err)
	}
	defer func() { _ = vector.Close() }()

	aiClient := ai.NewClient(cfg.AI)

	syncer := search.NewSyncer(store, keyword, vector, aiClient, q, cfg.Search.JobTimeout)
	if err := syncer.RegisterHandlers(q); err != nil {
		return fmt.Errorf("register sync handlers: %w", err)
	}

	registry, err := buildRegistry(root, store, aiClient, q)
	if err != nil {
		return err
	}

	coordinator := digest.NewCoordinator(store, registry, q)
	if err := coordinator.RegisterHandlers(q); err != nil {
		return fmt.Errorf("register digest handlers: %w", err)
	}

	watchOpts := watcher.Options{
		DebounceWindow:    cfg.Watcher.DebounceWindow,
		HashSizeThreshold: cfg.Watcher.HashSizeThreshold,
		PreviewLines:      cfg.Watcher.PreviewLines,
		EventBufferSize:   cfg.Watcher.EventBufferSize,
		ReservedFolders:   config.ReservedFolders,
	}

	// Each supervisor incarnation gets a fresh watcher; stopping a watcher
	// destroys it.
	factory := func() supervisor.Worker {
		w, err := watcher.New(root, store, watchOpts)
		if err != nil {
			return supervisor.WorkerFunc(func(context.Context, <-chan supervisor.Message, chan<- supervisor.Message) error {
				return fmt.Errorf("create watcher: %w", err)
			})
		}
		w.SetDeleteNotifier(syncer)
		return supervisor.NewPipelineWorker(w, coordinator, coordinator)
	}
	sup := supervisor.New(factory, supervisor.RestartBackoff)

	scanner, err := watcher.NewScanner(root, store, watchOpts)
	if err != nil {
		return fmt.Errorf("create scanner: %w", err)
	}
	scanner.SetDeleteNotifier(syncer)

	api := httpapi.NewServer(store, coordinator, q, syncer, searchDigesterEngines())
	addr := cfg.Server.Addr
	if addrOverride != "" {
		addr = addrOverride
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })

	g.Go(func() error {
		slog.Info("http api listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return runScans(gctx, scanner, coordinator, cfg.Watcher.ScanInterval)
	})

	// Worker events are informational; keep the channel drained.
	g.Go(func() error {
		for {
			select {
			case msg, ok := <-sup.Events():
				if !ok {
					return nil
				}
				slog.Debug("worker event", "type", msg.Type, "path", msg.Path, "error", msg.Error)
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			slog.Info("shutdown signal received")
		case <-gctx.Done():
		}
		grace, cancelGrace := context.WithTimeout(context.Background(), cfg.Queue.ShutdownGrace)
		defer cancelGrace()
		if err := sup.Shutdown(grace); err != nil {
			slog.Warn("worker shutdown incomplete", "error", err)
		}
		if err := httpSrv.Shutdown(grace); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}
		cancel()
		return nil
	})

	slog.Info("mylifedb server started", "root", root, "version", version.Short())
	fmt.Printf("mylifedb %s serving %s on http://%s\n", version.Short(), root, addr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("mylifedb server stopped")
	return nil
}

// runScans runs the startup reconciliation scan and then periodic rescans.
// Scan-detected changes flow through the same change handler as live watcher
// events.
func runScans(ctx context.Context, scanner *watcher.Scanner, changes supervisor.ChangeHandler, interval time.Duration) error {
	scan := func() {
		err := scanner.Scan(ctx, func(event *watcher.FileChangeEvent) {
			if _, err := changes.HandleFileChange(ctx, event); err != nil {
				slog.Error("scan change handling failed", "path", event.FilePath, "error", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scan failed", "error", err)
		}
	}

	scan()

	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			scan()
		case <-ctx.Done():
			return nil
		}
	}
}
