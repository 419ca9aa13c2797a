package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/ai"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/digest"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/httpapi"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/search"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/watcher"
)

func newProcessCmd() *cobra.Command {
	var only string
	var reset bool

	cmd := &cobra.Command{
		Use:   "process <path>",
		Short: "Run the digest pipeline for one file",
		Long: `Record the file's current state, run its digesters to completion,
and synchronize the search engines, all in the foreground.

The path is relative to the storage root. With --digester only that
digester runs; with --reset its rows are returned to todo first so
completed work reruns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), args[0], only, reset)
		},
	}

	cmd.Flags().StringVar(&only, "digester", "", "Run only this digester")
	cmd.Flags().BoolVar(&reset, "reset", false, "Reset digest state before processing")

	return cmd
}

func runProcess(ctx context.Context, rawPath, only string, reset bool) error {
	relPath, err := httpapi.CleanStoragePath(rawPath)
	if err != nil {
		return err
	}

	env, err := openEnv(true)
	if err != nil {
		return err
	}
	defer env.Close()

	q, err := queue.New(env.store, queue.Options{
		Workers:      env.cfg.Queue.Workers,
		PollInterval: 100 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	keyword, err := search.NewKeywordEngine(filepath.Join(env.dataDir, "keyword.bleve"))
	if err != nil {
		return fmt.Errorf("open keyword engine: %w", err)
	}
	defer func() { _ = keyword.Close() }()

	vector, err := search.NewVectorEngine(env.cfg.Search)
	if err != nil {
		return fmt.Errorf("open vector engine: %w", err)
	}
	defer func() { _ = vector.Close() }()

	aiClient := ai.NewClient(env.cfg.AI)

	syncer := search.NewSyncer(env.store, keyword, vector, aiClient, q, env.cfg.Search.JobTimeout)
	if err := syncer.RegisterHandlers(q); err != nil {
		return fmt.Errorf("register sync handlers: %w", err)
	}

	registry, err := buildRegistry(env.root, env.store, aiClient, q)
	if err != nil {
		return err
	}
	coordinator := digest.NewCoordinator(env.store, registry, q)
	if err := coordinator.RegisterHandlers(q); err != nil {
		return fmt.Errorf("register digest handlers: %w", err)
	}

	// Observe the file first so a path the watcher never saw still works.
	processor, err := watcher.NewProcessor(env.root, env.store, watcher.Options{
		HashSizeThreshold: env.cfg.Watcher.HashSizeThreshold,
		PreviewLines:      env.cfg.Watcher.PreviewLines,
		ReservedFolders:   config.ReservedFolders,
	})
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}
	processor.SetDeleteNotifier(syncer)
	if _, err := processor.Process(ctx, relPath); err != nil {
		return fmt.Errorf("observe %s: %w", relPath, err)
	}

	file, err := env.store.GetFile(ctx, relPath)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("%s is not a tracked file", relPath)
	}

	if reset {
		if only != "" {
			err = env.store.ResetDigestToTodo(ctx, relPath, only)
		} else {
			err = env.store.ResetDigestsForFile(ctx, relPath, "")
		}
		if err != nil {
			return fmt.Errorf("reset digests: %w", err)
		}
	}

	// Run the queue in the background so engine sync tasks enqueued by the
	// digesters complete before we report.
	qCtx, stopQueue := context.WithCancel(ctx)
	defer stopQueue()
	queueDone := make(chan error, 1)
	go func() { queueDone <- q.Run(qCtx) }()

	result, err := coordinator.ProcessFile(ctx, relPath, only)
	if err != nil {
		return fmt.Errorf("process %s: %w", relPath, err)
	}

	if err := awaitQueueDrain(ctx, env, env.cfg.Search.JobTimeout); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	stopQueue()
	<-queueDone

	fmt.Printf("Processed %s: %d completed, %d failed, %d skipped.\n",
		relPath, result.Completed, result.Failed, result.Skipped)
	return nil
}

// awaitQueueDrain polls until no tasks are todo or in progress, bounded by
// timeout. Engine sync runs as queued work, so this is what "done" means for
// a foreground process run.
func awaitQueueDrain(ctx context.Context, env *cmdEnv, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		stats, err := env.store.Stats(ctx)
		if err != nil {
			return err
		}
		pending := stats.TaskCounts[db.TaskStatusTodo] + stats.TaskCounts[db.TaskStatusInProgress]
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d task(s) still pending after %s; they remain queued", pending, timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
