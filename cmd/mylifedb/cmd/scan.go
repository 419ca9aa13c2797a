package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/ai"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/digest"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/search"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/watcher"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Reconcile the store against the storage tree",
		Long: `Walk the storage tree once, record new and changed files, reap
vanished ones, and enqueue digest work for every change found.

Enqueued work is durable; a later 'mylifedb serve' picks it up. While a
server is running its periodic scan does this automatically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context())
		},
	}
}

func runScan(ctx context.Context) error {
	env, err := openEnv(true)
	if err != nil {
		return err
	}
	defer env.Close()

	q, err := queue.New(env.store, queue.Options{})
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	// Enqueue-only wiring; no engines run here.
	syncer := search.NewSyncer(env.store, nil, nil, nil, q, 0)
	registry, err := buildRegistry(env.root, env.store, ai.NewClient(env.cfg.AI), q)
	if err != nil {
		return err
	}
	coordinator := digest.NewCoordinator(env.store, registry, q)

	opts := watcher.Options{
		HashSizeThreshold: env.cfg.Watcher.HashSizeThreshold,
		PreviewLines:      env.cfg.Watcher.PreviewLines,
		ReservedFolders:   config.ReservedFolders,
	}
	scanner, err := watcher.NewScanner(env.root, env.store, opts)
	if err != nil {
		return fmt.Errorf("create scanner: %w", err)
	}
	scanner.SetDeleteNotifier(syncer)

	var changes int
	err = scanner.Scan(ctx, func(event *watcher.FileChangeEvent) {
		changes++
		if _, err := coordinator.HandleFileChange(ctx, event); err != nil {
			fmt.Printf("  %s: %v\n", event.FilePath, err)
		}
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	fmt.Printf("Scan complete: %d change(s) recorded, digest work enqueued.\n", changes)
	return nil
}
