package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/ai"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/digest"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/search"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <digester>",
		Short: "Reset a digester across all files",
		Long: `Delete every result of one digester and queue all files for
reprocessing with it.

Resetting a search digester also clears its engine; the engine is then
rebuilt from local truth as the queued work runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context(), args[0])
		},
	}
}

func runReset(ctx context.Context, name string) error {
	env, err := openEnv(true)
	if err != nil {
		return err
	}
	defer env.Close()

	q, err := queue.New(env.store, queue.Options{})
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	// Search digesters need their engine wiped before reprocessing so stale
	// documents cannot survive the rebuild.
	if engine, ok := searchDigesterEngines()[name]; ok {
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

		syncer := search.NewSyncer(env.store, keyword, vector, nil, q, 0)
		if err := syncer.ClearEngine(ctx, engine); err != nil {
			return fmt.Errorf("clear engine: %w", err)
		}
	}

	registry, err := buildRegistry(env.root, env.store, ai.NewClient(env.cfg.AI), q)
	if err != nil {
		return err
	}
	coordinator := digest.NewCoordinator(env.store, registry, q)

	n, err := coordinator.ResetDigester(ctx, name)
	if err != nil {
		return err
	}

	fmt.Printf("Reset %s: %d file(s) queued for reprocessing.\n", name, n)
	return nil
}
