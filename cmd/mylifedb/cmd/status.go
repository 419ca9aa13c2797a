package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/ai"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline health and progress",
		Long: `Display the state of the pipeline for this storage root:
  - Tracked files and folders
  - Digest, task, and engine sync status counts
  - Storage sizes
  - AI backend reachability`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	env, err := openEnv(false)
	if err != nil {
		return err
	}
	defer env.Close()

	stats, err := env.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}

	info := ui.StatusInfo{
		Root:    env.root,
		Files:   stats.Files,
		Folders: stats.Folders,
		Digests: digestCounts(stats.DigestCounts),
		Tasks:   taskCounts(stats.TaskCounts),
		Keyword: syncCounts(stats.KeywordCounts),
		Vector:  syncCounts(stats.VectorCounts),

		MetadataSize: fileSize(filepath.Join(env.dataDir, "metadata.db")),
		KeywordSize:  dirSize(filepath.Join(env.dataDir, "keyword.bleve")),
		AIStatus:     aiStatus(ctx, env),
	}

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), ui.DetectNoColor())
	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

// aiStatus probes the AI backend with a short deadline so status stays fast
// when the backend is down.
func aiStatus(ctx context.Context, env *cmdEnv) string {
	probe, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ai.NewClient(env.cfg.AI).Available(probe) {
		return "ready"
	}
	return "offline"
}

func digestCounts(in map[db.DigestStatus]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func taskCounts(in map[db.TaskStatus]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func syncCounts(in map[db.SyncStatus]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
