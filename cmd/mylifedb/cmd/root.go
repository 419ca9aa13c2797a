// Package cmd provides the CLI commands for mylifedb.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xiaoyuanzhu-com/my-life-db/pkg/version"
)

// rootFlag is the storage root; defaults to the current directory.
var rootFlag string

// NewRootCmd creates the root command for the mylifedb CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mylifedb",
		Short: "File enrichment pipeline over a personal storage tree",
		Long: `mylifedb watches a storage tree, derives digests (titles, transcripts,
tags) from changed files, and keeps a keyword and a vector search engine
in sync with local truth.

Run 'mylifedb serve' in your storage root to start the pipeline.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("mylifedb version {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&rootFlag, "root", ".", "Storage root directory")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newProcessCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// storageRoot resolves the --root flag to an absolute path and verifies it
// is a directory.
func storageRoot() (string, error) {
	abs, err := filepath.Abs(rootFlag)
	if err != nil {
		return "", fmt.Errorf("resolve storage root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("storage root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("storage root %s is not a directory", abs)
	}
	return abs, nil
}
