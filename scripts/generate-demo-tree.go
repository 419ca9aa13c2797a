//go:build ignore

// Generates a synthetic storage tree for exercising the pipeline.
// Usage: go run scripts/generate-demo-tree.go -files 200 -output /tmp/mylifedb-demo
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

var (
	numFiles  = flag.Int("files", 200, "Number of notes to generate")
	outputDir = flag.String("output", "demo-tree", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var folders = []string{
	"notes", "notes/work", "notes/personal",
	"journal", "journal/2025", "journal/2026",
	"recordings", "clippings",
}

var topics = []string{
	"project planning", "reading list", "meeting notes", "trip ideas",
	"recipe collection", "books", "gardening", "home maintenance",
}

var noteTemplate = `# %s

Some thoughts on %s, written down before they escape.

- first observation
- second observation
- a thing to follow up on

More detail in paragraph form so the preview and the search engines have
real text to chew on. Topic: %s.
`

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	for _, dir := range folders {
		if err := os.MkdirAll(filepath.Join(*outputDir, dir), 0o755); err != nil {
			fatal(err)
		}
	}

	for i := 0; i < *numFiles; i++ {
		topic := topics[rng.Intn(len(topics))]
		dir := folders[rng.Intn(len(folders))]
		name := fmt.Sprintf("note-%04d.md", i)
		content := fmt.Sprintf(noteTemplate, topic, topic, topic)
		if err := os.WriteFile(filepath.Join(*outputDir, dir, name), []byte(content), 0o644); err != nil {
			fatal(err)
		}
	}

	fmt.Printf("Generated %d notes under %s\n", *numFiles, *outputDir)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
