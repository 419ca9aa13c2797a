package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// StatusInfo is the pipeline health snapshot rendered by `mylifedb status`.
type StatusInfo struct {
	Root    string `json:"root"`
	Files   int    `json:"files"`
	Folders int    `json:"folders"`

	// Per-status counts for each pipeline stage.
	Digests map[string]int `json:"digests"`
	Tasks   map[string]int `json:"tasks"`
	Keyword map[string]int `json:"keyword"`
	Vector  map[string]int `json:"vector"`

	// Storage sizes in bytes.
	MetadataSize int64 `json:"metadata_size"`
	KeywordSize  int64 `json:"keyword_size"`

	// Embedding backend reachability: "ready" or "offline".
	AIStatus string `json:"ai_status"`
}

// StatusRenderer writes a StatusInfo to a terminal or as JSON.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:    out,
		styles: GetStyles(noColor),
	}
}

// Render writes the human-readable status report.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Pipeline Status: "+info.Root))

	_, _ = fmt.Fprintf(r.out, "  Files:   %d\n", info.Files)
	_, _ = fmt.Fprintf(r.out, "  Folders: %d\n", info.Folders)
	_, _ = fmt.Fprintln(r.out)

	r.renderCounts("Digests", info.Digests)
	r.renderCounts("Tasks", info.Tasks)
	r.renderCounts("Keyword engine", info.Keyword)
	r.renderCounts("Vector engine", info.Vector)

	_, _ = fmt.Fprintln(r.out, "  Storage:")
	_, _ = fmt.Fprintf(r.out, "    Metadata: %s\n", FormatBytes(info.MetadataSize))
	_, _ = fmt.Fprintf(r.out, "    Keyword:  %s\n", FormatBytes(info.KeywordSize))
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintf(r.out, "  AI backend: %s\n", r.renderHealth(info.AIStatus))
	return nil
}

// RenderJSON writes the status as indented JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func (r *StatusRenderer) renderCounts(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	_, _ = fmt.Fprintf(r.out, "  %s:\n", label)

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		line := fmt.Sprintf("    %-12s %d", k+":", counts[k])
		switch k {
		case "error", "failed":
			if counts[k] > 0 {
				line = r.styles.Error.Render(line)
			}
		case "completed", "indexed", "done":
			line = r.styles.Success.Render(line)
		}
		_, _ = fmt.Fprintln(r.out, line)
	}
	_, _ = fmt.Fprintln(r.out)
}

func (r *StatusRenderer) renderHealth(status string) string {
	switch status {
	case "ready":
		return r.styles.Success.Render(status)
	case "offline":
		return r.styles.Warning.Render(status)
	default:
		return status
	}
}

// FormatBytes formats a byte count for display.
func FormatBytes(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
