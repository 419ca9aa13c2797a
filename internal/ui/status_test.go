package ui

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStatus() StatusInfo {
	return StatusInfo{
		Root:    "/home/me/notes",
		Files:   42,
		Folders: 7,
		Digests: map[string]int{"completed": 40, "failed": 2},
		Tasks:   map[string]int{"todo": 1, "completed": 99},
		Keyword: map[string]int{"indexed": 40},
		Vector:  map[string]int{"indexed": 38, "error": 2},

		MetadataSize: 2 * 1024 * 1024,
		KeywordSize:  512 * 1024,
		AIStatus:     "ready",
	}
}

func TestStatusRenderer_Render(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	require.NoError(t, r.Render(sampleStatus()))

	out := buf.String()
	assert.Contains(t, out, "Pipeline Status: /home/me/notes")
	assert.Contains(t, out, "Files:   42")
	assert.Contains(t, out, "Folders: 7")
	assert.Contains(t, out, "completed:   40")
	assert.Contains(t, out, "failed:      2")
	assert.Contains(t, out, "2.0 MB")
	assert.Contains(t, out, "512.0 KB")
	assert.Contains(t, out, "AI backend: ready")
}

func TestStatusRenderer_RenderSkipsEmptySections(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	require.NoError(t, r.Render(StatusInfo{Root: "/r"}))
	assert.NotContains(t, buf.String(), "Digests:")
	assert.NotContains(t, buf.String(), "Vector engine:")
}

func TestStatusRenderer_RenderJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	require.NoError(t, r.RenderJSON(sampleStatus()))

	var got StatusInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 42, got.Files)
	assert.Equal(t, 2, got.Vector["error"])
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(3*512*1024))
	assert.Equal(t, "2.0 GB", FormatBytes(2*1024*1024*1024))
}

func TestGetStyles(t *testing.T) {
	plain := GetStyles(true)
	colored := GetStyles(false)

	assert.Equal(t, "x", plain.Header.Render("x"))
	_ = colored // rendering depends on the terminal profile
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
}

func TestStatusRenderer_PlainOutputHasNoEscapes(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)
	require.NoError(t, r.Render(sampleStatus()))
	assert.False(t, strings.Contains(buf.String(), "\x1b["))
}
