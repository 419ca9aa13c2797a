package digest

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"unicode"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
)

// SlugDigester derives a URL-safe slug and a display title for a file.
// It prefers the first transcript line when a transcription exists, then
// the first text line of the file itself, and falls back to the file name.
// Cheap and local, so it applies to every file.
type SlugDigester struct{}

// NewSlugDigester creates the slug digester.
func NewSlugDigester() *SlugDigester { return &SlugDigester{} }

func (s *SlugDigester) Name() string { return "slug" }

func (s *SlugDigester) CanDigest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) (bool, error) {
	return !file.IsFolder, nil
}

type slugContent struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

func (s *SlugDigester) Digest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) ([]Output, error) {
	title := titleFor(file, existing)

	content, err := json.Marshal(slugContent{
		Slug:  Slugify(title),
		Title: title,
	})
	if err != nil {
		return nil, err
	}
	return []Output{{Content: db.StrPtr(string(content))}}, nil
}

// titleFor picks the best human-readable title: the first non-empty
// transcript line when available, else the first non-empty line of the
// file's own text, else the file name without extension.
func titleFor(file *db.FileRecord, existing []*db.Digest) string {
	if tc := CompletedContent(existing, "speech-recognition"); tc != nil {
		var t transcriptContent
		if err := json.Unmarshal([]byte(*tc), &t); err == nil {
			if line := firstLine(t.Text); line != "" {
				return truncate(line, 80)
			}
		}
	}

	if line := firstLine(file.TextPreview); line != "" {
		return truncate(line, 80)
	}

	base := path.Base(file.Path)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// firstLine returns the first non-empty trimmed line of text.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Slugify lowercases and reduces a title to [a-z0-9-].
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
