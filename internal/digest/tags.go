package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// Completer is the slice of the AI boundary the tags digester needs.
type Completer interface {
	CompleteJSON(ctx context.Context, prompt string) (string, error)
}

// TagsDigester asks the completion model for topical tags. It reads the
// text preview and, when present, the transcription digest, so it runs
// after speech-recognition in registration order.
type TagsDigester struct {
	ai      Completer
	maxTags int
}

// NewTagsDigester creates the tags digester.
func NewTagsDigester(ai Completer) *TagsDigester {
	return &TagsDigester{ai: ai, maxTags: 8}
}

func (t *TagsDigester) Name() string { return "tags" }

func (t *TagsDigester) CanDigest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) (bool, error) {
	return textFor(file, existing) != "", nil
}

const tagsPrompt = `You label personal files. Given the content below, respond with a JSON object {"tags": [...]} of at most %d short lowercase topical tags. No commentary.

Content:
%s`

type tagsContent struct {
	Tags []string `json:"tags"`
}

func (t *TagsDigester) Digest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) ([]Output, error) {
	text := textFor(file, existing)
	if text == "" {
		// Ran, found nothing to label; completed with no tags.
		empty, _ := json.Marshal(tagsContent{Tags: []string{}})
		return []Output{{Content: db.StrPtr(string(empty))}}, nil
	}

	raw, err := t.ai.CompleteJSON(ctx, fmt.Sprintf(tagsPrompt, t.maxTags, truncate(text, 4000)))
	if err != nil {
		return nil, err
	}

	var parsed tagsContent
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		// Malformed model output is retried like any other AI failure.
		return nil, pipeerrors.Wrap(pipeerrors.ErrCodeAIRequestFailed,
			fmt.Errorf("model returned malformed tags: %w", err))
	}
	parsed.Tags = normalizeTags(parsed.Tags, t.maxTags)

	content, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}
	return []Output{{Content: db.StrPtr(string(content))}}, nil
}

// textFor assembles the textual view of a file available to downstream
// digesters: text preview plus any completed transcription.
func textFor(file *db.FileRecord, existing []*db.Digest) string {
	var parts []string
	if file.TextPreview != "" {
		parts = append(parts, file.TextPreview)
	}
	if tc := CompletedContent(existing, "speech-recognition"); tc != nil {
		var t transcriptContent
		if err := json.Unmarshal([]byte(*tc), &t); err == nil && strings.TrimSpace(t.Text) != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// normalizeTags lowercases, trims, dedupes, and caps the tag list.
func normalizeTags(tags []string, max int) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == max {
			break
		}
	}
	return out
}
