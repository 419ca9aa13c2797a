package digest

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
)

// Transcriber is the slice of the AI boundary the transcription digester
// needs.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// TranscribeDigester runs speech recognition on audio files through the
// external transcription service.
type TranscribeDigester struct {
	root string
	ai   Transcriber
}

// NewTranscribeDigester creates the speech-recognition digester rooted at
// the storage tree.
func NewTranscribeDigester(root string, ai Transcriber) *TranscribeDigester {
	return &TranscribeDigester{root: root, ai: ai}
}

func (t *TranscribeDigester) Name() string { return "speech-recognition" }

func (t *TranscribeDigester) CanDigest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) (bool, error) {
	return strings.HasPrefix(file.MimeType, "audio/"), nil
}

type transcriptContent struct {
	Text string `json:"text"`
}

func (t *TranscribeDigester) Digest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) ([]Output, error) {
	f, err := os.Open(filepath.Join(t.root, filepath.FromSlash(file.Path)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	text, err := t.ai.Transcribe(ctx, path.Base(file.Path), f)
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(transcriptContent{Text: text})
	if err != nil {
		return nil, err
	}
	return []Output{{Content: db.StrPtr(string(content))}}, nil
}
