package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

func TestComplete_SendsModelAndPrompt(t *testing.T) {
	// Given: a fake completion API
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "  a short summary\n"})
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{Host: srv.URL, Model: "gemma3"})

	// When: a completion runs
	out, err := c.Complete(context.Background(), "summarize this")
	require.NoError(t, err)

	// Then: the contract fields are present and whitespace is trimmed
	assert.Equal(t, "a short summary", out)
	assert.Equal(t, "gemma3", got["model"])
	assert.Equal(t, "summarize this", got["prompt"])
	assert.Equal(t, false, got["stream"])
}

func TestEmbed_ReturnsOneVectorPerText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{Host: srv.URL, EmbedModel: "nomic-embed-text"})

	vecs, err := c.Embed(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDelta(t, 0.1, vecs[0][0], 1e-6)
	assert.InDelta(t, 0.4, vecs[1][1], 1e-6)
}

func TestEmbed_CountMismatch_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{0.1}}})
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{Host: srv.URL, EmbedModel: "nomic-embed-text"})

	_, err := c.Embed(context.Background(), []string{"one", "two"})
	require.Error(t, err)
	assert.Equal(t, pipeerrors.ErrCodeAIRequestFailed, pipeerrors.GetCode(err))
}

func TestTranscribe_MultipartUpload(t *testing.T) {
	// Given: a fake transcription service
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "memo.wav", header.Filename)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "hello from the memo"})
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{TranscribeURL: srv.URL})

	text, err := c.Transcribe(context.Background(), "memo.wav", strings.NewReader("fake audio bytes"))
	require.NoError(t, err)
	assert.Equal(t, "hello from the memo", text)
}

func TestTranscribe_Unconfigured_Fails(t *testing.T) {
	c := NewClient(config.AIConfig{})
	_, err := c.Transcribe(context.Background(), "memo.wav", strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, pipeerrors.ErrCodeAIRequestFailed, pipeerrors.GetCode(err))
}

func TestComplete_RetriesTransientFailures(t *testing.T) {
	// Given: a completion API that recovers on the third attempt
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "recovered"})
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{Host: srv.URL, Model: "gemma3"})

	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestServerError_SurfacesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{Host: srv.URL, Model: "gemma3"})

	_, err := c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.True(t, pipeerrors.IsRetryable(err))
}
