// Package ai is the boundary to the external AI collaborators: an
// Ollama-compatible completion/embedding API and a speech transcription
// service. Only the request/response contracts live here; the services
// themselves are out of process.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// Client talks to the AI services over HTTP. Transient failures are retried
// with jittered backoff before surfacing to the caller.
type Client struct {
	httpClient *http.Client
	cfg        config.AIConfig
	retry      pipeerrors.RetryConfig
}

// NewClient creates a client from configuration.
func NewClient(cfg config.AIConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		retry: pipeerrors.RetryConfig{
			MaxRetries:   2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete runs a single-shot completion and returns the model response.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var out generateResponse
	if err := c.postJSON(ctx, c.cfg.Host+"/api/generate", generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
	}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

// CompleteJSON runs a completion constrained to JSON output.
func (c *Client) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	var out generateResponse
	if err := c.postJSON(ctx, c.cfg.Host+"/api/generate", generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed returns one embedding per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var input any = texts
	if len(texts) == 1 {
		input = texts[0]
	}

	var out embedResponse
	if err := c.postJSON(ctx, c.cfg.Host+"/api/embed", embedRequest{
		Model: c.cfg.EmbedModel,
		Input: input,
	}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(out.Embeddings)), nil)
	}

	embeddings := make([][]float32, len(out.Embeddings))
	for i, emb := range out.Embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe sends audio bytes to the transcription service and returns
// the transcript text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if c.cfg.TranscribeURL == "" {
		return "", pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "transcription service not configured", nil)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "build transcription request", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "read audio", err)
	}
	if err := mw.Close(); err != nil {
		return "", pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "build transcription request", err)
	}

	payload := body.Bytes()
	contentType := mw.FormDataContentType()

	var out transcribeResponse
	if err := c.withRetry(ctx, func() *pipeerrors.PipelineError {
		return c.transcribeOnce(ctx, payload, contentType, &out)
	}); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// transcribeOnce performs a single transcription attempt.
func (c *Client) transcribeOnce(ctx context.Context, payload []byte, contentType string, out *transcribeResponse) *pipeerrors.PipelineError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TranscribeURL, bytes.NewReader(payload))
	if err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "build transcription request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "transcription request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed,
			fmt.Sprintf("transcription failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "decode transcription response", err)
	}
	return nil
}

// Available reports whether the completion API answers.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// postJSON posts a JSON body and decodes a JSON response, retrying
// transient failures under the client's retry policy.
func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "marshal request", err)
	}
	return c.withRetry(ctx, func() *pipeerrors.PipelineError {
		return c.postOnce(ctx, url, payload, out)
	})
}

// withRetry runs attempt under the retry policy and surfaces the last
// attempt's error unchanged so callers keep the structured code.
func (c *Client) withRetry(ctx context.Context, attempt func() *pipeerrors.PipelineError) error {
	var lastErr *pipeerrors.PipelineError
	err := pipeerrors.Retry(ctx, c.retry, func() error {
		if perr := attempt(); perr != nil {
			lastErr = perr
			return perr
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// postOnce performs a single POST attempt.
func (c *Client) postOnce(ctx context.Context, url string, payload []byte, out any) *pipeerrors.PipelineError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "ai request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed,
			fmt.Sprintf("ai request failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeAIRequestFailed, "decode response", err)
	}
	return nil
}
