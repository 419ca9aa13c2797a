package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryFromCode(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		category Category
	}{
		{"config", ErrCodeConfigInvalid, CategoryConfig},
		{"io", ErrCodeFileStat, CategoryIO},
		{"external", ErrCodeEngineJobFailed, CategoryExternal},
		{"validation", ErrCodeInvalidPath, CategoryValidation},
		{"internal", ErrCodeDigesterFailed, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
		})
	}
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestUnwrap_PreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := Wrap(ErrCodeFileHash, cause)
	assert.True(t, stderrors.Is(err, cause))
}

func TestIs_MatchesByCode(t *testing.T) {
	err := New(ErrCodeClaimConflict, "lost the race", nil)
	assert.True(t, stderrors.Is(err, ClaimConflict))
	assert.False(t, stderrors.Is(err, New(ErrCodeInternal, "other", nil)))
}

func TestRetryable_FlagSetForTransientExternal(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeEngineUnavailable, "down", nil)))
	assert.False(t, IsRetryable(New(ErrCodeInvalidPath, "bad", nil)))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestWithDetail_Chains(t *testing.T) {
	err := DigesterFailed("speech-recognition", fmt.Errorf("network")).
		WithDetail("file_path", "notes/a.md")
	assert.Equal(t, "speech-recognition", err.Details["digester"])
	assert.Equal(t, "notes/a.md", err.Details["file_path"])
}

func TestBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 30 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2.0}

	assert.Equal(t, 30*time.Second, cfg.Backoff(0))
	assert.Equal(t, time.Minute, cfg.Backoff(1))
	assert.Equal(t, 2*time.Minute, cfg.Backoff(2))
	assert.Equal(t, 10*time.Minute, cfg.Backoff(20))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Retry(t.Context(), cfg, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAndWrapsLastError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}

	last := fmt.Errorf("still broken")
	err := Retry(t.Context(), cfg, func() error { return last })
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, last))
}
