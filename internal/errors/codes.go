// Package errors provides structured error handling for the pipeline.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (stat, hash, read)
//   - 3XX: External service errors (AI, search engines)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryExternal indicates errors from external collaborators
	// (AI services, search engines).
	CategoryExternal Category = "EXTERNAL"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299). Transient stat/hash/read failures carry this
	// category: the watcher logs them and drops the event, relying on the
	// next real change or the periodic scan to self-heal.
	ErrCodeFileNotFound  = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFileStat      = "ERR_202_FILE_STAT"
	ErrCodeFileHash      = "ERR_203_FILE_HASH"
	ErrCodeWatchFailed   = "ERR_204_WATCH_FAILED"
	ErrCodeStoreCorrupt  = "ERR_205_STORE_CORRUPT"

	// External service errors (300-399)
	ErrCodeEngineUnavailable = "ERR_301_ENGINE_UNAVAILABLE"
	ErrCodeEngineJobFailed   = "ERR_302_ENGINE_JOB_FAILED"
	ErrCodeEngineJobTimeout  = "ERR_303_ENGINE_JOB_TIMEOUT"
	ErrCodeAIRequestFailed   = "ERR_304_AI_REQUEST_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidPath  = "ERR_402_INVALID_PATH"
	ErrCodeUnknownFile  = "ERR_403_UNKNOWN_FILE"
	ErrCodeUnknownTask  = "ERR_404_UNKNOWN_TASK"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeDigesterFailed = "ERR_502_DIGESTER_FAILED"
	ErrCodeTaskFailed     = "ERR_503_TASK_FAILED"
	ErrCodeClaimConflict  = "ERR_504_CLAIM_CONFLICT"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryExternal
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from error code.
// Claim conflicts are expected under concurrency and stay at warning.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeClaimConflict:
		return SeverityWarning
	case ErrCodeStoreCorrupt:
		return SeverityFatal
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether operations failing with this code are
// worth retrying with backoff.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEngineUnavailable, ErrCodeEngineJobTimeout, ErrCodeAIRequestFailed,
		ErrCodeDigesterFailed, ErrCodeFileStat:
		return true
	default:
		return false
	}
}
