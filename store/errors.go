package store

import "errors"

var (
	// ErrNotFound is returned when a row lookup by ID matches nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrTerminal is returned when a mutation is attempted against a Job
	// or CoverageRun already in a terminal state.
	ErrTerminal = errors.New("store: already terminal")

	// ErrConflict is returned when a chunk state transition's
	// preconditions are not met by the row's current state (someone else
	// already claimed, succeeded, or failed it).
	ErrConflict = errors.New("store: transition precondition not met")

	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("store: job not found")

	// ErrJobAlreadyTerminal is returned when an operation requires a job
	// in a non-terminal state but the job has already completed, failed,
	// partially completed, or been cancelled.
	ErrJobAlreadyTerminal = errors.New("store: job already terminal")

	// ErrJobNotOwner is returned when the caller does not own the job.
	ErrJobNotOwner = errors.New("store: not job owner")

	// ErrChunkNotFound is returned when a chunk ID does not exist.
	ErrChunkNotFound = errors.New("store: chunk not found")

	// ErrChunkNotEligibleForRetry is returned when a manual retry is
	// requested for a chunk that is not in a retryable state and force
	// was not set.
	ErrChunkNotEligibleForRetry = errors.New("store: chunk not eligible for retry")

	// ErrInvalidTransition is returned when a chunk or job state
	// transition violates the state machine's preconditions.
	ErrInvalidTransition = errors.New("store: invalid state transition")

	// ErrHistoryNotFound is returned when a history ID does not exist.
	ErrHistoryNotFound = errors.New("store: history not found")

	// ErrWordListEmpty is returned when a word list is empty after
	// normalization and ingestion must be rejected.
	ErrWordListEmpty = errors.New("store: word list is empty after normalization")

	// ErrWordListNotFound is returned when a word list ID does not exist.
	ErrWordListNotFound = errors.New("store: word list not found")

	// ErrCoverageRunNotFound is returned when a coverage run ID does not exist.
	ErrCoverageRunNotFound = errors.New("store: coverage run not found")

	// ErrCoverageModeMismatch is returned when an operation valid only
	// for one coverage mode is attempted on a run of the other mode.
	ErrCoverageModeMismatch = errors.New("store: operation not valid for this coverage mode")

	// ErrNoEligibleChunks is returned when a manual retry request names
	// no chunks eligible for retry.
	ErrNoEligibleChunks = errors.New("store: no eligible chunks for retry")
)

// ChunkErrorCode is a stable, externally-visible symbolic code recorded
// on a Chunk when it fails. These are a public contract (spec §7); do
// not rename existing values.
type ChunkErrorCode string

const (
	ChunkErrorTimeout          ChunkErrorCode = "TIMEOUT"
	ChunkErrorNoText           ChunkErrorCode = "NO_TEXT"
	ChunkErrorAPI              ChunkErrorCode = "API_ERROR"
	ChunkErrorRateLimit        ChunkErrorCode = "RATE_LIMIT"
	ChunkErrorProcessing       ChunkErrorCode = "PROCESSING_ERROR"
	ChunkErrorModelFallback    ChunkErrorCode = "MODEL_FALLBACK"
	ChunkErrorSubchunkFallback ChunkErrorCode = "SUBCHUNK_FALLBACK"
	ChunkErrorMinimalPrompt    ChunkErrorCode = "MINIMAL_PROMPT_FALLBACK"
	ChunkErrorLocalFallback    ChunkErrorCode = "LOCAL_FALLBACK"
)

// IsRetryableCode reports whether a chunk error code represents a
// transient condition eligible for tier escalation / retry rounds.
func IsRetryableCode(code ChunkErrorCode) bool {
	switch code {
	case ChunkErrorTimeout, ChunkErrorAPI, ChunkErrorRateLimit, ChunkErrorProcessing:
		return true
	default:
		return false
	}
}
