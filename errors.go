package frenchnoveltool

import (
	"errors"

	"github.com/haytham10/frenchnoveltool/store"
)

// These alias the store package's sentinel errors so that callers of
// the Engine (cmd/server handlers, cmd/worker) can check against
// frenchnoveltool.Err* without importing store directly. orchestrator,
// coverage, history, and dispatcher all sit below store in the import
// graph, so the canonical definitions live there; see
// store/errors.go.
var (
	ErrJobNotFound               = store.ErrJobNotFound
	ErrJobAlreadyTerminal        = store.ErrJobAlreadyTerminal
	ErrJobNotOwner               = store.ErrJobNotOwner
	ErrChunkNotFound             = store.ErrChunkNotFound
	ErrChunkNotEligibleForRetry  = store.ErrChunkNotEligibleForRetry
	ErrInvalidTransition         = store.ErrInvalidTransition
	ErrHistoryNotFound           = store.ErrHistoryNotFound
	ErrWordListEmpty             = store.ErrWordListEmpty
	ErrWordListNotFound          = store.ErrWordListNotFound
	ErrCoverageRunNotFound       = store.ErrCoverageRunNotFound
	ErrCoverageModeMismatch      = store.ErrCoverageModeMismatch
	ErrNoEligibleChunks          = store.ErrNoEligibleChunks

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("frenchnoveltool: invalid configuration")

	// ErrUnsupportedProvider is returned for an unknown LLM provider name.
	ErrUnsupportedProvider = errors.New("frenchnoveltool: unsupported llm provider")

	// ErrLocalFallbackDisabled is returned when tier 4 of the retry
	// cascade is reached but allow_local_fallback is false.
	ErrLocalFallbackDisabled = errors.New("frenchnoveltool: local fallback disabled")

	// ErrExportFailed is returned when the spreadsheet export collaborator fails.
	ErrExportFailed = errors.New("frenchnoveltool: export failed")

	// ErrAuthUnavailable is returned when bearer-token verification
	// cannot be performed (auth collaborator unreachable).
	ErrAuthUnavailable = errors.New("frenchnoveltool: authentication unavailable")
)

// ChunkErrorCode aliases store.ChunkErrorCode, the public contract
// (spec §7) recorded on a Chunk when it fails. Do not rename existing
// values.
type ChunkErrorCode = store.ChunkErrorCode

const (
	ChunkErrorTimeout          = store.ChunkErrorTimeout
	ChunkErrorNoText           = store.ChunkErrorNoText
	ChunkErrorAPI              = store.ChunkErrorAPI
	ChunkErrorRateLimit        = store.ChunkErrorRateLimit
	ChunkErrorProcessing       = store.ChunkErrorProcessing
	ChunkErrorModelFallback    = store.ChunkErrorModelFallback
	ChunkErrorSubchunkFallback = store.ChunkErrorSubchunkFallback
	ChunkErrorMinimalPrompt    = store.ChunkErrorMinimalPrompt
	ChunkErrorLocalFallback    = store.ChunkErrorLocalFallback
)

// IsRetryableCode reports whether a chunk error code represents a
// transient condition eligible for tier escalation / retry rounds.
func IsRetryableCode(code ChunkErrorCode) bool {
	return store.IsRetryableCode(code)
}
