package store

import "time"

// JobState is the lifecycle state of a Job (spec.md §3).
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobPartial    JobState = "partial"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// IsTerminal reports whether a job state is terminal.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ChunkState is the lifecycle state of a Chunk (spec.md §4.5).
type ChunkState string

const (
	ChunkPending         ChunkState = "pending"
	ChunkProcessing      ChunkState = "processing"
	ChunkSuccess         ChunkState = "success"
	ChunkFailed          ChunkState = "failed"
	ChunkRetryScheduled  ChunkState = "retry_scheduled"
)

// JobSettings is the user-supplied processing configuration for a Job.
type JobSettings struct {
	SentenceLength   int    `json:"sentence_length"`
	ModelPreference  string `json:"model_preference"` // speed, balanced, quality
	IgnoreDialogue   bool   `json:"ignore_dialogue"`
	MinSentenceLength int   `json:"min_sentence_length"`
}

// Job represents one asynchronous PDF-processing request (spec.md §3).
type Job struct {
	ID                  string
	OwnerID             string
	OriginalFilename    string
	Settings            JobSettings
	State               JobState
	ProgressPercent     int
	CurrentStep         string
	TotalChunks         int
	ProcessedChunks     int
	RetryRound          int
	MaxRetries          int
	DegradedPersistence bool
	DispatchedTaskID    string
	FinalizerTaskID     string
	HistoryID           string
	ErrorMessage        string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SentencePair is a {normalized, original} sentence, the structured
// representation spec.md §9 requires in place of bare strings.
type SentencePair struct {
	Normalized string `json:"normalized"`
	Original   string `json:"original"`
}

// ChunkResult is the structured output of a successful chunk (spec.md §3).
type ChunkResult struct {
	Sentences  []SentencePair `json:"sentences"`
	TokenCount int            `json:"token_count"`
	StartPage  int            `json:"start_page"`
	EndPage    int            `json:"end_page"`
	// FallbackMarker records which C3 tier produced this result, empty
	// for tier 0 (spec.md §4.3).
	FallbackMarker string `json:"fallback_marker,omitempty"`
}

// Chunk is the durable unit of work for one Job (spec.md §3).
type Chunk struct {
	JobID            string
	ChunkIndex       int
	StartPage        int
	EndPage          int
	PageCount        int
	HasOverlap       bool
	Payload          []byte
	PayloadURL       string
	FileSizeBytes    int64
	State            ChunkState
	Attempts         int
	MaxRetries       int
	LastError        string
	LastErrorCode    string
	Result           *ChunkResult
	DispatchedTaskID string
	ProcessedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// History is a durable, user-visible record of a completed Job's outputs
// (spec.md §3).
type History struct {
	ID                     string
	OwnerID                string
	JobID                  string
	OriginalFilename       string
	Sentences              []SentencePair
	ProcessedSentenceCount int
	ChunkIDs               []int
	SettingsSnapshot       JobSettings
	ExportStatus           string
	ExportURL              string
	ErrorSummary           string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// WordList is an ordered, uniqued set of canonical word keys plus an
// ingestion report (spec.md §3).
type WordList struct {
	ID              string
	OwnerID         string
	Name            string
	IsGlobal        bool
	Keys            []string
	IngestionReport map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CoverageMode selects the coverage engine's operating mode.
type CoverageMode string

const (
	CoverageModeCoverage CoverageMode = "coverage"
	CoverageModeFilter   CoverageMode = "filter"
)

// CoverageSourceType names what a CoverageRun reads sentences from.
type CoverageSourceType string

const (
	CoverageSourceJob     CoverageSourceType = "job"
	CoverageSourceHistory CoverageSourceType = "history"
)

// CoverageConfig holds the tunables for both coverage modes (spec.md §4.8).
type CoverageConfig struct {
	Alpha         float64 `json:"alpha,omitempty"`
	Beta          float64 `json:"beta,omitempty"`
	Gamma         float64 `json:"gamma,omitempty"`
	TargetLength  int     `json:"target_length,omitempty"`
	MaxSentences  int     `json:"max_sentences,omitempty"`
	PreferNonDialogue bool `json:"prefer_non_dialogue,omitempty"`

	MinInListRatio float64 `json:"min_in_list_ratio,omitempty"`
	LenMin         int     `json:"len_min,omitempty"`
	LenMax         int     `json:"len_max,omitempty"`
	TargetCount    int     `json:"target_count,omitempty"`
}

// CoverageRun is one invocation of the coverage engine (spec.md §3).
type CoverageRun struct {
	ID               string
	OwnerID          string
	Mode             CoverageMode
	SourceType       CoverageSourceType
	SourceID         string
	WordListID       string
	Config           CoverageConfig
	State            JobState // shares the Job lifecycle enum per spec.md §3
	ProgressPercent  int
	Stats            map[string]any
	DispatchedTaskID string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CoverageAssignment is one (word_key -> sentence) row for coverage mode,
// or one ranked row for filter mode (spec.md §3).
type CoverageAssignment struct {
	RunID          string
	WordKey        string
	SentenceIndex  int
	SentenceText   string
	SentenceScore  float64
	MatchedSurface string
	Conflicts      []int
	Rank           int
}
