package frenchnoveltool

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the FrenchNovelTool core engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.frenchnoveltool/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses
	// ~/.frenchnoveltool/, "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// BlobStoreDir is the root of the local-filesystem blob store used
	// for chunk payload offload and export artifacts.
	BlobStoreDir string `json:"blob_store_dir" yaml:"blob_store_dir"`

	// RedisAddr is the address of the Redis instance backing the task
	// dispatcher (C9) and the Progress Bus's cross-instance fan-out (C6).
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`

	// JWTSecret signs/verifies the bearer tokens presented to the
	// Progress Bus and (in the default auth implementation) the HTTP API.
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`

	// LLM model tiers (speed < balanced < quality), used by the retry
	// cascade's tier-1 "next heavier model" escalation.
	Speed    LLMConfig `json:"speed" yaml:"speed"`
	Balanced LLMConfig `json:"balanced" yaml:"balanced"`
	Quality  LLMConfig `json:"quality" yaml:"quality"`

	// Chunking (C2)
	ChunkThresholdPages  int `json:"chunk_threshold_pages" yaml:"chunk_threshold_pages"`   // default 50
	DefaultChunkSizePages int `json:"default_chunk_size_pages" yaml:"default_chunk_size_pages"` // default 25
	OverlapPages         int `json:"overlap_pages" yaml:"overlap_pages"`                     // default 1
	OverlapWindowN       int `json:"overlap_window_n" yaml:"overlap_window_n"`               // default 8

	// Orchestration (C4)
	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`                   // default 3
	MaxWorkers         int           `json:"max_workers" yaml:"max_workers"`                   // default 4
	TaskTimeoutSeconds int           `json:"task_timeout_seconds" yaml:"task_timeout_seconds"` // default 3600
	WorkerMemoryLimitMB int          `json:"worker_memory_limit_mb" yaml:"worker_memory_limit_mb"` // default 2048
	SoftChunkTimeout   time.Duration `json:"-" yaml:"-"`                                        // default 25m
	HardChunkTimeout   time.Duration `json:"-" yaml:"-"`                                        // default 30m
	WatchdogStaleAfter time.Duration `json:"-" yaml:"-"`                                        // default 60m

	// C3 retry cascade knobs
	AllowLocalFallback bool `json:"allow_local_fallback" yaml:"allow_local_fallback"`

	// Normalizer (C1)
	FoldDiacritics bool `json:"fold_diacritics" yaml:"fold_diacritics"`

	// Coverage engine (C8) defaults
	CoverageAlpha        float64 `json:"coverage_alpha" yaml:"coverage_alpha"`
	CoverageBeta         float64 `json:"coverage_beta" yaml:"coverage_beta"`
	CoverageGamma        float64 `json:"coverage_gamma" yaml:"coverage_gamma"`
	CoverageTargetLength int     `json:"coverage_target_length" yaml:"coverage_target_length"`
	CoverageMaxSentences int     `json:"coverage_max_sentences" yaml:"coverage_max_sentences"`

	FilterMinInListRatio float64 `json:"filter_min_in_list_ratio" yaml:"filter_min_in_list_ratio"`
	FilterLenMin         int     `json:"filter_len_min" yaml:"filter_len_min"`
	FilterLenMax         int     `json:"filter_len_max" yaml:"filter_len_max"`
	FilterTargetCount    int     `json:"filter_target_count" yaml:"filter_target_count"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with the defaults named throughout
// spec.md §6 and §4.8.
func DefaultConfig() Config {
	return Config{
		DBName:       "frenchnoveltool",
		StorageDir:   "home",
		BlobStoreDir: "blobs",
		RedisAddr:    "localhost:6379",

		Speed: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Balanced: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:70b",
			BaseURL:  "http://localhost:11434",
		},
		Quality: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			BaseURL:  "https://api.openai.com",
		},

		ChunkThresholdPages:   50,
		DefaultChunkSizePages: 25,
		OverlapPages:          1,
		OverlapWindowN:        8,

		MaxRetries:          3,
		MaxWorkers:          4,
		TaskTimeoutSeconds:  3600,
		WorkerMemoryLimitMB: 2048,
		SoftChunkTimeout:    25 * time.Minute,
		HardChunkTimeout:    30 * time.Minute,
		WatchdogStaleAfter:  60 * time.Minute,

		AllowLocalFallback: true,
		FoldDiacritics:     true,

		CoverageAlpha:        0.5,
		CoverageBeta:         0.3,
		CoverageGamma:        0.2,
		CoverageTargetLength: 6,
		CoverageMaxSentences: 1000,

		FilterMinInListRatio: 0.95,
		FilterLenMin:         4,
		FilterLenMax:         8,
		FilterTargetCount:    500,
	}
}

// ResolveDBPath computes the final database path from config fields.
func (c *Config) ResolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "frenchnoveltool"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		dir := filepath.Join(home, ".frenchnoveltool")
		return filepath.Join(dir, name+".db")
	}
}

// ChunkSizeForPageCount implements the strategy table of spec.md §4.2:
// ≤30 → single chunk of 30; 31–100 → 20 pages per chunk; 101–500 → 15
// pages per chunk. Beyond 500 pages the 15-page strategy continues to apply.
func ChunkSizeForPageCount(totalPages int) int {
	switch {
	case totalPages <= 30:
		return 30
	case totalPages <= 100:
		return 20
	default:
		return 15
	}
}
