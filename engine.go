package frenchnoveltool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haytham10/frenchnoveltool/coverage"
	"github.com/haytham10/frenchnoveltool/dispatcher"
	"github.com/haytham10/frenchnoveltool/export"
	"github.com/haytham10/frenchnoveltool/history"
	"github.com/haytham10/frenchnoveltool/llm"
	"github.com/haytham10/frenchnoveltool/normalizer"
	"github.com/haytham10/frenchnoveltool/orchestrator"
	"github.com/haytham10/frenchnoveltool/progressbus"
	"github.com/haytham10/frenchnoveltool/store"
)

// Engine is the wiring root for the PDF-to-French-sentence pipeline: the
// Job/Chunk orchestrator, the task dispatcher, the progress bus, the
// History recorder, and the coverage engine, all sharing one Store.
//
// cmd/server constructs one Engine at startup and hands its pieces to
// HTTP handlers; cmd/worker constructs its own Engine in the same
// process family and drives the orchestrator from claimed tasks instead
// of from HTTP requests.
type Engine struct {
	cfg Config

	Store        *store.Store
	Providers    *llm.ProviderSet
	Retry        *llm.RetryEngine
	Blobs        store.BlobStore
	Dispatcher   *dispatcher.Dispatcher
	Hub          *progressbus.Hub
	ProgressBus  *progressbus.RedisBus
	ProgressAuth *progressbus.Authenticator
	ProgressSrv  *progressbus.Server
	Normalizer   *normalizer.Normalizer
	History      *history.Recorder
	Coverage     *coverage.Runner
	Export       export.SpreadsheetClient
	Orchestrator *orchestrator.Orchestrator
	ChunkRuntime *orchestrator.ChunkRuntime

	redis *redis.Client
}

// New wires every component named above from cfg, in the same
// resolve-config/open-store/build-providers/build-domain-services order
// the teacher's engine constructor follows. It does not start any
// background goroutine (Run does that); it only constructs state.
func New(cfg Config) (*Engine, error) {
	cfg = applyConfigDefaults(cfg)

	s, err := store.New(cfg.ResolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("frenchnoveltool: opening store: %w", err)
	}

	blobs, err := store.NewLocalBlobStore(cfg.BlobStoreDir)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("frenchnoveltool: opening blob store: %w", err)
	}

	speedP, err := llm.NewProvider(llm.Config(cfg.Speed))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("frenchnoveltool: creating speed-tier provider: %w", err)
	}
	balancedP, err := llm.NewProvider(llm.Config(cfg.Balanced))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("frenchnoveltool: creating balanced-tier provider: %w", err)
	}
	qualityP, err := llm.NewProvider(llm.Config(cfg.Quality))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("frenchnoveltool: creating quality-tier provider: %w", err)
	}
	providers := llm.NewProviderSetFromProviders(speedP, balancedP, qualityP)
	retry := llm.NewRetryEngine(providers, cfg.AllowLocalFallback)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	disp := dispatcher.New(rdb, s)
	hub := progressbus.NewHub()
	bus := progressbus.NewRedisBus(rdb, hub)
	auth := progressbus.NewAuthenticator(cfg.JWTSecret)
	progressSrv := progressbus.NewServer(hub, auth, s)

	norm := normalizer.New(normalizer.Config{FoldDiacritics: cfg.FoldDiacritics, Lemmatizer: normalizer.NewDictLemmatizer(nil)})
	hist := history.New(s, cfg.OverlapWindowN)
	cov := coverage.NewRunner(s, hist, norm, cfg.OverlapWindowN)
	exp := export.NewXLSXClient(blobs)

	chunkRuntime := orchestrator.NewChunkRuntime(blobs, retry)
	orch := orchestrator.New(s, disp, bus, hist, chunkRuntime, cfg.OverlapWindowN)

	return &Engine{
		cfg:          cfg,
		Store:        s,
		Providers:    providers,
		Retry:        retry,
		Blobs:        blobs,
		Dispatcher:   disp,
		Hub:          hub,
		ProgressBus:  bus,
		ProgressAuth: auth,
		ProgressSrv:  progressSrv,
		Normalizer:   norm,
		History:      hist,
		Coverage:     cov,
		Export:       exp,
		Orchestrator: orch,
		ChunkRuntime: chunkRuntime,
		redis:        rdb,
	}, nil
}

// applyConfigDefaults fills zero-valued tunables with spec.md §4.8's
// recommended defaults. The three coverage weights are defaulted
// together, only when all three are zero, so a configuration that sets
// one weight to zero keeps it. Boolean flags and fields not listed
// below are left as given.
func applyConfigDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.DBName == "" {
		cfg.DBName = d.DBName
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = d.StorageDir
	}
	if cfg.BlobStoreDir == "" {
		cfg.BlobStoreDir = d.BlobStoreDir
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = d.RedisAddr
	}
	if cfg.Speed.Provider == "" {
		cfg.Speed = d.Speed
	}
	if cfg.Balanced.Provider == "" {
		cfg.Balanced = d.Balanced
	}
	if cfg.Quality.Provider == "" {
		cfg.Quality = d.Quality
	}
	if cfg.ChunkThresholdPages == 0 {
		cfg.ChunkThresholdPages = d.ChunkThresholdPages
	}
	if cfg.DefaultChunkSizePages == 0 {
		cfg.DefaultChunkSizePages = d.DefaultChunkSizePages
	}
	if cfg.OverlapPages == 0 {
		cfg.OverlapPages = d.OverlapPages
	}
	if cfg.OverlapWindowN == 0 {
		cfg.OverlapWindowN = d.OverlapWindowN
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.TaskTimeoutSeconds == 0 {
		cfg.TaskTimeoutSeconds = d.TaskTimeoutSeconds
	}
	if cfg.WorkerMemoryLimitMB == 0 {
		cfg.WorkerMemoryLimitMB = d.WorkerMemoryLimitMB
	}
	if cfg.SoftChunkTimeout == 0 {
		cfg.SoftChunkTimeout = d.SoftChunkTimeout
	}
	if cfg.HardChunkTimeout == 0 {
		cfg.HardChunkTimeout = d.HardChunkTimeout
	}
	if cfg.WatchdogStaleAfter == 0 {
		cfg.WatchdogStaleAfter = d.WatchdogStaleAfter
	}
	if cfg.CoverageAlpha == 0 && cfg.CoverageBeta == 0 && cfg.CoverageGamma == 0 {
		cfg.CoverageAlpha, cfg.CoverageBeta, cfg.CoverageGamma = d.CoverageAlpha, d.CoverageBeta, d.CoverageGamma
	}
	if cfg.CoverageTargetLength == 0 {
		cfg.CoverageTargetLength = d.CoverageTargetLength
	}
	if cfg.CoverageMaxSentences == 0 {
		cfg.CoverageMaxSentences = d.CoverageMaxSentences
	}
	if cfg.FilterMinInListRatio == 0 {
		cfg.FilterMinInListRatio = d.FilterMinInListRatio
	}
	if cfg.FilterLenMin == 0 {
		cfg.FilterLenMin = d.FilterLenMin
	}
	if cfg.FilterLenMax == 0 {
		cfg.FilterLenMax = d.FilterLenMax
	}
	if cfg.FilterTargetCount == 0 {
		cfg.FilterTargetCount = d.FilterTargetCount
	}
	return cfg
}

// ChunkThresholdPages exposes the configured single-chunk page ceiling
// (spec.md §4.2) to callers outside this package that need to decide
// whether a PDF needs chunking at all before calling pdfchunk.Build.
func (e *Engine) ChunkThresholdPages() int {
	return e.cfg.ChunkThresholdPages
}

// HardChunkTimeout exposes the per-chunk LLM processing deadline
// (spec.md §4.3) to cmd/worker, which bounds each dispatched chunk's
// context with it.
func (e *Engine) HardChunkTimeout() time.Duration {
	return e.cfg.HardChunkTimeout
}

// WatchdogStaleAfter exposes the claim staleness threshold
// store.WatchdogSweep uses to reclaim orphaned chunk claims left by a
// crashed worker (spec.md §4.5).
func (e *Engine) WatchdogStaleAfter() time.Duration {
	return e.cfg.WatchdogStaleAfter
}

// MaxWorkers exposes the configured per-kind claim-loop concurrency
// (spec.md §4.4's worker pool sizing) to cmd/worker.
func (e *Engine) MaxWorkers() int {
	return e.cfg.MaxWorkers
}

// DefaultCoverageConfig builds a store.CoverageConfig from the engine's
// configured coverage defaults, for handlers that need to populate one
// from user input that didn't specify every weight (see
// coverage.Config.WithDefaults's doc comment on why the coverage package
// itself must not silently default Alpha/Beta/Gamma to zero).
func (e *Engine) DefaultCoverageConfig() store.CoverageConfig {
	return store.CoverageConfig{
		Alpha:          e.cfg.CoverageAlpha,
		Beta:           e.cfg.CoverageBeta,
		Gamma:          e.cfg.CoverageGamma,
		TargetLength:   e.cfg.CoverageTargetLength,
		MaxSentences:   e.cfg.CoverageMaxSentences,
		MinInListRatio: e.cfg.FilterMinInListRatio,
		LenMin:         e.cfg.FilterLenMin,
		LenMax:         e.cfg.FilterLenMax,
		TargetCount:    e.cfg.FilterTargetCount,
	}
}

// Listen runs the Progress Bus's Redis subscription loop until ctx is
// cancelled, fanning published events out to this instance's websocket
// subscribers. cmd/server runs this in its own goroutine alongside the
// HTTP listener.
func (e *Engine) Listen(ctx context.Context) error {
	return e.ProgressBus.Listen(ctx)
}

// Close releases the store and Redis client. Safe to call once at
// process shutdown.
func (e *Engine) Close() error {
	if err := e.redis.Close(); err != nil {
		e.Store.Close()
		return fmt.Errorf("frenchnoveltool: closing redis client: %w", err)
	}
	return e.Store.Close()
}
