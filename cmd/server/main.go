package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haytham10/frenchnoveltool"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := frenchnoveltool.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	applyEnvOverrides(&cfg)
	corsOrigins := os.Getenv("FRENCHNOVEL_CORS_ORIGINS")

	engine, err := frenchnoveltool.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	listenCtx, stopListen := context.WithCancel(context.Background())
	defer stopListen()
	go func() {
		if err := engine.Listen(listenCtx); err != nil && listenCtx.Err() == nil {
			slog.Error("progress bus listen error", "error", err)
		}
	}()

	h := newHandler(engine)
	router := chi.NewRouter()
	router.Use(recoveryMiddleware)
	router.Use(newCORSMiddleware(corsOrigins))

	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Get("/ws", engine.ProgressSrv.ServeHTTP)

	router.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return authMiddleware(engine.ProgressAuth, next) })
		r.Use(logMiddleware)

		r.Post("/process-pdf-async", h.handleProcessPDFAsync)
		r.Get("/jobs/{id}", h.handleGetJob)
		r.Post("/jobs/{id}/cancel", h.handleCancelJob)
		r.Get("/jobs/{id}/chunks", h.handleListJobChunks)
		r.Post("/jobs/{id}/chunks/retry", h.handleRetryChunks)

		r.Get("/history/{id}", h.handleGetHistory)
		r.Post("/history/{id}/refresh", h.handleRefreshHistory)
		r.Post("/history/{id}/export", h.handleExportHistory)

		r.Get("/wordlists", h.handleListWordLists)
		r.Post("/wordlists", h.handleCreateWordList)
		r.Patch("/wordlists/{id}", h.handleUpdateWordList)
		r.Delete("/wordlists/{id}", h.handleDeleteWordList)
		r.Post("/wordlists/{id}/refresh", h.handleRefreshWordList)

		r.Post("/coverage/run", h.handleStartCoverageRun)
		r.Get("/coverage/runs/{id}", h.handleGetCoverageRun)
		r.Post("/coverage/runs/{id}/swap", h.handleSwapCoverageAssignment)
		r.Post("/coverage/runs/{id}/export", h.handleExportCoverageRun)
		r.Get("/coverage/runs/{id}/download", h.handleDownloadCoverageRun)
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // chunked uploads and long polls can run long
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")
	stopListen()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// applyEnvOverrides mirrors the teacher's GOREASON_* env-override block,
// renamed to the FRENCHNOVEL_ prefix and extended with this domain's
// config fields (spec.md §6's recognized options).
func applyEnvOverrides(cfg *frenchnoveltool.Config) {
	if v := os.Getenv("FRENCHNOVEL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FRENCHNOVEL_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FRENCHNOVEL_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FRENCHNOVEL_BLOB_STORE_DIR"); v != "" {
		cfg.BlobStoreDir = v
	}
	if v := os.Getenv("FRENCHNOVEL_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("FRENCHNOVEL_CHUNK_THRESHOLD_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkThresholdPages = n
		}
	}
	if v := os.Getenv("FRENCHNOVEL_DEFAULT_CHUNK_SIZE_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultChunkSizePages = n
		}
	}
	if v := os.Getenv("FRENCHNOVEL_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("FRENCHNOVEL_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeoutSeconds = n
		}
	}
	if v := os.Getenv("FRENCHNOVEL_WORKER_MEMORY_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerMemoryLimitMB = n
		}
	}
	if v := os.Getenv("FRENCHNOVEL_FOLD_DIACRITICS"); v != "" {
		cfg.FoldDiacritics = v == "true" || v == "1"
	}
	if v := os.Getenv("FRENCHNOVEL_ALLOW_LOCAL_FALLBACK"); v != "" {
		cfg.AllowLocalFallback = v == "true" || v == "1"
	}
}
