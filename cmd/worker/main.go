package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/haytham10/frenchnoveltool"
	"github.com/haytham10/frenchnoveltool/coverage"
	"github.com/haytham10/frenchnoveltool/dispatcher"
	"github.com/haytham10/frenchnoveltool/orchestrator"
	"github.com/haytham10/frenchnoveltool/store"
)

const (
	claimTimeout      = 5 * time.Second
	watchdogInterval  = 2 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

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

	engine, err := frenchnoveltool.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); claimLoop(ctx, engine, dispatcher.KindProcessChunk, engine.MaxWorkers(), handleChunkTask) }()
	go func() { defer wg.Done(); claimLoop(ctx, engine, dispatcher.KindBuildCoverage, engine.MaxWorkers(), handleCoverageTask) }()
	go func() { defer wg.Done(); watchdogLoop(ctx, engine) }()

	slog.Info("worker started", "max_workers", engine.MaxWorkers())
	<-ctx.Done()
	slog.Info("worker shutting down...")
	wg.Wait()
	slog.Info("worker stopped")
}

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
	if v := os.Getenv("FRENCHNOVEL_FOLD_DIACRITICS"); v != "" {
		cfg.FoldDiacritics = v == "true" || v == "1"
	}
	if v := os.Getenv("FRENCHNOVEL_ALLOW_LOCAL_FALLBACK"); v != "" {
		cfg.AllowLocalFallback = v == "true" || v == "1"
	}
}

// claimLoop blocks on dispatcher.ClaimTask for one kind and fans claimed
// tasks out to a bounded pool of goroutines, the same semaphore-channel
// shape the teacher's graph builder uses to bound concurrent chunk
// processing.
func claimLoop(ctx context.Context, e *frenchnoveltool.Engine, kind dispatcher.Kind, concurrency int, handle func(context.Context, *frenchnoveltool.Engine, dispatcher.Task)) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for ctx.Err() == nil {
		task, err := e.Dispatcher.ClaimTask(ctx, kind, claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("worker: claim failed", "kind", kind, "error", err)
			continue
		}
		if task == nil {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(t dispatcher.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			defer recoverTask(kind, t.ID)
			handle(ctx, e, t)
		}(*task)
	}
	wg.Wait()
}

// recoverTask is the worker process's panic boundary, mirroring
// cmd/server's recoveryMiddleware so a single malformed task can never
// take the whole claim loop down.
func recoverTask(kind dispatcher.Kind, taskID string) {
	if r := recover(); r != nil {
		slog.Error("panic recovered in task",
			"kind", kind, "task_id", taskID,
			"error", fmt.Sprintf("%v", r), "stack", string(debug.Stack()),
		)
	}
}

// handleChunkTask runs one dispatched process_chunk task through the
// same ChunkRuntime the orchestrator's single-chunk short circuit uses,
// records the outcome, and finalizes the job the instant its chord
// reports complete.
func handleChunkTask(ctx context.Context, e *frenchnoveltool.Engine, task dispatcher.Task) {
	var payload orchestrator.ChunkTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		slog.Error("worker: decoding chunk task payload", "task_id", task.ID, "error", err)
		ackChunkTask(ctx, e, task)
		return
	}

	job, err := e.Store.GetJob(ctx, payload.JobID)
	if err != nil {
		slog.Error("worker: loading job for chunk task", "job_id", payload.JobID, "chunk_index", payload.ChunkIndex, "error", err)
		ackChunkTask(ctx, e, task)
		return
	}

	claimed, err := e.Store.ClaimForProcessing(ctx, payload.JobID, payload.ChunkIndex, task.ID)
	if err != nil {
		slog.Warn("worker: chunk claim precondition failed, dropping", "job_id", payload.JobID, "chunk_index", payload.ChunkIndex, "error", err)
		ackChunkTask(ctx, e, task)
		return
	}

	procCtx, cancel := context.WithTimeout(ctx, e.HardChunkTimeout())
	result, code, procErr := e.ChunkRuntime.Process(procCtx, *claimed, job.Settings)
	cancel()

	outcome := "success"
	if procErr != nil {
		outcome = "failed"
		if err := e.Store.MarkFailed(ctx, payload.JobID, payload.ChunkIndex, procErr.Error(), string(code)); err != nil {
			slog.Error("worker: recording chunk failure", "job_id", payload.JobID, "chunk_index", payload.ChunkIndex, "error", err)
		}
	} else if err := e.Store.MarkSuccess(ctx, payload.JobID, payload.ChunkIndex, result); err != nil {
		slog.Error("worker: recording chunk success", "job_id", payload.JobID, "chunk_index", payload.ChunkIndex, "error", err)
	}

	if err := e.Orchestrator.RecordChunkOutcome(ctx, payload.JobID); err != nil {
		slog.Error("worker: recording chunk progress", "job_id", payload.JobID, "chunk_index", payload.ChunkIndex, "error", err)
	}

	ackChunkTask(ctx, e, task)

	complete, err := e.Dispatcher.ReportOutcome(ctx, task, outcome)
	if err != nil {
		slog.Error("worker: reporting chunk outcome", "task_id", task.ID, "error", err)
		return
	}
	if complete {
		if err := e.Orchestrator.Finalize(ctx, payload.JobID); err != nil {
			slog.Error("worker: finalizing job", "job_id", payload.JobID, "error", err)
		}
	}
}

func ackChunkTask(ctx context.Context, e *frenchnoveltool.Engine, task dispatcher.Task) {
	if err := e.Dispatcher.Ack(ctx, dispatcher.KindProcessChunk, task); err != nil {
		slog.Warn("worker: ack failed", "task_id", task.ID, "error", err)
	}
}

// handleCoverageTask runs one dispatched build_coverage task. Coverage
// runs are dispatched singly (no chord), so there is no outcome to
// report back to the broker beyond the ack.
func handleCoverageTask(ctx context.Context, e *frenchnoveltool.Engine, task dispatcher.Task) {
	var payload coverage.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		slog.Error("worker: decoding coverage task payload", "task_id", task.ID, "error", err)
	} else if err := e.Coverage.Execute(ctx, payload.RunID); err != nil {
		slog.Error("worker: coverage run failed", "run_id", payload.RunID, "error", err)
	}

	if err := e.Dispatcher.Ack(ctx, dispatcher.KindBuildCoverage, task); err != nil {
		slog.Warn("worker: ack failed", "task_id", task.ID, "error", err)
	}
}

// watchdogLoop periodically reclaims chunks whose worker crashed
// mid-claim (spec.md §4.5): store.WatchdogSweep resets each stale
// chunk's row, and this loop decides what that reset implies for the
// owning job — either a fresh retry-round dispatch or, when the chunk
// had already exhausted its retries, reporting the lost task's outcome
// to its chord so a hung job isn't left waiting forever on a task that
// will never ack.
func watchdogLoop(ctx context.Context, e *frenchnoveltool.Engine) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepStaleChunks(ctx, e)
		}
	}
}

func sweepStaleChunks(ctx context.Context, e *frenchnoveltool.Engine) {
	reset, err := e.Store.WatchdogSweep(ctx, e.WatchdogStaleAfter())
	if err != nil {
		slog.Error("worker: watchdog sweep failed", "error", err)
		return
	}
	if len(reset) == 0 {
		return
	}

	byJob := make(map[string][]int)
	for _, pair := range reset {
		jobID, _ := pair[0].(string)
		idx, _ := pair[1].(int)
		byJob[jobID] = append(byJob[jobID], idx)
	}

	for jobID, indexes := range byJob {
		recoverJob(ctx, e, jobID, indexes)
	}
}

func recoverJob(ctx context.Context, e *frenchnoveltool.Engine, jobID string, indexes []int) {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("worker: loading job during watchdog recovery", "job_id", jobID, "error", err)
		return
	}
	chunks, err := e.Store.ListChunksByJob(ctx, jobID)
	if err != nil {
		slog.Error("worker: listing chunks during watchdog recovery", "job_id", jobID, "error", err)
		return
	}

	wanted := make(map[int]bool, len(indexes))
	for _, idx := range indexes {
		wanted[idx] = true
	}

	var toRetry []int
	for _, c := range chunks {
		if !wanted[c.ChunkIndex] {
			continue
		}
		switch c.State {
		case store.ChunkRetryScheduled:
			toRetry = append(toRetry, c.ChunkIndex)
		case store.ChunkFailed:
			if err := e.Orchestrator.RecordChunkOutcome(ctx, jobID); err != nil {
				slog.Error("worker: recording stale chunk progress", "job_id", jobID, "chunk_index", c.ChunkIndex, "error", err)
			}
			task := dispatcher.Task{ID: c.DispatchedTaskID, GroupID: job.DispatchedTaskID}
			complete, err := e.Dispatcher.ReportOutcome(ctx, task, "failed")
			if err != nil {
				slog.Error("worker: reporting stale chunk outcome", "job_id", jobID, "chunk_index", c.ChunkIndex, "error", err)
				continue
			}
			if complete {
				if err := e.Orchestrator.Finalize(ctx, jobID); err != nil {
					slog.Error("worker: finalizing job after watchdog sweep", "job_id", jobID, "error", err)
				}
			}
		}
	}

	if len(toRetry) > 0 {
		if err := e.Orchestrator.RecoverStale(ctx, jobID, toRetry); err != nil {
			slog.Error("worker: recovering stale chunks", "job_id", jobID, "error", err)
		}
	}
}
