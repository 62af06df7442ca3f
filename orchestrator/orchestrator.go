// Package orchestrator implements the job state machine (spec component
// C4): start, finalize, and cancel for a Job, including the chord-based
// retry-round re-dispatch and the chunk merge/dedup rules. The chunk
// state machine itself (per-row transitions, row-level locking) lives in
// store; this package is the sole caller of those transitions on the
// orchestration path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haytham10/frenchnoveltool/dispatcher"
	"github.com/haytham10/frenchnoveltool/llm"
	"github.com/haytham10/frenchnoveltool/store"
)

// Broker is the narrow slice of dispatcher.Dispatcher the orchestrator
// drives. Declared here (consumer side) so tests can swap in a fake
// without a live Redis instance, the same narrowing the teacher applies
// to its llm.Provider dependencies.
type Broker interface {
	DispatchGroupWithCallback(ctx context.Context, groupID string, tasks []dispatcher.Task) error
	DispatchSingle(ctx context.Context, task dispatcher.Task) error
	Revoke(ctx context.Context, taskID string) error
}

// ProgressPublisher is the orchestrator's sole write path to the
// Progress Bus (C6); it never touches the bus's room map directly.
type ProgressPublisher interface {
	Publish(ctx context.Context, jobID string, event ProgressEvent) error
}

// HistoryRecorder creates the durable History snapshot for a completed
// Job (C7). The orchestrator depends on this narrow interface rather
// than the history package directly so history (which reuses Merge) can
// import orchestrator without a cycle.
type HistoryRecorder interface {
	Snapshot(ctx context.Context, jobID string) (historyID string, err error)
}

// ProgressEvent is the payload shape of spec.md §4.6: the orchestrator
// emits an intermediate shape at each transition/chunk completion, and
// the full Job snapshot on terminal events.
type ProgressEvent struct {
	JobID           string         `json:"job_id"`
	State           store.JobState `json:"state"`
	ProgressPercent int            `json:"progress_percent"`
	CurrentStep     string         `json:"current_step"`
	ProcessedChunks *int           `json:"processed_chunks,omitempty"`
	TotalChunks     *int           `json:"total_chunks,omitempty"`
	Job             *store.Job     `json:"job,omitempty"`
}

// ChunkTaskPayload is the JSON body of a dispatcher.Task with
// Kind=process_chunk, letting cmd/worker recover which (job, chunk) to
// claim and process.
type ChunkTaskPayload struct {
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// singleChunkThreshold: a job with this many or fewer chunks skips the
// broker entirely (spec.md §8 property 13).
const singleChunkThreshold = 1

// Orchestrator implements start/finalize/cancel (spec.md §4.4).
type Orchestrator struct {
	store       *store.Store
	broker      Broker
	progress    ProgressPublisher
	history     HistoryRecorder
	runtime     *ChunkRuntime
	overlapWindow int
}

// New builds an Orchestrator. runtime is used only for the single-chunk
// in-process short circuit; the dispatched path's actual LLM call lives
// in cmd/worker, constructed from the same ChunkRuntime shape.
func New(s *store.Store, broker Broker, progress ProgressPublisher, history HistoryRecorder, runtime *ChunkRuntime, overlapWindow int) *Orchestrator {
	if overlapWindow <= 0 {
		overlapWindow = 8
	}
	return &Orchestrator{store: s, broker: broker, progress: progress, history: history, runtime: runtime, overlapWindow: overlapWindow}
}

func translateStoreErr(err error, notFound, terminal error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound
	case errors.Is(err, store.ErrTerminal):
		return terminal
	case errors.Is(err, store.ErrConflict):
		return store.ErrInvalidTransition
	default:
		return err
	}
}

func groupID(jobID string, round int) string {
	return fmt.Sprintf("job:%s:round:%d", jobID, round)
}

// Start implements spec.md §4.4 start(job_id): pending -> processing,
// fan-out dispatch (or in-process short circuit for a single chunk).
func (o *Orchestrator) Start(ctx context.Context, jobID string) (string, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}
	if job.State != store.JobPending {
		return "", store.ErrJobAlreadyTerminal
	}

	chunks, err := o.store.ListChunksByJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("orchestrator: job %s has no persisted chunks", jobID)
	}

	if err := o.store.UpdateJobState(ctx, jobID, store.JobProcessing, "Processing"); err != nil {
		return "", translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}
	o.emit(ctx, jobID, store.JobProcessing, job.ProgressPercent, "Processing", nil)

	if len(chunks) <= singleChunkThreshold {
		slog.Info("orchestrator: single-chunk short circuit", "job_id", jobID)
		gid := groupID(jobID, 0)
		if err := o.store.SetJobDispatchedTask(ctx, jobID, gid, gid); err != nil {
			return "", err
		}
		if err := o.processAndRecord(ctx, jobID, chunks[0], job.Settings); err != nil {
			slog.Warn("orchestrator: in-process chunk processing failed", "job_id", jobID, "error", err)
		}
		if err := o.Finalize(ctx, jobID); err != nil {
			return "", err
		}
		return gid, nil
	}

	gid := groupID(jobID, job.RetryRound)
	if err := o.dispatchRound(ctx, jobID, gid, chunks); err != nil {
		return "", err
	}
	if err := o.store.SetJobDispatchedTask(ctx, jobID, gid, gid); err != nil {
		return "", err
	}
	return gid, nil
}

// dispatchRound pushes one process_chunk task per chunk as a single
// chord bound to groupID.
func (o *Orchestrator) dispatchRound(ctx context.Context, jobID, gid string, chunks []store.Chunk) error {
	tasks := make([]dispatcher.Task, 0, len(chunks))
	for _, c := range chunks {
		payload := ChunkTaskPayload{JobID: jobID, ChunkIndex: c.ChunkIndex}
		data, err := jsonMarshal(payload)
		if err != nil {
			return err
		}
		tasks = append(tasks, dispatcher.Task{
			ID:      fmt.Sprintf("%s:chunk:%d", gid, c.ChunkIndex),
			Kind:    dispatcher.KindProcessChunk,
			Payload: data,
		})
	}
	return o.broker.DispatchGroupWithCallback(ctx, gid, tasks)
}

// processAndRecord runs the chunk inline through the LLM retry cascade
// and records its outcome, used only by the single-chunk short circuit.
func (o *Orchestrator) processAndRecord(ctx context.Context, jobID string, c store.Chunk, settings store.JobSettings) error {
	claimed, err := o.store.ClaimForProcessing(ctx, jobID, c.ChunkIndex, "inline")
	if err != nil {
		return err
	}
	result, code, procErr := o.runtime.Process(ctx, *claimed, settings)
	if procErr != nil {
		return o.store.MarkFailed(ctx, jobID, c.ChunkIndex, procErr.Error(), string(code))
	}
	return o.store.MarkSuccess(ctx, jobID, c.ChunkIndex, result)
}

// Finalize implements spec.md §4.4 finalize(job_id, chunk_outcomes): the
// chord callback. Task outcomes are advisory; Chunks in the store are
// the source of truth, so the outcomes argument from the dispatcher is
// intentionally not part of this signature. Idempotent: a second call
// for a round already resolved (job already terminal) is a no-op,
// satisfying invariant #4 (finalizer exactly-once per round) and the
// cancellation-discard rule of §4.4.
func (o *Orchestrator) Finalize(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}
	if job.State.IsTerminal() {
		return nil
	}

	chunks, err := o.store.ListChunksByJob(ctx, jobID)
	if err != nil {
		return err
	}

	var eligible []store.Chunk
	var anySuccess, anyFailed bool
	for _, c := range chunks {
		switch c.State {
		case store.ChunkSuccess:
			anySuccess = true
		case store.ChunkFailed:
			anyFailed = true
			if c.Attempts < c.MaxRetries {
				eligible = append(eligible, c)
			}
		}
	}

	if len(eligible) > 0 && job.RetryRound < job.MaxRetries {
		return o.scheduleRetryRound(ctx, job, eligible)
	}

	sentences, used, failed := Merge(chunks, o.overlapWindow)

	var state store.JobState
	var step string
	switch {
	case !anyFailed && len(used) > 0:
		state, step = store.JobCompleted, "Completed"
	case len(used) > 0:
		state, step = store.JobPartial, "Partial"
	default:
		state, step = store.JobFailed, "Failed"
	}

	var historyID string
	if len(used) > 0 && o.history != nil {
		historyID, err = o.history.Snapshot(ctx, jobID)
		if err != nil {
			return fmt.Errorf("orchestrator: creating history snapshot: %w", err)
		}
	}

	errMsg := ""
	if len(failed) > 0 {
		errMsg = fmt.Sprintf("%d of %d chunks failed", len(failed), len(chunks))
	}

	if err := o.store.FinalizeJob(ctx, jobID, state, step, errMsg, historyID); err != nil {
		return err
	}

	final, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	_ = sentences // sentence count is observable via History, not the progress event
	o.emit(ctx, jobID, state, 100, step, final)
	return nil
}

func (o *Orchestrator) scheduleRetryRound(ctx context.Context, job *store.Job, eligible []store.Chunk) error {
	for _, c := range eligible {
		if err := o.store.ScheduleRetry(ctx, job.ID, c.ChunkIndex); err != nil {
			return err
		}
	}
	round, err := o.store.IncrementRetryRound(ctx, job.ID)
	if err != nil {
		return err
	}
	gid := groupID(job.ID, round)
	if err := o.dispatchRound(ctx, job.ID, gid, eligible); err != nil {
		return err
	}
	if err := o.store.SetJobDispatchedTask(ctx, job.ID, gid, gid); err != nil {
		return err
	}
	slog.Info("orchestrator: scheduled retry round", "job_id", job.ID, "round", round, "chunks", len(eligible))
	o.emit(ctx, job.ID, store.JobProcessing, job.ProgressPercent, fmt.Sprintf("Retrying (round %d)", round), nil)
	return nil
}

// ManualRetry implements the `/jobs/{id}/chunks/retry` operation: force
// specific failed chunks (or, when chunkIndexes is empty, every failed
// chunk) back into a retry-scheduled state and dispatch a fresh round
// for exactly those chunks, independent of the job's own
// scheduleRetryRound budget check. force bypasses the per-chunk
// max_retries ceiling the same way store.ForceRetry does. Returns the
// new round's group ID and how many chunks were retried.
func (o *Orchestrator) ManualRetry(ctx context.Context, jobID string, chunkIndexes []int, force bool) (string, int, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", 0, translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}

	chunks, err := o.store.ListChunksByJob(ctx, jobID)
	if err != nil {
		return "", 0, err
	}

	wanted := make(map[int]bool, len(chunkIndexes))
	for _, idx := range chunkIndexes {
		wanted[idx] = true
	}

	var eligible []store.Chunk
	for _, c := range chunks {
		if c.State != store.ChunkFailed {
			continue
		}
		if len(chunkIndexes) > 0 && !wanted[c.ChunkIndex] {
			continue
		}
		if !force && c.Attempts >= c.MaxRetries {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return "", 0, store.ErrNoEligibleChunks
	}

	for _, c := range eligible {
		var retryErr error
		if force {
			retryErr = o.store.ForceRetry(ctx, jobID, c.ChunkIndex)
		} else {
			retryErr = o.store.ScheduleRetry(ctx, jobID, c.ChunkIndex)
		}
		if retryErr != nil {
			return "", 0, retryErr
		}
	}

	if err := o.store.UpdateJobState(ctx, jobID, store.JobProcessing, "Retrying"); err != nil {
		return "", 0, err
	}

	round, err := o.store.IncrementRetryRound(ctx, jobID)
	if err != nil {
		return "", 0, err
	}
	gid := groupID(jobID, round)
	if err := o.dispatchRound(ctx, jobID, gid, eligible); err != nil {
		return "", 0, err
	}
	if err := o.store.SetJobDispatchedTask(ctx, jobID, gid, gid); err != nil {
		return "", 0, err
	}
	slog.Info("orchestrator: manual retry round", "job_id", jobID, "round", round, "chunks", len(eligible), "force", force)
	o.emit(ctx, jobID, store.JobProcessing, job.ProgressPercent, fmt.Sprintf("Manual retry (round %d)", round), nil)
	return gid, len(eligible), nil
}

// RecoverStale re-dispatches chunks the watchdog has already reset to
// retry_scheduled (store.WatchdogSweep), bumping the job's retry round
// the same way scheduleRetryRound does. Unlike ManualRetry, it does not
// itself transition chunk state — the watchdog sweep already did that —
// so a chunk is only picked up here if it is still retry_scheduled by
// the time this runs (a late, non-stale completion report may have
// already resolved it).
func (o *Orchestrator) RecoverStale(ctx context.Context, jobID string, chunkIndexes []int) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}
	if job.State.IsTerminal() {
		return nil
	}

	chunks, err := o.store.ListChunksByJob(ctx, jobID)
	if err != nil {
		return err
	}

	wanted := make(map[int]bool, len(chunkIndexes))
	for _, idx := range chunkIndexes {
		wanted[idx] = true
	}

	var eligible []store.Chunk
	for _, c := range chunks {
		if wanted[c.ChunkIndex] && c.State == store.ChunkRetryScheduled {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	round, err := o.store.IncrementRetryRound(ctx, jobID)
	if err != nil {
		return err
	}
	gid := groupID(jobID, round)
	if err := o.dispatchRound(ctx, jobID, gid, eligible); err != nil {
		return err
	}
	if err := o.store.SetJobDispatchedTask(ctx, jobID, gid, gid); err != nil {
		return err
	}
	slog.Info("orchestrator: recovered stale chunks", "job_id", jobID, "round", round, "chunks", len(eligible))
	o.emit(ctx, jobID, store.JobProcessing, job.ProgressPercent, fmt.Sprintf("Recovering stale chunks (round %d)", round), nil)
	return nil
}

// RecordChunkOutcome updates a Job's progress_percent/processed_chunks
// after a single chunk reaches a terminal per-attempt state (success or
// failed) and emits the intermediate progress event spec.md §4.4/§4.6
// require at each chunk completion. It is the orchestrator's only
// caller of store.UpdateJobProgress, keeping the orchestrator the sole
// writer of progress_percent. A job already terminal is left alone: its
// final percent was already set by Finalize, and a stray late report
// (e.g. from recoverJob's watchdog path) must never move it backwards.
func (o *Orchestrator) RecordChunkOutcome(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}
	if job.State.IsTerminal() {
		return nil
	}

	counts, err := o.store.CountChunkStates(ctx, jobID)
	if err != nil {
		return err
	}
	processed := counts[store.ChunkSuccess] + counts[store.ChunkFailed]

	percent := job.ProgressPercent
	if job.TotalChunks > 0 {
		percent = processed * 100 / job.TotalChunks
	}

	if err := o.store.UpdateJobProgress(ctx, jobID, percent, job.CurrentStep, processed); err != nil {
		return translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}

	total := job.TotalChunks
	o.emitProgress(ctx, jobID, job.State, percent, job.CurrentStep, &processed, &total)
	return nil
}

// Cancel implements spec.md §4.4 cancel(job_id).
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	chunks, listErr := o.store.ListChunksByJob(ctx, jobID)
	if listErr != nil && !errors.Is(listErr, store.ErrNotFound) {
		return listErr
	}

	if err := o.store.CancelJob(ctx, jobID); err != nil {
		return translateStoreErr(err, store.ErrJobNotFound, store.ErrJobAlreadyTerminal)
	}

	for _, c := range chunks {
		if c.State == store.ChunkPending || c.State == store.ChunkRetryScheduled {
			if c.DispatchedTaskID != "" {
				_ = o.broker.Revoke(ctx, c.DispatchedTaskID)
			}
		}
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	o.emit(ctx, jobID, store.JobCancelled, job.ProgressPercent, "Cancelled", job)
	return nil
}

// emit publishes a progress event, swallowing publish errors: a dropped
// websocket frame must never fail the orchestration operation that
// produced it.
func (o *Orchestrator) emit(ctx context.Context, jobID string, state store.JobState, percent int, step string, job *store.Job) {
	o.publish(ctx, jobID, ProgressEvent{JobID: jobID, State: state, ProgressPercent: percent, CurrentStep: step, Job: job})
}

// emitProgress publishes the intermediate payload shape of spec.md
// §4.6, carrying the processed/total chunk counts a per-chunk
// completion event needs (the terminal shape emit sends already embeds
// the full Job, which has both counts).
func (o *Orchestrator) emitProgress(ctx context.Context, jobID string, state store.JobState, percent int, step string, processed, total *int) {
	o.publish(ctx, jobID, ProgressEvent{
		JobID:           jobID,
		State:           state,
		ProgressPercent: percent,
		CurrentStep:     step,
		ProcessedChunks: processed,
		TotalChunks:     total,
	})
}

func (o *Orchestrator) publish(ctx context.Context, jobID string, event ProgressEvent) {
	if o.progress == nil {
		return
	}
	if err := o.progress.Publish(ctx, jobID, event); err != nil {
		slog.Warn("orchestrator: progress publish failed", "job_id", jobID, "error", err)
	}
}

// ChunkRuntime executes the LLM retry cascade for one chunk, shared by
// the in-process single-chunk short circuit and cmd/worker's dispatched
// path so both go through identical logic.
type ChunkRuntime struct {
	Blobs store.BlobStore
	Retry *llm.RetryEngine
}

// NewChunkRuntime builds a ChunkRuntime.
func NewChunkRuntime(blobs store.BlobStore, retry *llm.RetryEngine) *ChunkRuntime {
	return &ChunkRuntime{Blobs: blobs, Retry: retry}
}
