// Package dispatcher implements the task broker (spec component C9): a
// Redis-backed reliable queue that hands work to cmd/worker processes
// and a chord/fan-in primitive (dispatch_group_with_callback) that the
// job orchestrator uses to fire a callback once every chunk in a job
// has reported an outcome, exactly once, even under at-least-once
// delivery.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haytham10/frenchnoveltool/store"
	"github.com/redis/go-redis/v9"
)

// Kind names the unit of work a Task carries.
type Kind string

const (
	KindProcessChunk   Kind = "process_chunk"
	KindBuildCoverage  Kind = "build_coverage"
	KindFinalizeJob    Kind = "finalize_job"
	KindFinalizeRun    Kind = "finalize_run"
)

// Task is one unit of work placed on the broker's queue.
type Task struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	// GroupID, when set, is the chord this task belongs to: its outcome
	// is reported against store.task_groups instead of standing alone.
	GroupID string `json:"group_id,omitempty"`
}

// queueKey is the Redis list a Task is pushed onto; claimKey is the
// in-flight list BRPOPLPUSH atomically moves it to, following the
// reliable-queue idiom (BRPOPLPUSH's move-on-pop semantics mean a
// worker that crashes mid-task leaves the task recoverable on
// claimKey rather than losing it).
const (
	queueKeyPrefix = "fnt:queue:"
	claimKeyPrefix = "fnt:claimed:"
	revokedSetKey  = "fnt:revoked"
)

// Dispatcher is the broker client used by both the orchestrator
// (publisher side) and cmd/worker (consumer side).
type Dispatcher struct {
	rdb   *redis.Client
	store *store.Store
}

// New builds a Dispatcher over an existing Redis client and Store.
func New(rdb *redis.Client, st *store.Store) *Dispatcher {
	return &Dispatcher{rdb: rdb, store: st}
}

func queueKey(kind Kind) string { return queueKeyPrefix + string(kind) }
func claimKey(kind Kind) string { return claimKeyPrefix + string(kind) }

// DispatchSingle pushes one standalone task onto its kind's queue.
func (d *Dispatcher) DispatchSingle(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("dispatcher: encoding task: %w", err)
	}
	return d.rdb.RPush(ctx, queueKey(task.Kind), data).Err()
}

// DispatchGroupWithCallback pushes every task in the group and
// registers the chord counter in the store under groupID, so that once
// every member reports an outcome (possibly out of order, possibly
// duplicated) ReportOutcome's caller learns exactly once that the
// group is complete.
func (d *Dispatcher) DispatchGroupWithCallback(ctx context.Context, groupID string, tasks []Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("dispatcher: empty task group")
	}

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
	}
	if err := d.store.CreateTaskGroup(ctx, groupID, taskIDs); err != nil {
		return fmt.Errorf("dispatcher: registering task group: %w", err)
	}

	for _, t := range tasks {
		t.GroupID = groupID
		if err := d.DispatchSingle(ctx, t); err != nil {
			return fmt.Errorf("dispatcher: dispatching group member %s: %w", t.ID, err)
		}
	}
	return nil
}

// ClaimTask blocks up to timeout waiting for a task of the given kind,
// atomically moving it from the queue list to the claim list via
// BRPOPLPUSH. A returned task must eventually be Ack'd or it remains on
// the claim list; nothing requeues entries from that list (a chunk left
// stranded is recovered from its store row by store.WatchdogSweep).
func (d *Dispatcher) ClaimTask(ctx context.Context, kind Kind, timeout time.Duration) (*Task, error) {
	data, err := d.rdb.BRPopLPush(ctx, queueKey(kind), claimKey(kind), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispatcher: claiming task: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("dispatcher: decoding claimed task: %w", err)
	}

	revoked, err := d.rdb.SIsMember(ctx, revokedSetKey, task.ID).Result()
	if err == nil && revoked {
		d.rdb.LRem(ctx, claimKey(kind), 1, data)
		return nil, nil
	}

	return &task, nil
}

// Ack removes a claimed task from its kind's claim list once the
// worker has durably recorded its outcome.
func (d *Dispatcher) Ack(ctx context.Context, kind Kind, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return d.rdb.LRem(ctx, claimKey(kind), 1, data).Err()
}

// Revoke marks a task ID so a future or in-flight claim is dropped
// instead of processed, used by the orchestrator's cancel operation to
// stop chunks that are still queued (already-claimed chunks finish
// naturally; the orchestrator's cancel transition ignores their
// outcome).
func (d *Dispatcher) Revoke(ctx context.Context, taskID string) error {
	return d.rdb.SAdd(ctx, revokedSetKey, taskID).Err()
}

// ReportOutcome records one task's outcome against its chord (if any)
// and reports whether that was the chord's last pending member. Tasks
// dispatched singly (no GroupID) always report complete=true.
func (d *Dispatcher) ReportOutcome(ctx context.Context, task Task, outcome string) (complete bool, err error) {
	if task.GroupID == "" {
		return true, nil
	}
	return d.store.ReportTaskOutcome(ctx, task.GroupID, task.ID, outcome)
}

// QueueLen reports how many tasks of a kind are waiting to be claimed.
func (d *Dispatcher) QueueLen(ctx context.Context, kind Kind) (int64, error) {
	return d.rdb.LLen(ctx, queueKey(kind)).Result()
}
