package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// ProgressFunc receives coalesced progress reports, e.g. for the events
// hub.
type ProgressFunc func(taskID string, percent float64, message string)

// TaskContext is the runtime surface a handler sees: progress,
// checkpoints, cancellation and lease heartbeats for the one work item
// it is executing.
type TaskContext struct {
	work     *types.QueuedWork
	store    storage.Store
	queue    *queue.Client
	logger   *zap.Logger
	progress ProgressFunc

	mu           sync.Mutex
	lastProgress time.Time
	lastPercent  float64
}

// NewTaskContext builds the context for one leased work item. The pool
// does this for every execution; task tests construct one directly.
func NewTaskContext(work *types.QueuedWork, store storage.Store, qc *queue.Client, logger *zap.Logger, progress ProgressFunc) *TaskContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskContext{
		work:     work,
		store:    store,
		queue:    qc,
		logger:   logger,
		progress: progress,
	}
}

// WorkID identifies the work item; it doubles as the task id for
// checkpoints and sync runs driven by this work.
func (tc *TaskContext) WorkID() string { return tc.work.WorkID }

// TaskName is the symbolic handler name.
func (tc *TaskContext) TaskName() string { return tc.work.TaskName }

// AttemptNo is the current delivery attempt, starting at 1.
func (tc *TaskContext) AttemptNo() int { return tc.work.AttemptNo }

// Store exposes the persistence port to handlers.
func (tc *TaskContext) Store() storage.Store { return tc.store }

// Queue exposes the queue client for fan-out.
func (tc *TaskContext) Queue() *queue.Client { return tc.queue }

// Logger is the worker logger scoped to this task.
func (tc *TaskContext) Logger() *zap.Logger { return tc.logger }

// ReportProgress is best-effort and coalesced to at most one report per
// second. Terminal reports (100%) always pass through.
func (tc *TaskContext) ReportProgress(percent float64, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	tc.mu.Lock()
	now := time.Now()
	if percent < 100 && now.Sub(tc.lastProgress) < time.Second {
		tc.mu.Unlock()
		return
	}
	tc.lastProgress = now
	tc.lastPercent = percent
	tc.mu.Unlock()

	if tc.progress != nil {
		tc.progress(tc.work.WorkID, percent, message)
	}
}

// SaveCheckpoint durably writes a resume point. Synchronous by contract:
// it returns only after the row is committed.
func (tc *TaskContext) SaveCheckpoint(ctx context.Context, cursor []byte, counters types.Counters) error {
	return tc.store.SaveCheckpoint(ctx, &types.Checkpoint{
		TaskID:   tc.work.WorkID,
		Cursor:   cursor,
		Counters: counters,
	})
}

// LoadCheckpoint returns the latest resume point, or nil when none
// exists. A corrupt checkpoint is discarded with a warning so the task
// restarts from the beginning.
func (tc *TaskContext) LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	cp, err := tc.store.LoadCheckpoint(ctx, tc.work.WorkID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if errors.Is(err, types.ErrCheckpointCorrupt) {
		tc.logger.Warn("corrupt checkpoint discarded, restarting task from scratch",
			zap.String("work_id", tc.work.WorkID))
		if derr := tc.store.DeleteCheckpoints(ctx, tc.work.WorkID); derr != nil {
			return nil, derr
		}
		return nil, nil
	}
	return cp, err
}

// CancelRequested reports whether an operator asked this task's sync run
// to stop. Tasks without a sync run are never cancelled this way.
func (tc *TaskContext) CancelRequested(ctx context.Context) bool {
	cancelled, err := tc.store.CancelRequested(ctx, tc.work.WorkID)
	if err != nil {
		return false
	}
	return cancelled
}

// Heartbeat extends the lease. The pool also heartbeats automatically at
// lease_ttl/3; handlers may call this around long blocking sections.
func (tc *TaskContext) Heartbeat(ctx context.Context) error {
	return tc.queue.Extend(ctx, tc.work)
}
