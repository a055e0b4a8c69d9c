package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

// SyncArgs is the payload of sync.products / sync.suppliers work items.
// TaskID references an existing SyncRun created by the admin API; when
// empty (scheduler fires), the handler creates the run itself.
type SyncArgs struct {
	TaskID        string              `json:"task_id,omitempty"`
	OperationType types.OperationType `json:"operation_type,omitempty"`
	Filter        types.SourceFilter  `json:"filter,omitempty"`
	Resume        bool                `json:"resume_from_checkpoint,omitempty"`
}

// resolveRun loads the SyncRun referenced by args or creates one for
// fires that arrive without a pre-created run.
func (c *Coordinator) resolveRun(ctx context.Context, tc *worker.TaskContext, args SyncArgs, syncType types.SyncType) (*types.SyncRun, error) {
	if args.TaskID != "" {
		run, err := c.store.GetSyncRun(ctx, args.TaskID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sync run %s: %w", args.TaskID, err)
		}
		return run, nil
	}

	op := args.OperationType
	if op == "" {
		op = types.OpScheduled
	}
	run := &types.SyncRun{
		TaskID:        uuid.NewString(),
		TaskName:      tc.TaskName(),
		OperationType: op,
		SyncType:      syncType,
		Status:        types.RunPending,
		Filter:        args.Filter,
	}
	if err := c.store.CreateSyncRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// beginRun moves the run to running on first lease. A run already in a
// terminal state is not restarted.
func (c *Coordinator) beginRun(ctx context.Context, run *types.SyncRun) error {
	if run.Status == types.RunRunning {
		return nil
	}
	if !run.Status.CanTransition(types.RunRunning) {
		return fmt.Errorf("sync run %s is %s, cannot start", run.TaskID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = types.RunRunning
	run.StartedAt = &now
	return c.store.UpdateSyncRun(ctx, run)
}

// runTally accumulates per-run outcomes while pages stream through.
type runTally struct {
	counters     types.Counters
	digest       map[string]int
	missingField int
	duplicates   int
	badLayout    map[string]bool // "kind vN" seen with no matching rule-set
}

func newRunTally() *runTally {
	return &runTally{
		digest:    make(map[string]int),
		badLayout: make(map[string]bool),
	}
}

func (t *runTally) recordError(err error) {
	t.counters.Add(0, 1, 0)
	t.digest[types.ErrorCode(err)]++

	var xe *types.ExtractionError
	if errors.As(err, &xe) {
		t.badLayout[fmt.Sprintf("%s (fingerprint %s)", xe.Kind, xe.Fingerprint)] = true
	}
}

// failureRatio over processed records; 0 when nothing processed yet.
func (t *runTally) failureRatio() float64 {
	if t.counters.Processed == 0 {
		return 0
	}
	return float64(t.counters.Failed) / float64(t.counters.Processed)
}

// digestTopK keeps the k most frequent error codes for the run record.
func digestTopK(digest map[string]int, k int) map[string]int {
	if len(digest) <= k {
		return digest
	}
	type kv struct {
		code  string
		count int
	}
	pairs := make([]kv, 0, len(digest))
	for code, count := range digest {
		pairs = append(pairs, kv{code, count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].code < pairs[j].code
	})
	out := make(map[string]int, k)
	for _, p := range pairs[:k] {
		out[p.code] = p.count
	}
	return out
}

// recommendations derives operator prompts from the tally.
func (t *runTally) recommendations() []string {
	var recs []string
	layouts := make([]string, 0, len(t.badLayout))
	for l := range t.badLayout {
		layouts = append(layouts, l)
	}
	sort.Strings(layouts)
	for _, l := range layouts {
		recs = append(recs, fmt.Sprintf("extraction rules outdated for %s", l))
	}
	if t.counters.Processed > 0 {
		if rate := float64(t.missingField) / float64(t.counters.Processed); rate > 0.2 {
			recs = append(recs, fmt.Sprintf("high missing-field rate (%.0f%%), check source layout", rate*100))
		}
		if rate := float64(t.duplicates) / float64(t.counters.Processed); rate > 0.3 {
			recs = append(recs, fmt.Sprintf("high duplicate rate (%.0f%%), consider narrowing the filter", rate*100))
		}
	}
	return recs
}

// finishRun writes the terminal state: completed, or failed when the
// failure ratio exceeded half, or cancelled.
func (c *Coordinator) finishRun(ctx context.Context, run *types.SyncRun, tally *runTally, cause error) error {
	now := time.Now().UTC()
	run.EndedAt = &now
	if run.StartedAt != nil {
		run.DurationMS = now.Sub(*run.StartedAt).Milliseconds()
	}
	run.Counters = tally.counters
	run.ErrorDigest = digestTopK(tally.digest, 10)
	run.Recommendations = tally.recommendations()
	run.Progress = 100

	switch {
	case errors.Is(cause, types.ErrCancelled):
		run.Status = types.RunCancelled
	case cause != nil || tally.failureRatio() > 0.5:
		run.Status = types.RunFailed
		if cause != nil {
			run.ErrorDigest[types.ErrorCode(cause)]++
		}
	default:
		run.Status = types.RunCompleted
	}

	if err := c.store.UpdateSyncRun(ctx, run); err != nil {
		return err
	}

	channel := "sync_completed"
	if run.Status != types.RunCompleted {
		channel = "sync_failed"
	}
	c.publish(channel, run.TaskID, run)
	c.logger.Info("sync run finished",
		zap.String("task_id", run.TaskID),
		zap.String("status", string(run.Status)),
		zap.Int("success", run.Counters.Success),
		zap.Int("failed", run.Counters.Failed),
		zap.Int("skipped", run.Counters.Skipped))
	return nil
}

// progressUpdate persists run progress and pushes a sync_progress event.
func (c *Coordinator) progressUpdate(ctx context.Context, tc *worker.TaskContext, run *types.SyncRun, tally *runTally, message string) {
	percent := run.Progress
	if tally.counters.Total > 0 {
		percent = 100 * float64(tally.counters.Processed) / float64(tally.counters.Total)
		if percent > 99 {
			percent = 99 // 100 is reserved for the terminal update
		}
	}
	run.Progress = percent
	run.Counters = tally.counters
	if err := c.store.UpdateSyncRun(ctx, run); err != nil {
		c.logger.Warn("progress persist failed",
			zap.String("task_id", run.TaskID), zap.Error(err))
	}
	tc.ReportProgress(percent, message)
	c.publish("sync_progress", run.TaskID, map[string]interface{}{
		"task_id":  run.TaskID,
		"progress": percent,
		"counters": tally.counters,
		"message":  message,
	})
}
