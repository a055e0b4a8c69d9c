package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

func newRun(taskID string) *types.SyncRun {
	return &types.SyncRun{
		TaskID:        taskID,
		TaskName:      "sync.products",
		OperationType: types.OpManual,
		SyncType:      types.SyncProducts,
		Status:        types.RunPending,
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := newRun("t-1")
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	now := time.Now().UTC()
	run.Status = types.RunRunning
	run.StartedAt = &now
	if err := store.UpdateSyncRun(ctx, run); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	run.Status = types.RunCompleted
	ended := now.Add(time.Minute)
	run.EndedAt = &ended
	run.DurationMS = 60000
	run.Counters = types.Counters{Total: 10, Processed: 10, Success: 9, Failed: 1}
	if err := store.UpdateSyncRun(ctx, run); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, err := store.GetSyncRun(ctx, "t-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != types.RunCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Counters.Success != 9 {
		t.Errorf("success = %d, want 9", got.Counters.Success)
	}
}

func TestSyncRunRejectsReverseTransition(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := newRun("t-1")
	store.CreateSyncRun(ctx, run)
	run.Status = types.RunRunning
	store.UpdateSyncRun(ctx, run)
	run.Status = types.RunCompleted
	store.UpdateSyncRun(ctx, run)

	run.Status = types.RunRunning
	if err := store.UpdateSyncRun(ctx, run); err == nil {
		t.Error("expected error for completed -> running")
	}

	run.Status = types.RunPending
	if err := store.UpdateSyncRun(ctx, run); err == nil {
		t.Error("expected error for completed -> pending")
	}
}

func TestSyncRunSkipRunningDisallowed(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := newRun("t-1")
	store.CreateSyncRun(ctx, run)

	run.Status = types.RunCompleted
	if err := store.UpdateSyncRun(ctx, run); err == nil {
		t.Error("expected error for pending -> completed")
	}

	// pending -> cancelled is allowed (cancel before dispatch).
	run.Status = types.RunCancelled
	if err := store.UpdateSyncRun(ctx, run); err != nil {
		t.Errorf("pending -> cancelled failed: %v", err)
	}
}

func TestRequestCancelOnlyActiveRuns(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := newRun("t-1")
	store.CreateSyncRun(ctx, run)

	if err := store.RequestCancel(ctx, "t-1"); err != nil {
		t.Fatalf("cancel pending run failed: %v", err)
	}
	cancelled, err := store.CancelRequested(ctx, "t-1")
	if err != nil {
		t.Fatalf("cancel check failed: %v", err)
	}
	if !cancelled {
		t.Error("cancel_requested not set")
	}

	run.Status = types.RunCancelled
	if err := store.UpdateSyncRun(ctx, run); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := store.RequestCancel(ctx, "t-1"); err == nil {
		t.Error("expected error cancelling a terminal run")
	}
}

func TestListSyncRunsFilter(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	store.CreateSyncRun(ctx, newRun("t-1"))
	r2 := newRun("t-2")
	r2.SyncType = types.SyncSuppliers
	store.CreateSyncRun(ctx, r2)

	runs, err := store.ListSyncRuns(ctx, types.RunFilter{SyncType: types.SyncSuppliers})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != "t-2" {
		t.Errorf("filtered runs = %d, want only t-2", len(runs))
	}
}
