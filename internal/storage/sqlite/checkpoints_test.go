package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	cp := &types.Checkpoint{
		TaskID:   "task-1",
		Cursor:   []byte(`{"page":7}`),
		Counters: types.Counters{Total: 100, Processed: 70, Success: 65, Failed: 3, Skipped: 2},
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if cp.SequenceNo != 1 {
		t.Errorf("sequence_no = %d, want 1", cp.SequenceNo)
	}

	got, err := store.LoadCheckpoint(ctx, "task-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(got.Cursor) != `{"page":7}` {
		t.Errorf("cursor = %s", got.Cursor)
	}
	if got.Counters.Success != 65 {
		t.Errorf("success = %d, want 65", got.Counters.Success)
	}
}

func TestCheckpointLoadReturnsLatest(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for page := 1; page <= 3; page++ {
		err := store.SaveCheckpoint(ctx, &types.Checkpoint{
			TaskID:   "task-1",
			Cursor:   []byte{byte('0' + page)},
			Counters: types.Counters{Total: 30},
		})
		if err != nil {
			t.Fatalf("save %d failed: %v", page, err)
		}
	}

	got, err := store.LoadCheckpoint(ctx, "task-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.SequenceNo != 3 || got.Cursor[0] != '3' {
		t.Errorf("got seq %d cursor %s, want seq 3 cursor 3", got.SequenceNo, got.Cursor)
	}
}

func TestCheckpointCorruptionDetected(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	err := store.SaveCheckpoint(ctx, &types.Checkpoint{
		TaskID: "task-1", Cursor: []byte("cursor"),
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Corrupt the stored cursor behind the checksum's back.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE checkpoints SET cursor = ? WHERE task_id = ?`, []byte("tampered"), "task-1"); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	_, err = store.LoadCheckpoint(ctx, "task-1")
	if !errors.Is(err, types.ErrCheckpointCorrupt) {
		t.Errorf("load of tampered checkpoint = %v, want ErrCheckpointCorrupt", err)
	}
}

func TestPurgeCheckpointsBefore(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	old := &types.Checkpoint{TaskID: "task-old", Cursor: []byte("a"),
		CreatedAt: time.Now().UTC().Add(-10 * 24 * time.Hour)}
	fresh := &types.Checkpoint{TaskID: "task-new", Cursor: []byte("b")}
	if err := store.SaveCheckpoint(ctx, old); err != nil {
		t.Fatalf("save old failed: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, fresh); err != nil {
		t.Fatalf("save fresh failed: %v", err)
	}

	n, err := store.PurgeCheckpointsBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := store.LoadCheckpoint(ctx, "task-old"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("load purged = %v, want ErrNotFound", err)
	}
	if _, err := store.LoadCheckpoint(ctx, "task-new"); err != nil {
		t.Errorf("load fresh = %v, want nil", err)
	}
}

func TestDeleteCheckpoints(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	store.SaveCheckpoint(ctx, &types.Checkpoint{TaskID: "task-1", Cursor: []byte("a")})
	if err := store.DeleteCheckpoints(ctx, "task-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.LoadCheckpoint(ctx, "task-1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("load after delete = %v, want ErrNotFound", err)
	}
}
