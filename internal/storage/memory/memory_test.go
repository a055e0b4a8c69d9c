package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

func TestUpsertAndList(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.UpsertProduct(ctx, &types.Product{SourceID: "p-1", Title: "one"}, "tester")
	if err != nil || !created {
		t.Fatalf("first upsert = (%v, %v), want (true, nil)", created, err)
	}
	created, err = store.UpsertProduct(ctx, &types.Product{SourceID: "p-1", Title: "one updated"}, "tester")
	if err != nil || created {
		t.Fatalf("second upsert = (%v, %v), want (false, nil)", created, err)
	}

	list, total, err := store.ListProducts(ctx, types.ProductFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || list[0].Title != "one updated" {
		t.Errorf("list = %d/%d %q", len(list), total, list[0].Title)
	}
}

func TestLeaseAckParity(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	err := store.EnqueueWork(ctx, &types.QueuedWork{
		WorkID: "w-1", TaskName: "sync.products",
		Queue: types.QueueDefault, Priority: types.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w, err := store.LeaseWork(ctx, []string{types.QueueDefault}, "worker-1", "tok", now.Add(time.Minute), now)
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if w.AttemptNo != 1 {
		t.Errorf("attempt_no = %d, want 1", w.AttemptNo)
	}
	if err := store.AckWork(ctx, w.WorkID, "wrong"); !errors.Is(err, types.ErrStaleLease) {
		t.Errorf("wrong-token ack = %v, want ErrStaleLease", err)
	}
	if err := store.AckWork(ctx, w.WorkID, "tok"); err != nil {
		t.Errorf("ack failed: %v", err)
	}
	if _, err := store.LeaseWork(ctx, []string{types.QueueDefault}, "worker-1", "tok2", now.Add(time.Minute), now); !errors.Is(err, types.ErrQueueEmpty) {
		t.Errorf("lease after ack = %v, want ErrQueueEmpty", err)
	}
}

func TestRunInTransactionUpsertAndVersion(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.UpsertProduct(ctx, &types.Product{SourceID: "p-1", Title: "one"}, "tester"); err != nil {
			return err
		}
		return tx.AppendVersion(ctx, &types.VersionRecord{
			EntityType: types.EntityProduct, EntityID: "p-1",
			ChangeKind: types.ChangeCreate, Author: "tester",
			Checksum: "c", Snapshot: []byte("{}"),
		})
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	v, err := store.LatestVersion(ctx, types.EntityProduct, "p-1")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if v.VersionNo != 1 {
		t.Errorf("version = %d, want 1", v.VersionNo)
	}
}

func TestCheckpointChecksumRejected(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveCheckpoint(ctx, &types.Checkpoint{TaskID: "t-1", Cursor: []byte("x")}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// Tamper directly: the map holds pointers.
	store.checkpoints["t-1"][0].Cursor = []byte("y")

	if _, err := store.LoadCheckpoint(ctx, "t-1"); !errors.Is(err, types.ErrCheckpointCorrupt) {
		t.Errorf("load tampered = %v, want ErrCheckpointCorrupt", err)
	}
}
