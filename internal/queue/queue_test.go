package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/storage/memory"
	"github.com/tradewind/marketsync/internal/types"
)

func TestEnqueueLeaseAckRoundTrip(t *testing.T) {
	c := New(memory.New(), Options{}, nil)
	ctx := context.Background()

	type args struct {
		Category string `json:"category"`
	}
	id, err := c.Enqueue(ctx, "sync.products", args{Category: "cat-7"},
		types.QueueDataSync, types.PriorityNormal, time.Time{})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty work id")
	}

	w, err := c.Lease(ctx, []string{types.QueueDataSync}, "worker-1")
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if w.TaskName != "sync.products" {
		t.Errorf("task = %q", w.TaskName)
	}
	var got args
	if err := json.Unmarshal(w.Args, &got); err != nil || got.Category != "cat-7" {
		t.Errorf("args = %s (%v)", w.Args, err)
	}
	if w.LeaseToken == "" {
		t.Error("no lease token assigned")
	}

	if err := c.Ack(ctx, w); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, err := c.Lease(ctx, []string{types.QueueDataSync}, "worker-1"); !errors.Is(err, types.ErrQueueEmpty) {
		t.Errorf("lease after ack = %v, want ErrQueueEmpty", err)
	}
}

func TestNackDelaysRetry(t *testing.T) {
	c := New(memory.New(), Options{}, nil)
	ctx := context.Background()

	c.Enqueue(ctx, "sync.products", nil, types.QueueDefault, types.PriorityNormal, time.Time{})
	w, err := c.Lease(ctx, []string{types.QueueDefault}, "worker-1")
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if err := c.Nack(ctx, w, "timeout", time.Hour, false); err != nil {
		t.Fatalf("nack failed: %v", err)
	}
	// Delayed work is not immediately eligible.
	if _, err := c.Lease(ctx, []string{types.QueueDefault}, "worker-1"); !errors.Is(err, types.ErrQueueEmpty) {
		t.Errorf("lease during delay = %v, want ErrQueueEmpty", err)
	}
}

func TestBackpressureLatch(t *testing.T) {
	store := memory.New()
	c := New(store, Options{HighWater: 3, LowWater: 1}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Enqueue(ctx, "image.download", nil, types.QueueImage, types.PriorityNormal, time.Time{}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	paused, err := c.Paused(ctx, types.QueueImage)
	if err != nil {
		t.Fatalf("paused check failed: %v", err)
	}
	if !paused {
		t.Error("queue at high-water not paused")
	}

	// Drain one: still above low-water, latch holds.
	w, _ := c.Lease(ctx, []string{types.QueueImage}, "worker-1")
	c.Ack(ctx, w)
	if paused, _ = c.Paused(ctx, types.QueueImage); !paused {
		t.Error("latch released above low-water")
	}

	// Drain to the low-water mark: latch clears.
	w, _ = c.Lease(ctx, []string{types.QueueImage}, "worker-1")
	c.Ack(ctx, w)
	if paused, _ = c.Paused(ctx, types.QueueImage); paused {
		t.Error("latch held at low-water")
	}
}

func TestBackpressureIsPerQueue(t *testing.T) {
	c := New(memory.New(), Options{HighWater: 2, LowWater: 1}, nil)
	ctx := context.Background()

	c.Enqueue(ctx, "a", nil, types.QueueImage, types.PriorityNormal, time.Time{})
	c.Enqueue(ctx, "b", nil, types.QueueImage, types.PriorityNormal, time.Time{})

	if paused, _ := c.Paused(ctx, types.QueueImage); !paused {
		t.Error("image queue not paused")
	}
	if paused, _ := c.Paused(ctx, types.QueueCrawler); paused {
		t.Error("crawler queue paused without load")
	}
}
