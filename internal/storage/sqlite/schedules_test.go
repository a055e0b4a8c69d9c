package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

func TestUpsertSchedulePreservesLastFire(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	sch := &types.Schedule{
		Name:     "sync_products_daily",
		Kind:     types.ScheduleCron,
		TaskName: "sync.products",
		Queue:    types.QueueDataSync,
		Priority: types.PriorityNormal,
		CronExpr: "0 2 * * *",
		Timezone: "Asia/Shanghai",
		Enabled:  true,
	}
	if err := store.UpsertSchedule(ctx, sch); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	fired := time.Now().UTC().Truncate(time.Second)
	next := fired.Add(24 * time.Hour)
	if err := store.MarkFired(ctx, "sync_products_daily", fired, next); err != nil {
		t.Fatalf("mark fired failed: %v", err)
	}

	// Re-upsert (config reload) must not lose the fire history.
	sch.CronExpr = "0 3 * * *"
	if err := store.UpsertSchedule(ctx, sch); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}

	list, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("schedules = %d, want 1", len(list))
	}
	got := list[0]
	if got.CronExpr != "0 3 * * *" {
		t.Errorf("cron = %q, want updated expr", got.CronExpr)
	}
	if got.LastFire == nil || !got.LastFire.Equal(fired) {
		t.Errorf("last_fire = %v, want %v", got.LastFire, fired)
	}
}

func TestMarkFiredMonotonic(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	store.UpsertSchedule(ctx, &types.Schedule{
		Name: "health_check", Kind: types.ScheduleInterval,
		TaskName: "health.check", Queue: types.QueueDefault,
		Interval: 5 * time.Minute, Enabled: true,
	})

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.MarkFired(ctx, "health_check", now, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("mark fired failed: %v", err)
	}
	// An older fire (stale leader) is rejected.
	if err := store.MarkFired(ctx, "health_check", now.Add(-time.Minute), now); err == nil {
		t.Error("expected error for non-monotonic fire")
	}
}

func TestDeleteScheduleNotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	err := store.DeleteSchedule(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("delete missing = %v, want ErrNotFound", err)
	}
}

func TestLeaderLease(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := store.AcquireLeader(ctx, "scheduler", "node-a", time.Minute, now)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("node-a should acquire a free lease")
	}

	ok, err = store.AcquireLeader(ctx, "scheduler", "node-b", time.Minute, now)
	if err != nil {
		t.Fatalf("contested acquire failed: %v", err)
	}
	if ok {
		t.Error("node-b should not steal a live lease")
	}

	// Holder re-acquire and renew succeed.
	ok, _ = store.AcquireLeader(ctx, "scheduler", "node-a", time.Minute, now)
	if !ok {
		t.Error("holder re-acquire should succeed")
	}
	if err := store.RenewLeader(ctx, "scheduler", "node-a", time.Minute, now); err != nil {
		t.Errorf("renew failed: %v", err)
	}
	if err := store.RenewLeader(ctx, "scheduler", "node-b", time.Minute, now); !errors.Is(err, types.ErrNotLeader) {
		t.Errorf("non-holder renew = %v, want ErrNotLeader", err)
	}

	// After expiry another node takes over.
	later := now.Add(2 * time.Minute)
	ok, err = store.AcquireLeader(ctx, "scheduler", "node-b", time.Minute, later)
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if !ok {
		t.Error("node-b should acquire an expired lease")
	}

	if err := store.ReleaseLeader(ctx, "scheduler", "node-b"); err != nil {
		t.Errorf("release failed: %v", err)
	}
	ok, _ = store.AcquireLeader(ctx, "scheduler", "node-a", time.Minute, later)
	if !ok {
		t.Error("node-a should acquire after release")
	}
}
