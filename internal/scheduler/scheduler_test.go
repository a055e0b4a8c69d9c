package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage/memory"
	"github.com/tradewind/marketsync/internal/types"
)

func testScheduler(t *testing.T) (*Scheduler, *memory.Store, *queue.Client) {
	t.Helper()
	store := memory.New()
	qc := queue.New(store, queue.Options{}, nil)
	s := New(store, qc, Options{HolderID: "test-node"}, nil)
	return s, store, qc
}

func upsert(t *testing.T, store *memory.Store, sch *types.Schedule) {
	t.Helper()
	if err := store.UpsertSchedule(context.Background(), sch); err != nil {
		t.Fatalf("upsert schedule failed: %v", err)
	}
}

func leaseAll(t *testing.T, qc *queue.Client, queues []string) []*types.QueuedWork {
	t.Helper()
	var out []*types.QueuedWork
	for {
		w, err := qc.Lease(context.Background(), queues, "test-worker")
		if err != nil {
			return out
		}
		out = append(out, w)
	}
}

func TestFreshEntryPlantsNextFireWithoutFiring(t *testing.T) {
	s, store, qc := testScheduler(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	upsert(t, store, &types.Schedule{
		Name: "health_check", Kind: types.ScheduleInterval,
		TaskName: "health.check", Queue: types.QueueDefault,
		Interval: 5 * time.Minute, Enabled: true,
	})

	if err := s.fireDue(ctx, now); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if got := leaseAll(t, qc, []string{types.QueueDefault}); len(got) != 0 {
		t.Errorf("fresh entry fired %d times, want 0", len(got))
	}

	schedules, _ := store.ListSchedules(ctx)
	if schedules[0].NextFire == nil {
		t.Fatal("next_fire not planted")
	}
	want := now.Add(5 * time.Minute)
	if !schedules[0].NextFire.Equal(want) {
		t.Errorf("next_fire = %v, want %v", schedules[0].NextFire, want)
	}
}

func TestIntervalFiresWhenDue(t *testing.T) {
	s, store, qc := testScheduler(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	due := now.Add(-time.Second)
	upsert(t, store, &types.Schedule{
		Name: "health_check", Kind: types.ScheduleInterval,
		TaskName: "health.check", Queue: types.QueueDefault,
		Interval: 5 * time.Minute, Enabled: true, NextFire: &due,
	})

	if err := s.fireDue(ctx, now); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	got := leaseAll(t, qc, []string{types.QueueDefault})
	if len(got) != 1 || got[0].TaskName != "health.check" {
		t.Fatalf("fired %d items", len(got))
	}

	schedules, _ := store.ListSchedules(ctx)
	if schedules[0].LastFire == nil || !schedules[0].LastFire.Equal(now) {
		t.Errorf("last_fire = %v, want %v", schedules[0].LastFire, now)
	}
	if !schedules[0].NextFire.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("next_fire = %v", schedules[0].NextFire)
	}
}

func TestCronMissesCoalesceToOneFire(t *testing.T) {
	s, store, qc := testScheduler(t)
	ctx := context.Background()

	// Scheduled for 02:00 daily; the scheduler was down over three slots.
	missed := time.Date(2024, 6, 12, 2, 0, 0, 0, time.UTC)
	upsert(t, store, &types.Schedule{
		Name: "sync_products_daily", Kind: types.ScheduleCron,
		TaskName: "sync.products", Queue: types.QueueDataSync,
		Priority: types.PriorityNormal,
		CronExpr: "0 2 * * *", Enabled: true, NextFire: &missed,
	})

	recovery := time.Date(2024, 6, 15, 5, 0, 0, 0, time.UTC)
	if err := s.fireDue(ctx, recovery); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := leaseAll(t, qc, []string{types.QueueDataSync})
	if len(got) != 1 {
		t.Fatalf("fired %d items after downtime, want exactly 1", len(got))
	}
	if got[0].Priority != types.PriorityNormal {
		t.Errorf("priority = %d, want NORMAL", got[0].Priority)
	}

	// Next fire is the next cron slot after recovery, not a catch-up.
	schedules, _ := store.ListSchedules(ctx)
	want := time.Date(2024, 6, 16, 2, 0, 0, 0, time.UTC)
	if !schedules[0].NextFire.Equal(want) {
		t.Errorf("next_fire = %v, want %v", schedules[0].NextFire, want)
	}

	// A second pass fires nothing.
	if err := s.fireDue(ctx, recovery.Add(time.Minute)); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if extra := leaseAll(t, qc, []string{types.QueueDataSync}); len(extra) != 0 {
		t.Errorf("second pass fired %d items", len(extra))
	}
}

func TestDelayedFiresOnceAndIsRemoved(t *testing.T) {
	s, store, qc := testScheduler(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	at := now.Add(-time.Minute)
	upsert(t, store, &types.Schedule{
		Name: "one_shot", Kind: types.ScheduleDelayed,
		TaskName: "batch.export", Queue: types.QueueBatch,
		At: &at, NextFire: &at, Enabled: true,
	})

	if err := s.fireDue(ctx, now); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if got := leaseAll(t, qc, []string{types.QueueBatch}); len(got) != 1 {
		t.Fatalf("fired %d items, want 1", len(got))
	}
	schedules, _ := store.ListSchedules(ctx)
	if len(schedules) != 0 {
		t.Errorf("delayed entry still present after firing")
	}
}

func TestDisabledEntryNeverFires(t *testing.T) {
	s, store, qc := testScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := now.Add(-time.Minute)
	upsert(t, store, &types.Schedule{
		Name: "disabled", Kind: types.ScheduleInterval,
		TaskName: "health.check", Queue: types.QueueDefault,
		Interval: time.Minute, Enabled: false, NextFire: &due,
	})

	if err := s.fireDue(ctx, now); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if got := leaseAll(t, qc, []string{types.QueueDefault}); len(got) != 0 {
		t.Errorf("disabled entry fired")
	}
}

func TestJitterClampedToQuarterPeriod(t *testing.T) {
	s, _, _ := testScheduler(t)
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	sch := &types.Schedule{
		Name: "jittered", Kind: types.ScheduleInterval,
		Interval: 4 * time.Minute, Jitter: time.Hour,
	}
	for i := 0; i < 50; i++ {
		next, err := s.nextFire(sch, now)
		if err != nil {
			t.Fatalf("nextFire failed: %v", err)
		}
		d := next.Sub(now)
		if d < 3*time.Minute || d > 5*time.Minute {
			t.Fatalf("next fire %v outside period ± period/4", d)
		}
	}
}
