package supervise

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tradewind/marketsync/internal/events"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage/memory"
	"github.com/tradewind/marketsync/internal/types"
)

func testMonitor(t *testing.T, qopts queue.Options, opts Options) (*Monitor, *queue.Client, *events.Hub) {
	t.Helper()
	qc := queue.New(memory.New(), qopts, nil)
	hub := events.New(events.Options{MailboxSize: 16}, nil)
	return New(qc, hub, opts, nil, nil), qc, hub
}

func statusEvent(t *testing.T, sub *events.Subscriber) map[string]interface{} {
	t.Helper()
	select {
	case ev := <-sub.C():
		var payload map[string]interface{}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		return payload
	case <-time.After(time.Second):
		t.Fatal("no system_status event")
	}
	return nil
}

func TestErrorRateAlarmRaisesAndRecovers(t *testing.T) {
	m, _, hub := testMonitor(t, queue.Options{}, Options{
		ErrorMinSamples:    4,
		ErrorRateThreshold: 0.5,
	})
	sub := hub.Subscribe(events.ChannelSystemStatus)

	for i := 0; i < 4; i++ {
		m.TaskDone("sync.products", "retryable", time.Millisecond)
	}
	payload := statusEvent(t, sub)
	if payload["kind"] != "error_rate_high" || payload["task"] != "sync.products" {
		t.Fatalf("payload = %v", payload)
	}

	// A second crossing while latched stays quiet.
	m.TaskDone("sync.products", "terminal", time.Millisecond)
	select {
	case ev := <-sub.C():
		t.Fatalf("duplicate alarm: %s", ev.Payload)
	default:
	}

	for i := 0; i < 8; i++ {
		m.TaskDone("sync.products", "success", time.Millisecond)
	}
	payload = statusEvent(t, sub)
	if payload["kind"] != "error_rate_recovered" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCancelledOutcomesAreNotFailures(t *testing.T) {
	m, _, hub := testMonitor(t, queue.Options{}, Options{
		ErrorMinSamples:    2,
		ErrorRateThreshold: 0.5,
	})
	sub := hub.Subscribe(events.ChannelSystemStatus)

	for i := 0; i < 6; i++ {
		m.TaskDone("sync.products", "cancelled", time.Millisecond)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("cancelled work raised an alarm: %s", ev.Payload)
	default:
	}
}

func TestSnapshotCountsActiveAndStalledWorkers(t *testing.T) {
	m, _, _ := testMonitor(t, queue.Options{}, Options{StallThreshold: 20 * time.Millisecond})

	m.WorkerBeat("worker-0", "sync.products", "w-1")
	m.WorkerBeat("worker-1", "", "")
	time.Sleep(40 * time.Millisecond)
	m.WorkerBeat("worker-1", "image.download", "w-2")

	snap := m.Snapshot()
	if snap.ActiveWorkers != 1 {
		t.Fatalf("active = %d", snap.ActiveWorkers)
	}
	if snap.StalledWorkers != 1 {
		t.Fatalf("stalled = %d", snap.StalledWorkers)
	}
	if len(snap.Workers) != 2 || snap.Workers[0].WorkerID != "worker-0" {
		t.Fatalf("workers = %+v", snap.Workers)
	}
}

func TestSampleEmitsBackpressureTransitions(t *testing.T) {
	m, qc, hub := testMonitor(t, queue.Options{HighWater: 2, LowWater: 1}, Options{})
	sub := hub.Subscribe(events.ChannelSystemStatus)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := qc.Enqueue(ctx, "image.download", nil, types.QueueImage, types.PriorityNormal, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}
	m.sample(ctx)
	payload := statusEvent(t, sub)
	if payload["kind"] != "backpressure_engaged" || payload["queue"] != types.QueueImage {
		t.Fatalf("payload = %v", payload)
	}
	if snap := m.Snapshot(); len(snap.PausedQueues) != 1 || snap.QueueDepths[types.QueueImage] != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}

	for i := 0; i < 3; i++ {
		w, err := qc.Lease(ctx, []string{types.QueueImage}, "worker-0")
		if err != nil {
			t.Fatal(err)
		}
		if err := qc.Ack(ctx, w); err != nil {
			t.Fatal(err)
		}
	}
	m.sample(ctx)
	payload = statusEvent(t, sub)
	if payload["kind"] != "backpressure_released" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCollectorsObserveOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	qc := queue.New(memory.New(), queue.Options{}, nil)
	m := New(qc, nil, Options{}, nil, reg)

	m.TaskDone("sync.products", "success", 50*time.Millisecond)
	m.TaskDone("sync.products", "retryable", time.Millisecond)
	m.RecordFetch("www.1688.com", "success")
	m.RecordFetch("www.1688.com", "Timeout")
	m.recordRun(&types.SyncRun{Counters: types.Counters{Success: 7, Failed: 2, Skipped: 1}})

	if got := testutil.ToFloat64(m.metrics.tasksTotal.WithLabelValues("sync.products", "success")); got != 1 {
		t.Fatalf("tasks_total success = %v", got)
	}
	if got := testutil.ToFloat64(m.metrics.fetchRequests.WithLabelValues("Timeout")); got != 1 {
		t.Fatalf("fetch_requests Timeout = %v", got)
	}
	if got := testutil.ToFloat64(m.metrics.recordsProcessed.WithLabelValues("success")); got != 7 {
		t.Fatalf("records_processed success = %v", got)
	}
}

func TestWatchFoldsFinishedRuns(t *testing.T) {
	m, _, hub := testMonitor(t, queue.Options{}, Options{DepthPoll: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx)
		close(done)
	}()

	// Give Watch a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	hub.Publish(events.ChannelSyncCompleted, "run-1",
		&types.SyncRun{TaskID: "run-1", Counters: types.Counters{Success: 3}})

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.metrics.recordsProcessed.WithLabelValues("success")) != 3 {
		if time.Now().After(deadline) {
			t.Fatal("run counters never folded into metrics")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
