package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage/memory"
	"github.com/tradewind/marketsync/internal/types"
)

func testPool(t *testing.T, reg *Registry, opts Options) (*Pool, *queue.Client) {
	t.Helper()
	store := memory.New()
	qc := queue.New(store, queue.Options{}, nil)
	if opts.WorkerCount == 0 {
		opts.WorkerCount = 1
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.Retry.BaseDelay == 0 {
		opts.Retry.BaseDelay = time.Millisecond
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = 2 * time.Millisecond
	}
	return NewPool(reg, store, qc, opts, nil, nil, nil), qc
}

// runUntil runs the pool in the background until check returns true or
// the deadline passes.
func runUntil(t *testing.T, p *Pool, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			cancel()
			<-done
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("condition not reached before deadline")
}

func TestPoolExecutesAndAcks(t *testing.T) {
	var got atomic.Value
	reg := NewRegistry()
	reg.Register("echo.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		var payload struct {
			Keyword string `json:"keyword"`
		}
		if err := DecodeArgs("echo.task", args, &payload); err != nil {
			return err
		}
		got.Store(payload.Keyword)
		return nil
	})

	p, qc := testPool(t, reg, Options{})
	_, err := qc.Enqueue(context.Background(), "echo.task",
		map[string]string{"keyword": "bearings"}, types.QueueDefault, types.PriorityNormal, time.Time{})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	runUntil(t, p, func() bool { return got.Load() != nil })
	if got.Load() != "bearings" {
		t.Errorf("payload = %v, want bearings", got.Load())
	}

	// Acked work never comes back.
	if _, err := qc.Lease(context.Background(), []string{types.QueueDefault}, "probe"); !errors.Is(err, types.ErrQueueEmpty) {
		t.Errorf("lease after ack = %v, want ErrQueueEmpty", err)
	}
}

func TestPoolRetriesTransientThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	var succeeded atomic.Bool
	reg := NewRegistry()
	reg.Register("flaky.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		if attempts.Add(1) < 3 {
			return types.ErrStoreUnavailable
		}
		succeeded.Store(true)
		return nil
	})

	p, qc := testPool(t, reg, Options{})
	if _, err := qc.Enqueue(context.Background(), "flaky.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	runUntil(t, p, func() bool { return succeeded.Load() })
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestPoolTerminalAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register("doomed.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		attempts.Add(1)
		return types.ErrStoreUnavailable
	})

	p, qc := testPool(t, reg, Options{Retry: RetryPolicy{MaxAttempts: 2}})
	if _, err := qc.Enqueue(context.Background(), "doomed.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Initial execution plus MaxAttempts retries, then terminal.
	runUntil(t, p, func() bool { return attempts.Load() >= 3 })
	// Give the pool a chance to over-deliver if the terminal nack did not
	// stick.
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want exactly 3 (initial plus 2 retries)", n)
	}
}

func TestPoolRetryBudgetCountsRetriesNotExecutions(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register("stubborn.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		attempts.Add(1)
		return types.ErrStoreUnavailable
	})

	p, qc := testPool(t, reg, Options{Retry: RetryPolicy{MaxAttempts: 5}})
	if _, err := qc.Enqueue(context.Background(), "stubborn.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	runUntil(t, p, func() bool { return attempts.Load() >= 6 })
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 6 {
		t.Errorf("executions = %d, want 6 (initial attempt plus 5 retries)", n)
	}
}

func TestPoolNeverRetriesValidationFailure(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register("invalid.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		attempts.Add(1)
		return &types.ValidationError{Issues: []types.ValidationIssue{{
			Field: "price_min", Severity: types.SeverityError, Code: "negative",
		}}}
	})

	p, qc := testPool(t, reg, Options{})
	if _, err := qc.Enqueue(context.Background(), "invalid.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	runUntil(t, p, func() bool { return attempts.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want exactly 1", n)
	}
}

func TestPoolAcksCancelledWork(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register("cancelled.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		attempts.Add(1)
		return types.ErrCancelled
	})

	p, qc := testPool(t, reg, Options{})
	if _, err := qc.Enqueue(context.Background(), "cancelled.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	runUntil(t, p, func() bool { return attempts.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Errorf("cancelled work redelivered, attempts = %d", n)
	}
	if _, err := qc.Lease(context.Background(), []string{types.QueueDefault}, "probe"); !errors.Is(err, types.ErrQueueEmpty) {
		t.Errorf("lease after cancelled ack = %v, want ErrQueueEmpty", err)
	}
}

func TestPoolAuthFailureUsesCooldownAndCaps(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register("blocked.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		attempts.Add(1)
		return &types.FetchError{Kind: types.FetchForbidden, URL: "https://example.com/p/1"}
	})

	p, qc := testPool(t, reg, Options{Retry: RetryPolicy{
		AuthAttempts: 2,
		AuthCooldown: time.Millisecond,
	}})
	if _, err := qc.Enqueue(context.Background(), "blocked.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Initial attempt plus AuthAttempts retries, then terminal.
	runUntil(t, p, func() bool { return attempts.Load() >= 3 })
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want exactly 3", n)
	}
}

func TestPoolFailsUnknownTaskTerminally(t *testing.T) {
	reg := NewRegistry()
	p, qc := testPool(t, reg, Options{})
	if _, err := qc.Enqueue(context.Background(), "ghost.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Leasing from the test would race the worker for the item, so watch
	// the depth instead: a terminal nack removes it from the live counts.
	runUntil(t, p, func() bool {
		depths, err := qc.Depths(context.Background())
		return err == nil && depths[types.QueueDefault] == 0
	})
}

func TestPoolDrainsInFlightWorkOnShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	reg := NewRegistry()
	reg.Register("slow.task", func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})

	p, qc := testPool(t, reg, Options{})
	if _, err := qc.Enqueue(context.Background(), "slow.task", nil, types.QueueDefault, types.PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("pool stopped while a task was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after the task finished")
	}
	if !finished.Load() {
		t.Error("in-flight task did not finish")
	}

	if _, err := qc.Lease(context.Background(), []string{types.QueueDefault}, "probe"); !errors.Is(err, types.ErrQueueEmpty) {
		t.Errorf("drained work not acked: %v", err)
	}
}

func TestRetryDelayGrowsWithJitterBounds(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 2 * time.Second, Factor: 2, MaxDelay: 5 * time.Minute}
	for attempt := 1; attempt <= 5; attempt++ {
		base := float64(2 * time.Second)
		for i := 1; i < attempt; i++ {
			base *= 2
		}
		if base > float64(5*time.Minute) {
			base = float64(5 * time.Minute)
		}
		for i := 0; i < 20; i++ {
			d := policy.Delay(attempt)
			if float64(d) < base*0.75 || float64(d) > base*1.25 {
				t.Fatalf("attempt %d delay %v outside ±25%% of %v", attempt, d, time.Duration(base))
			}
		}
	}
}

func TestRetryDelayCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 2 * time.Second, Factor: 2, MaxDelay: 5 * time.Minute}
	for i := 0; i < 20; i++ {
		d := policy.Delay(30)
		if d > time.Duration(float64(5*time.Minute)*1.25) {
			t.Fatalf("delay %v exceeds capped max with jitter", d)
		}
	}
}
