package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

func testOptions() Options {
	return Options{
		UserAgents:   []string{"ua-1", "ua-2"},
		HostQPS:      1000, // effectively unthrottled for tests
		HostBurst:    1000,
		AcquireWait:  200 * time.Millisecond,
		CooldownBase: time.Minute,
		CooldownMax:  10 * time.Minute,
	}
}

func TestAcquireRotatesIdentities(t *testing.T) {
	pool := NewPool(testOptions(), nil)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	b, err := pool.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if a.UserAgent == b.UserAgent {
		t.Errorf("both acquires got %q, want rotation", a.UserAgent)
	}
}

func TestAcquireExhaustedTimesOut(t *testing.T) {
	pool := NewPool(testOptions(), nil)
	ctx := context.Background()

	// Check out every identity for the host.
	for i := 0; i < pool.Size(); i++ {
		if _, err := pool.Acquire(ctx, "example.com"); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	start := time.Now()
	_, err := pool.Acquire(ctx, "example.com")
	if !errors.Is(err, types.ErrNoIdentityAvailable) {
		t.Fatalf("exhausted acquire = %v, want ErrNoIdentityAvailable", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("acquire returned before the bounded wait elapsed")
	}
}

func TestExhaustionIsPerHost(t *testing.T) {
	pool := NewPool(testOptions(), nil)
	ctx := context.Background()

	for i := 0; i < pool.Size(); i++ {
		pool.Acquire(ctx, "a.example.com")
	}
	// Another host is unaffected.
	if _, err := pool.Acquire(ctx, "b.example.com"); err != nil {
		t.Errorf("other-host acquire failed: %v", err)
	}
}

func TestReleaseWakesWaiterFIFO(t *testing.T) {
	pool := NewPool(testOptions(), nil)
	ctx := context.Background()

	var held []*Identity
	for i := 0; i < pool.Size(); i++ {
		id, err := pool.Acquire(ctx, "example.com")
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		held = append(held, id)
	}

	got := make(chan *Identity, 1)
	go func() {
		id, err := pool.Acquire(ctx, "example.com")
		if err == nil {
			got <- id
		}
	}()
	time.Sleep(20 * time.Millisecond)

	pool.Release("example.com", held[0], OutcomeOK)
	select {
	case id := <-got:
		if id.UserAgent != held[0].UserAgent {
			t.Errorf("waiter got %q, want released identity %q", id.UserAgent, held[0].UserAgent)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woken after release")
	}
}

func TestBadOutcomeCoolsIdentity(t *testing.T) {
	pool := NewPool(Options{
		UserAgents:   []string{"ua-only"},
		HostQPS:      1000,
		HostBurst:    1000,
		AcquireWait:  100 * time.Millisecond,
		CooldownBase: time.Hour,
		CooldownMax:  time.Hour,
	}, nil)
	ctx := context.Background()

	id, err := pool.Acquire(ctx, "example.com")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	pool.Release("example.com", id, OutcomeCaptcha)

	// The only identity is cooling, so acquisition fails.
	if _, err := pool.Acquire(ctx, "example.com"); !errors.Is(err, types.ErrNoIdentityAvailable) {
		t.Errorf("acquire during cooldown = %v, want ErrNoIdentityAvailable", err)
	}

	// Cooldowns are per host.
	if _, err := pool.Acquire(ctx, "other.example.com"); err != nil {
		t.Errorf("other-host acquire failed: %v", err)
	}
}

func TestCooldownGrowsAndIsBounded(t *testing.T) {
	opts := testOptions()
	opts.UserAgents = []string{"ua-only"}
	pool := NewPool(opts, nil)
	now := time.Now()
	pool.now = func() time.Time { return now }

	ctx := context.Background()
	id, _ := pool.Acquire(ctx, "example.com")
	pool.Release("example.com", id, OutcomeThrottled)

	st := pool.states[id.id]
	first := st.coolOff["example.com"].Sub(now)
	if first != opts.CooldownBase {
		t.Errorf("first cooldown = %v, want %v", first, opts.CooldownBase)
	}

	// Drive strikes up; the cooldown doubles then clamps at the max.
	for i := 0; i < 10; i++ {
		st.coolOff["example.com"] = now // allow re-checkout
		id2, err := pool.Acquire(ctx, "example.com")
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		pool.Release("example.com", id2, OutcomeThrottled)
	}
	last := st.coolOff["example.com"].Sub(now)
	if last != opts.CooldownMax {
		t.Errorf("clamped cooldown = %v, want %v", last, opts.CooldownMax)
	}

	// One good outcome clears the strikes.
	st.coolOff["example.com"] = now
	id3, _ := pool.Acquire(ctx, "example.com")
	pool.Release("example.com", id3, OutcomeOK)
	if st.strikes["example.com"] != 0 {
		t.Errorf("strikes after good outcome = %d, want 0", st.strikes["example.com"])
	}
}
