// Package identity manages the pool of fetch identities: (user-agent,
// optional proxy) tuples with per-host rate limits and cooldowns. The
// fetcher acquires an identity before every request and reports the
// outcome back so misbehaving identities cool off.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/types"
)

// Outcome reports how a request with an identity went.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBlocked
	OutcomeCaptcha
	OutcomeThrottled
	OutcomeServerError
)

// bad outcomes trigger an identity cooldown for the host.
func (o Outcome) bad() bool { return o != OutcomeOK }

// Identity is one fetch persona. Cookies live on the identity so a host
// sees a consistent session across requests.
type Identity struct {
	UserAgent string
	ProxyURL  string

	id int
}

// Options configures a Pool. Zero values fall back to the config file.
type Options struct {
	UserAgents   []string
	Proxies      []string
	HostQPS      float64
	HostBurst    int
	AcquireWait  time.Duration
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// OptionsFromConfig reads the fetch.* keys.
func OptionsFromConfig() Options {
	return Options{
		UserAgents:   config.GetStringSlice("fetch.user-agents"),
		Proxies:      config.GetStringSlice("fetch.proxies"),
		HostQPS:      config.GetFloat64("fetch.host-qps"),
		HostBurst:    config.GetInt("fetch.host-burst"),
		AcquireWait:  config.GetDuration("fetch.acquire-wait"),
		CooldownBase: config.GetDuration("fetch.cooldown-base"),
		CooldownMax:  config.GetDuration("fetch.cooldown-max"),
	}
}

// defaultUserAgents covers common desktop browsers. Used when the config
// provides none.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:126.0) Gecko/20100101 Firefox/126.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
}

// identityState tracks per-host penalty for one identity.
type identityState struct {
	identity *Identity
	inUse    map[string]bool      // host -> checked out
	coolOff  map[string]time.Time // host -> cooldown expiry
	strikes  map[string]int       // host -> consecutive bad outcomes
}

type waiter struct {
	ready chan *Identity
}

// Pool hands out identities per host, FIFO fair across waiters, honoring
// per-host token buckets and per-identity cooldowns.
type Pool struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	states   []*identityState
	nextPick int // rotation cursor
	limiters map[string]*rate.Limiter
	waiters  map[string][]*waiter // host -> FIFO queue
}

// NewPool builds a pool from options. With no configured user agents the
// built-in browser set is used; with no proxies every identity is direct.
func NewPool(opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	uas := opts.UserAgents
	if len(uas) == 0 {
		uas = defaultUserAgents
	}
	if opts.HostQPS <= 0 {
		opts.HostQPS = 2.0
	}
	if opts.HostBurst <= 0 {
		opts.HostBurst = 4
	}
	if opts.AcquireWait <= 0 {
		opts.AcquireWait = 30 * time.Second
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 30 * time.Second
	}
	if opts.CooldownMax <= 0 {
		opts.CooldownMax = 30 * time.Minute
	}

	p := &Pool{
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		waiters:  make(map[string][]*waiter),
	}

	// Cross user agents with proxies. No proxies means one direct
	// identity per user agent.
	id := 0
	proxies := opts.Proxies
	if len(proxies) == 0 {
		proxies = []string{""}
	}
	for _, proxy := range proxies {
		for _, ua := range uas {
			p.states = append(p.states, &identityState{
				identity: &Identity{UserAgent: ua, ProxyURL: proxy, id: id},
				inUse:    make(map[string]bool),
				coolOff:  make(map[string]time.Time),
				strikes:  make(map[string]int),
			})
			id++
		}
	}
	return p
}

// Size reports how many identities the pool holds.
func (p *Pool) Size() int { return len(p.states) }

func (p *Pool) limiter(host string) *rate.Limiter {
	if l, ok := p.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.opts.HostQPS), p.opts.HostBurst)
	p.limiters[host] = l
	return l
}

// Acquire returns an identity for the host, waiting for the per-host rate
// limit and for an identity that is neither checked out nor cooling down.
// Waiters are served FIFO per host. When the bounded wait elapses it
// returns ErrNoIdentityAvailable.
func (p *Pool) Acquire(ctx context.Context, host string) (*Identity, error) {
	deadline := p.now().Add(p.opts.AcquireWait)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	p.mu.Lock()
	limiter := p.limiter(host)
	var id *Identity
	if len(p.waiters[host]) == 0 {
		id = p.tryCheckoutLocked(host)
	}
	if id == nil {
		w := &waiter{ready: make(chan *Identity, 1)}
		p.waiters[host] = append(p.waiters[host], w)
		p.mu.Unlock()

		select {
		case id = <-w.ready:
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiterLocked(host, w)
			p.mu.Unlock()
			// A release may have raced the timeout.
			select {
			case id = <-w.ready:
			default:
				return nil, fmt.Errorf("%w: host %s", types.ErrNoIdentityAvailable, host)
			}
		}
	} else {
		p.mu.Unlock()
	}

	if err := limiter.Wait(ctx); err != nil {
		p.checkin(host, id)
		return nil, fmt.Errorf("%w: host %s", types.ErrNoIdentityAvailable, host)
	}
	return id, nil
}

// tryCheckoutLocked picks the next identity that is free for the host.
// Rotation spreads load across the pool.
func (p *Pool) tryCheckoutLocked(host string) *Identity {
	now := p.now()
	n := len(p.states)
	for i := 0; i < n; i++ {
		st := p.states[(p.nextPick+i)%n]
		if st.inUse[host] {
			continue
		}
		if until, ok := st.coolOff[host]; ok && until.After(now) {
			continue
		}
		st.inUse[host] = true
		p.nextPick = (p.nextPick + i + 1) % n
		return st.identity
	}
	return nil
}

func (p *Pool) removeWaiterLocked(host string, target *waiter) {
	q := p.waiters[host]
	for i, w := range q {
		if w == target {
			p.waiters[host] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// checkin returns an identity without an outcome (acquire aborted).
func (p *Pool) checkin(host string, id *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[id.id].inUse[host] = false
	p.wakeLocked(host)
}

// Release reports the outcome of a request made with the identity. Bad
// outcomes apply an exponential cooldown bounded by cooldown-max; a good
// outcome clears the strike count.
func (p *Pool) Release(host string, id *Identity, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.states[id.id]
	st.inUse[host] = false

	if outcome.bad() {
		st.strikes[host]++
		cooldown := p.opts.CooldownBase << (st.strikes[host] - 1)
		if cooldown > p.opts.CooldownMax || cooldown <= 0 {
			cooldown = p.opts.CooldownMax
		}
		st.coolOff[host] = p.now().Add(cooldown)
		p.logger.Warn("identity cooling down",
			zap.String("host", host),
			zap.Int("identity", id.id),
			zap.Int("strikes", st.strikes[host]),
			zap.Duration("cooldown", cooldown))
	} else {
		st.strikes[host] = 0
		delete(st.coolOff, host)
	}

	p.wakeLocked(host)
}

// wakeLocked hands a free identity to the oldest waiter, if any.
func (p *Pool) wakeLocked(host string) {
	q := p.waiters[host]
	if len(q) == 0 {
		return
	}
	id := p.tryCheckoutLocked(host)
	if id == nil {
		return
	}
	w := q[0]
	p.waiters[host] = q[1:]
	w.ready <- id
}
