package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// RetryPolicy controls backoff for failed attempts.
type RetryPolicy struct {
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
	// MaxAttempts counts retries after the first execution; a work item
	// runs at most MaxAttempts+1 times.
	MaxAttempts int
	// Auth-class failures (Forbidden, Captcha) retry at most AuthAttempts
	// times after AuthCooldown, then go to a human.
	AuthAttempts int
	AuthCooldown time.Duration
}

// Delay computes the backoff before the next attempt, with ±25% jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(d * jitter)
}

// Options configures a Pool.
type Options struct {
	WorkerCount  int
	Queues       []string
	PollInterval time.Duration
	SoftTimeout  time.Duration
	HardTimeout  time.Duration
	Retry        RetryPolicy
}

// OptionsFromConfig reads the worker.* keys.
func OptionsFromConfig() Options {
	return Options{
		WorkerCount:  config.GetInt("worker.count"),
		Queues:       config.GetStringSlice("worker.queues"),
		PollInterval: config.GetDuration("worker.poll-interval"),
		SoftTimeout:  config.GetDuration("worker.soft-timeout"),
		HardTimeout:  config.GetDuration("worker.hard-timeout"),
		Retry: RetryPolicy{
			BaseDelay:   config.GetDuration("worker.retry-base"),
			Factor:      2,
			MaxDelay:    config.GetDuration("worker.retry-max-delay"),
			MaxAttempts: config.GetInt("worker.retry-max-attempts"),
		},
	}
}

// Pool runs N workers over the bound queues until its context ends.
// Shutdown drains: leasing stops, in-flight tasks finish.
type Pool struct {
	registry *Registry
	store    storage.Store
	queue    *queue.Client
	logger   *zap.Logger
	opts     Options
	observer Observer
	progress ProgressFunc
}

// NewPool builds a Pool. observer and progress may be nil.
func NewPool(reg *Registry, store storage.Store, qc *queue.Client, opts Options, logger *zap.Logger, obs Observer, progress ProgressFunc) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if len(opts.Queues) == 0 {
		opts.Queues = types.AllQueues()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = 2 * time.Second
	}
	if opts.Retry.Factor <= 1 {
		opts.Retry.Factor = 2
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = 5 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 5
	}
	if opts.Retry.AuthAttempts <= 0 {
		opts.Retry.AuthAttempts = 2
	}
	if opts.Retry.AuthCooldown <= 0 {
		opts.Retry.AuthCooldown = 10 * time.Minute
	}
	return &Pool{
		registry: reg,
		store:    store,
		queue:    qc,
		logger:   logger,
		opts:     opts,
		observer: obs,
		progress: progress,
	}
}

// Run blocks until ctx ends and all workers drained.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool drained")
	return err
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	log := p.logger.With(zap.String("worker", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w, err := p.queue.Lease(ctx, p.opts.Queues, workerID)
		if err != nil {
			if !errors.Is(err, types.ErrQueueEmpty) && ctx.Err() == nil {
				log.Warn("lease failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		if p.observer != nil {
			p.observer.WorkerBeat(workerID, w.TaskName, w.WorkID)
		}
		p.execute(log, w)
		if p.observer != nil {
			p.observer.WorkerBeat(workerID, "", "")
		}
	}
}

// execute runs one leased work item to a terminal queue decision. The
// task itself runs under a background-derived context so pool shutdown
// drains instead of killing in-flight work.
func (p *Pool) execute(log *zap.Logger, w *types.QueuedWork) {
	handler, ok := p.registry.Resolve(w.TaskName)
	if !ok {
		log.Error("unknown task name, failing terminally", zap.String("task", w.TaskName))
		p.nack(w, fmt.Sprintf("unknown task %q", w.TaskName), 0, true)
		return
	}

	tc := NewTaskContext(w, p.store, p.queue, log.With(zap.String("work_id", w.WorkID)), p.progress)

	taskCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Auto-heartbeat at lease_ttl/3. Losing the lease cancels the task.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		t := time.NewTicker(p.queue.LeaseTTL() / 3)
		defer t.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-t.C:
				if err := tc.Heartbeat(taskCtx); err != nil {
					log.Warn("heartbeat failed, cancelling task",
						zap.String("work_id", w.WorkID), zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	err := handler(taskCtx, tc, w.Args)
	cancel()
	<-hbDone

	p.settle(log, w, err)
}

// settle acks or nacks per the retry policy classification.
func (p *Pool) settle(log *zap.Logger, w *types.QueuedWork, err error) {
	if err == nil {
		if ackErr := p.ack(w); ackErr != nil {
			log.Warn("ack failed", zap.String("work_id", w.WorkID), zap.Error(ackErr))
		}
		return
	}

	switch types.Classify(err) {
	case types.RetryCancelled:
		// Cancelled work is done from the queue's point of view.
		if ackErr := p.ack(w); ackErr != nil {
			log.Warn("ack of cancelled work failed", zap.Error(ackErr))
		}
	case types.RetryNever:
		p.nack(w, err.Error(), 0, true)
	case types.RetryAuth:
		if w.AttemptNo >= p.opts.Retry.AuthAttempts+1 {
			log.Error("auth-class failure exhausted retries, needs manual attention",
				zap.String("work_id", w.WorkID), zap.Error(err))
			p.nack(w, err.Error(), 0, true)
			return
		}
		p.nack(w, err.Error(), p.opts.Retry.AuthCooldown, false)
	default: // RetryTransient
		if w.AttemptNo >= p.opts.Retry.MaxAttempts+1 {
			log.Error("retries exhausted",
				zap.String("work_id", w.WorkID),
				zap.Int("attempts", w.AttemptNo), zap.Error(err))
			p.nack(w, err.Error(), 0, true)
			return
		}
		p.nack(w, err.Error(), p.opts.Retry.Delay(w.AttemptNo), false)
	}
}

func (p *Pool) ack(w *types.QueuedWork) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.queue.Ack(ctx, w)
}

func (p *Pool) nack(w *types.QueuedWork, reason string, delay time.Duration, terminal bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.queue.Nack(ctx, w, reason, delay, terminal); err != nil {
		p.logger.Warn("nack failed", zap.String("work_id", w.WorkID), zap.Error(err))
	}
}

// ArgsError wraps a payload decoding failure so it classifies as
// terminal.
func ArgsError(taskName string, err error) error {
	return &types.ValidationError{Issues: []types.ValidationIssue{{
		Field:    "args",
		Severity: types.SeverityError,
		Code:     "bad_args",
		Message:  fmt.Sprintf("task %s: %v", taskName, err),
	}}}
}

// DecodeArgs unmarshals the task payload, returning a terminal error on
// malformed input.
func DecodeArgs(taskName string, raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return ArgsError(taskName, err)
	}
	return nil
}
