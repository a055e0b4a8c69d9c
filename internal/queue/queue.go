// Package queue is the durable work queue client over the storage port.
// It owns work and lease token generation, and tracks per-queue
// backpressure against high/low-water marks so producers can pause
// fan-out while consumers drain.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// Options configures the client.
type Options struct {
	HighWater int
	LowWater  int
	LeaseTTL  time.Duration
}

// OptionsFromConfig reads the queue.* and worker.* keys.
func OptionsFromConfig() Options {
	return Options{
		HighWater: config.GetInt("queue.high-water"),
		LowWater:  config.GetInt("queue.low-water"),
		LeaseTTL:  config.GetDuration("worker.lease-ttl"),
	}
}

// Client is the durable queue facade used by the scheduler, workers and
// sync coordinators.
type Client struct {
	store  storage.Store
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	paused map[string]bool // backpressure latch per queue
}

// New builds a Client.
func New(store storage.Store, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HighWater <= 0 {
		opts.HighWater = 10000
	}
	if opts.LowWater <= 0 || opts.LowWater >= opts.HighWater {
		opts.LowWater = opts.HighWater / 2
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	return &Client{
		store:  store,
		opts:   opts,
		logger: logger,
		paused: make(map[string]bool),
	}
}

// LeaseTTL exposes the configured lease duration for heartbeat cadence.
func (c *Client) LeaseTTL() time.Duration { return c.opts.LeaseTTL }

// Enqueue adds work. Args must JSON-encode. Returns the work id.
func (c *Client) Enqueue(ctx context.Context, taskName string, args interface{}, queueName string, priority types.Priority, notBefore time.Time) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode task args: %w", err)
	}
	w := &types.QueuedWork{
		WorkID:    uuid.NewString(),
		TaskName:  taskName,
		Args:      payload,
		Queue:     queueName,
		Priority:  priority,
		NotBefore: notBefore,
	}
	if err := c.store.EnqueueWork(ctx, w); err != nil {
		return "", err
	}
	return w.WorkID, nil
}

// Lease claims the next eligible work item from the bound queues with a
// fresh lease token. Returns ErrQueueEmpty when nothing is eligible.
func (c *Client) Lease(ctx context.Context, queues []string, workerID string) (*types.QueuedWork, error) {
	now := time.Now().UTC()
	return c.store.LeaseWork(ctx, queues, workerID, uuid.NewString(), now.Add(c.opts.LeaseTTL), now)
}

// Extend pushes the lease deadline out by another lease TTL.
func (c *Client) Extend(ctx context.Context, w *types.QueuedWork) error {
	return c.store.ExtendLease(ctx, w.WorkID, w.LeaseToken, time.Now().UTC().Add(c.opts.LeaseTTL))
}

// Ack removes completed work.
func (c *Client) Ack(ctx context.Context, w *types.QueuedWork) error {
	return c.store.AckWork(ctx, w.WorkID, w.LeaseToken)
}

// Nack returns the work for retry after delay, or marks it terminally
// failed.
func (c *Client) Nack(ctx context.Context, w *types.QueuedWork, reason string, delay time.Duration, terminal bool) error {
	return c.store.NackWork(ctx, w.WorkID, w.LeaseToken, reason,
		time.Now().UTC().Add(delay), terminal)
}

// ReapExpired returns expired leases to pending and reports the count.
func (c *Client) ReapExpired(ctx context.Context) (int, error) {
	return c.store.ReapExpired(ctx, time.Now().UTC())
}

// Depths reports pending+leased counts per queue.
func (c *Client) Depths(ctx context.Context) (map[string]int, error) {
	return c.store.QueueDepths(ctx)
}

// Paused reports whether producers should hold fan-out into the queue.
// The latch sets at the high-water mark and clears at the low-water
// mark, so producers do not flap around a single threshold.
func (c *Client) Paused(ctx context.Context, queueName string) (bool, error) {
	depths, err := c.store.QueueDepths(ctx)
	if err != nil {
		return false, err
	}
	depth := depths[queueName]

	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.paused[queueName]
	switch {
	case !was && depth >= c.opts.HighWater:
		c.paused[queueName] = true
		c.logger.Warn("queue backpressure engaged",
			zap.String("queue", queueName), zap.Int("depth", depth))
	case was && depth <= c.opts.LowWater:
		c.paused[queueName] = false
		c.logger.Info("queue backpressure released",
			zap.String("queue", queueName), zap.Int("depth", depth))
	}
	return c.paused[queueName], nil
}
