// Package scheduler emits work from named schedule entries: fixed
// intervals with jitter, cron expressions in a declared timezone, and
// one-shot delayed fires. At most one scheduler instance fires at a time,
// enforced by a leader lease in the store; others keep retrying
// acquisition and take over when the lease lapses.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// leaseName is the singleton lease row guarding fire emission.
const leaseName = "scheduler"

// Options configures the scheduler loop.
type Options struct {
	LeaderTTL time.Duration
	Tick      time.Duration
	HolderID  string
}

// OptionsFromConfig reads the scheduler.* keys.
func OptionsFromConfig() Options {
	return Options{
		LeaderTTL: config.GetDuration("scheduler.leader-ttl"),
		Tick:      config.GetDuration("scheduler.tick"),
	}
}

// Scheduler drives schedule entries while holding the leader lease.
type Scheduler struct {
	store  storage.Store
	queue  *queue.Client
	logger *zap.Logger
	opts   Options
	parser cron.Parser
	now    func() time.Time
}

// New builds a Scheduler. HolderID defaults to hostname+uuid so two
// processes on one machine stay distinct.
func New(store storage.Store, qc *queue.Client, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LeaderTTL <= 0 {
		opts.LeaderTTL = 30 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.HolderID == "" {
		host, _ := os.Hostname()
		opts.HolderID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Scheduler{
		store:  store,
		queue:  qc,
		logger: logger,
		opts:   opts,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:    time.Now,
	}
}

// Run acquires leadership and fires due schedules until ctx ends.
// Followers retry acquisition every lease TTL.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.store.ReleaseLeader(context.Background(), leaseName, s.opts.HolderID)

	renewEvery := s.opts.LeaderTTL / 3
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	leader := false
	lastRenew := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := s.now().UTC()

		if !leader {
			ok, err := s.store.AcquireLeader(ctx, leaseName, s.opts.HolderID, s.opts.LeaderTTL, now)
			if err != nil {
				s.logger.Warn("leader acquisition failed", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			leader = true
			lastRenew = now
			s.logger.Info("scheduler leadership acquired",
				zap.String("holder", s.opts.HolderID))
		} else if now.Sub(lastRenew) >= renewEvery {
			if err := s.store.RenewLeader(ctx, leaseName, s.opts.HolderID, s.opts.LeaderTTL, now); err != nil {
				s.logger.Warn("leadership lost", zap.Error(err))
				leader = false
				continue
			}
			lastRenew = now
		}

		if err := s.fireDue(ctx, now); err != nil {
			s.logger.Error("schedule pass failed", zap.Error(err))
		}
		if _, err := s.queue.ReapExpired(ctx); err != nil {
			s.logger.Warn("lease reap failed", zap.Error(err))
		}
	}
}

// fireDue runs one scheduling pass: fire every enabled entry whose
// next_fire has passed, then advance it. Missed cron fires coalesce
// because the next fire is computed from now, not from the missed slot.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		if sch.NextFire == nil {
			// Fresh entry: plant the first fire without firing.
			next, err := s.nextFire(sch, now)
			if err != nil {
				s.logger.Warn("bad schedule entry",
					zap.String("name", sch.Name), zap.Error(err))
				continue
			}
			sch.NextFire = &next
			if err := s.store.UpsertSchedule(ctx, sch); err != nil {
				return err
			}
			continue
		}
		if sch.NextFire.After(now) {
			continue
		}
		if err := s.fire(ctx, sch, now); err != nil {
			s.logger.Error("schedule fire failed",
				zap.String("name", sch.Name), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sch *types.Schedule, now time.Time) error {
	paused, err := s.queue.Paused(ctx, sch.Queue)
	if err == nil && paused {
		// Backpressure: hold the fire; it stays due for the next pass.
		return nil
	}

	var args interface{}
	if len(sch.Args) > 0 {
		args = json.RawMessage(sch.Args)
	}
	workID, err := s.queue.Enqueue(ctx, sch.TaskName, args, sch.Queue, sch.Priority, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", sch.TaskName, err)
	}
	s.logger.Info("schedule fired",
		zap.String("name", sch.Name),
		zap.String("task", sch.TaskName),
		zap.String("work_id", workID))

	if sch.Kind == types.ScheduleDelayed {
		// One-shot: remove after firing.
		if err := s.store.DeleteSchedule(ctx, sch.Name); err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		return nil
	}

	next, err := s.nextFire(sch, now)
	if err != nil {
		return err
	}
	return s.store.MarkFired(ctx, sch.Name, now, next)
}

// nextFire computes the fire after now for an entry.
func (s *Scheduler) nextFire(sch *types.Schedule, now time.Time) (time.Time, error) {
	switch sch.Kind {
	case types.ScheduleInterval:
		if sch.Interval <= 0 {
			return time.Time{}, fmt.Errorf("schedule %s: interval must be positive", sch.Name)
		}
		jitter := sch.Jitter
		if max := sch.Interval / 4; jitter > max {
			jitter = max
		}
		d := sch.Interval
		if jitter > 0 {
			d += time.Duration(rand.Int63n(int64(2*jitter))) - jitter
		}
		return now.Add(d), nil
	case types.ScheduleCron:
		expr, err := s.parser.Parse(sch.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule %s: bad cron expr: %w", sch.Name, err)
		}
		loc := time.UTC
		if sch.Timezone != "" {
			if l, err := time.LoadLocation(sch.Timezone); err == nil {
				loc = l
			} else {
				s.logger.Warn("unknown schedule timezone, using UTC",
					zap.String("name", sch.Name), zap.String("tz", sch.Timezone))
			}
		}
		return expr.Next(now.In(loc)).UTC(), nil
	case types.ScheduleDelayed:
		if sch.At == nil {
			return time.Time{}, fmt.Errorf("schedule %s: delayed entry without at", sch.Name)
		}
		return sch.At.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("schedule %s: unknown kind %q", sch.Name, sch.Kind)
}

// DefaultSchedules are installed by `msync init`: a daily full product
// sync and a periodic health check.
func DefaultSchedules() []*types.Schedule {
	return []*types.Schedule{
		{
			Name:     "sync_products_daily",
			Kind:     types.ScheduleCron,
			TaskName: "sync.products",
			Queue:    types.QueueDataSync,
			Priority: types.PriorityNormal,
			CronExpr: "0 2 * * *",
			Timezone: "Asia/Shanghai",
			Enabled:  true,
		},
		{
			Name:     "health_check",
			Kind:     types.ScheduleInterval,
			TaskName: "health.check",
			Queue:    types.QueueDefault,
			Priority: types.PriorityLow,
			Interval: 5 * time.Minute,
			Jitter:   30 * time.Second,
			Enabled:  true,
		},
		{
			Name:     "image_cleanup_weekly",
			Kind:     types.ScheduleCron,
			TaskName: "image.cleanup_orphans",
			Queue:    types.QueueImage,
			Priority: types.PriorityLow,
			CronExpr: "0 4 * * 0",
			Timezone: "Asia/Shanghai",
			Enabled:  true,
		},
	}
}
