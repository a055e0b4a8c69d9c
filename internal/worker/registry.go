// Package worker runs queued tasks: a registry maps symbolic task names
// to handlers, middleware composes cross-cutting behavior around each
// handler at registration time, and a pool of workers leases, executes
// and acknowledges work per the retry policy.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/types"
)

// Handler executes one task. Args are the raw JSON payload from the
// queue; the TaskContext provides progress, checkpoints, cancellation
// and heartbeats.
type Handler func(ctx context.Context, tc *TaskContext, args json.RawMessage) error

// Middleware wraps a handler with cross-cutting behavior.
type Middleware func(name string, next Handler) Handler

// Registry maps task names to handlers. Middleware passed to New is
// composed around every handler at registration, outermost first.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

// NewRegistry builds a registry with the middleware chain.
func NewRegistry(middleware ...Middleware) *Registry {
	return &Registry{
		handlers:   make(map[string]Handler),
		middleware: middleware,
	}
}

// Register adds a handler under a task name. Duplicate names panic:
// registration happens once at startup and a collision is a programming
// error.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("worker: task %q registered twice", name))
	}
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](name, h)
	}
	r.handlers[name] = h
}

// Resolve looks a handler up by task name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Recover converts handler panics into errors so one bad task cannot
// take a worker down.
func Recover(logger *zap.Logger) Middleware {
	return func(name string, next Handler) Handler {
		return func(ctx context.Context, tc *TaskContext, args json.RawMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("task panicked",
						zap.String("task", name),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					err = fmt.Errorf("task %s panicked: %v", name, r)
				}
			}()
			return next(ctx, tc, args)
		}
	}
}

// Logging logs task start and completion with duration.
func Logging(logger *zap.Logger) Middleware {
	return func(name string, next Handler) Handler {
		return func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
			start := time.Now()
			logger.Info("task started",
				zap.String("task", name), zap.String("work_id", tc.WorkID()))
			err := next(ctx, tc, args)
			f := []zap.Field{
				zap.String("task", name),
				zap.String("work_id", tc.WorkID()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("task failed", append(f, zap.Error(err))...)
			} else {
				logger.Info("task completed", f...)
			}
			return err
		}
	}
}

// Observer receives task outcomes, e.g. for prometheus counters.
type Observer interface {
	TaskDone(task, result string, duration time.Duration)
	WorkerBeat(workerID, task, workID string)
}

// Metrics reports task outcomes to an observer.
func Metrics(obs Observer) Middleware {
	return func(name string, next Handler) Handler {
		return func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
			start := time.Now()
			err := next(ctx, tc, args)
			if obs != nil {
				result := "success"
				if err != nil {
					result = resultLabel(err)
				}
				obs.TaskDone(name, result, time.Since(start))
			}
			return err
		}
	}
}

func resultLabel(err error) string {
	switch types.Classify(err) {
	case types.RetryCancelled:
		return "cancelled"
	case types.RetryNever:
		return "terminal"
	default:
		return "retryable"
	}
}

// Timeout enforces the soft timeout through the context and abandons the
// handler at the hard timeout. An abandoned handler goroutine keeps
// running until it observes its context; its lease simply lapses.
func Timeout(soft, hard time.Duration) Middleware {
	return func(name string, next Handler) Handler {
		return func(ctx context.Context, tc *TaskContext, args json.RawMessage) error {
			if soft > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, soft)
				defer cancel()
			}
			if hard <= 0 {
				return next(ctx, tc, args)
			}

			done := make(chan error, 1)
			go func() { done <- next(ctx, tc, args) }()
			select {
			case err := <-done:
				return err
			case <-time.After(hard):
				return fmt.Errorf("task %s exceeded hard timeout %v", name, hard)
			}
		}
	}
}
