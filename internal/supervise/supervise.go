// Package supervise aggregates worker heartbeats, queue depths and task
// outcomes into a health view. It feeds the prometheus registry, answers
// the status surfaces (/health, msync status) and pushes threshold
// crossings onto the events hub as system_status events.
package supervise

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/events"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/types"
)

// Options configures a Monitor.
type Options struct {
	// StallThreshold is how long a busy worker may go without a
	// heartbeat before it counts as stalled.
	StallThreshold time.Duration
	// ErrorWindow and ErrorRateThreshold bound the per-task failure-rate
	// alarm: the alarm raises when failures/total over the window exceed
	// the threshold, with at least ErrorMinSamples outcomes observed.
	ErrorWindow        time.Duration
	ErrorRateThreshold float64
	ErrorMinSamples    int
	// DepthPoll is the queue depth sampling interval for Watch.
	DepthPoll time.Duration
}

// OptionsFromConfig reads the supervise.* keys.
func OptionsFromConfig() Options {
	return Options{
		StallThreshold:     config.GetDuration("supervise.stall-threshold"),
		ErrorWindow:        config.GetDuration("supervise.error-window"),
		ErrorRateThreshold: config.GetFloat64("supervise.error-rate-threshold"),
		ErrorMinSamples:    config.GetInt("supervise.error-min-samples"),
		DepthPoll:          config.GetDuration("supervise.depth-poll"),
	}
}

// WorkerStatus is one worker's latest heartbeat.
type WorkerStatus struct {
	WorkerID string    `json:"worker_id"`
	LastBeat time.Time `json:"last_beat"`
	TaskName string    `json:"task_name,omitempty"`
	WorkID   string    `json:"work_id,omitempty"`
}

// Snapshot is the aggregate health view at one instant.
type Snapshot struct {
	GeneratedAt    time.Time          `json:"generated_at"`
	Workers        []WorkerStatus     `json:"workers"`
	ActiveWorkers  int                `json:"active_workers"`
	StalledWorkers int                `json:"stalled_workers"`
	QueueDepths    map[string]int     `json:"queue_depths"`
	PausedQueues   []string           `json:"paused_queues,omitempty"`
	ErrorRates     map[string]float64 `json:"error_rates,omitempty"`
}

type outcome struct {
	at     time.Time
	failed bool
}

type taskWindow struct {
	outcomes []outcome
	alarmed  bool
}

// Monitor is the supervision hub. It implements worker.Observer so the
// pool's middleware reports through it, and Watch drives the periodic
// queue depth sampling.
type Monitor struct {
	queue   *queue.Client
	hub     *events.Hub
	logger  *zap.Logger
	opts    Options
	metrics *metrics

	mu      sync.Mutex
	workers map[string]*WorkerStatus
	windows map[string]*taskWindow
	depths  map[string]int
	paused  map[string]bool
}

// New builds a Monitor. hub may be nil; collectors register on reg.
func New(qc *queue.Client, hub *events.Hub, opts Options, logger *zap.Logger, reg registerer) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 2 * time.Minute
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = 5 * time.Minute
	}
	if opts.ErrorRateThreshold <= 0 {
		opts.ErrorRateThreshold = 0.5
	}
	if opts.ErrorMinSamples <= 0 {
		opts.ErrorMinSamples = 10
	}
	if opts.DepthPoll <= 0 {
		opts.DepthPoll = 15 * time.Second
	}
	return &Monitor{
		queue:   qc,
		hub:     hub,
		logger:  logger,
		opts:    opts,
		metrics: newMetrics(reg),
		workers: make(map[string]*WorkerStatus),
		windows: make(map[string]*taskWindow),
		depths:  make(map[string]int),
		paused:  make(map[string]bool),
	}
}

// TaskDone records one task outcome. Part of worker.Observer.
func (m *Monitor) TaskDone(task, result string, duration time.Duration) {
	m.metrics.tasksTotal.WithLabelValues(task, result).Inc()
	m.metrics.taskDuration.WithLabelValues(task).Observe(duration.Seconds())

	failed := result != "success" && result != "cancelled"

	m.mu.Lock()
	w := m.windows[task]
	if w == nil {
		w = &taskWindow{}
		m.windows[task] = w
	}
	now := time.Now()
	w.outcomes = append(w.outcomes, outcome{at: now, failed: failed})
	w.trim(now.Add(-m.opts.ErrorWindow))
	rate, samples := w.rate()
	crossed := false
	cleared := false
	if samples >= m.opts.ErrorMinSamples {
		if rate > m.opts.ErrorRateThreshold && !w.alarmed {
			w.alarmed = true
			crossed = true
		} else if rate <= m.opts.ErrorRateThreshold && w.alarmed {
			w.alarmed = false
			cleared = true
		}
	}
	m.mu.Unlock()

	if crossed {
		m.logger.Warn("task error rate over threshold",
			zap.String("task", task), zap.Float64("rate", rate))
		m.emit("error_rate_high", map[string]interface{}{
			"task": task, "rate": rate, "window": m.opts.ErrorWindow.String(),
		})
	}
	if cleared {
		m.emit("error_rate_recovered", map[string]interface{}{
			"task": task, "rate": rate,
		})
	}
}

// WorkerBeat records a worker heartbeat. An empty task marks the worker
// idle. Part of worker.Observer.
func (m *Monitor) WorkerBeat(workerID, task, workID string) {
	m.mu.Lock()
	m.workers[workerID] = &WorkerStatus{
		WorkerID: workerID,
		LastBeat: time.Now(),
		TaskName: task,
		WorkID:   workID,
	}
	m.metrics.workersActive.Set(float64(len(m.workers)))
	m.mu.Unlock()
}

// RecordFetch counts one fetch by outcome label. Wired as the fetcher's
// observer.
func (m *Monitor) RecordFetch(host, outcome string) {
	m.metrics.fetchRequests.WithLabelValues(outcome).Inc()
}

// recordRun folds a finished run's counters into the processed totals.
func (m *Monitor) recordRun(run *types.SyncRun) {
	if run == nil {
		return
	}
	m.metrics.recordsProcessed.WithLabelValues("success").Add(float64(run.Counters.Success))
	m.metrics.recordsProcessed.WithLabelValues("failed").Add(float64(run.Counters.Failed))
	m.metrics.recordsProcessed.WithLabelValues("skipped").Add(float64(run.Counters.Skipped))
}

// Snapshot returns the current aggregate view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		GeneratedAt: now,
		QueueDepths: make(map[string]int, len(m.depths)),
		ErrorRates:  make(map[string]float64),
	}
	for q, d := range m.depths {
		snap.QueueDepths[q] = d
	}
	for q, p := range m.paused {
		if p {
			snap.PausedQueues = append(snap.PausedQueues, q)
		}
	}
	sort.Strings(snap.PausedQueues)

	for _, w := range m.workers {
		snap.Workers = append(snap.Workers, *w)
		if now.Sub(w.LastBeat) <= m.opts.StallThreshold {
			snap.ActiveWorkers++
		} else if w.TaskName != "" {
			snap.StalledWorkers++
		}
	}
	sort.Slice(snap.Workers, func(i, j int) bool {
		return snap.Workers[i].WorkerID < snap.Workers[j].WorkerID
	})

	for task, w := range m.windows {
		w.trim(now.Add(-m.opts.ErrorWindow))
		if rate, samples := w.rate(); samples > 0 {
			snap.ErrorRates[task] = rate
		}
	}
	return snap
}

// Watch samples queue depths and consumes finished-run events until ctx
// ends. Backpressure transitions and stalled workers raise system_status
// events.
func (m *Monitor) Watch(ctx context.Context) {
	var runs *events.Subscriber
	var runC <-chan events.Event
	if m.hub != nil {
		runs = m.hub.Subscribe(events.ChannelSyncCompleted, events.ChannelSyncFailed)
		defer m.hub.Unsubscribe(runs)
		runC = runs.C()
	}

	t := time.NewTicker(m.opts.DepthPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-runC:
			if !ok {
				runC = nil
				continue
			}
			var run types.SyncRun
			if err := json.Unmarshal(ev.Payload, &run); err == nil {
				m.recordRun(&run)
			}
		case <-t.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	depths, err := m.queue.Depths(ctx)
	if err != nil {
		m.logger.Warn("queue depth sample failed", zap.Error(err))
		return
	}

	type transition struct {
		queue  string
		paused bool
		depth  int
	}
	var transitions []transition
	stalled := 0

	m.mu.Lock()
	for _, q := range types.AllQueues() {
		d := depths[q]
		m.depths[q] = d
		m.metrics.queueDepth.WithLabelValues(q).Set(float64(d))
		p, perr := m.queue.Paused(ctx, q)
		if perr != nil {
			continue
		}
		if p != m.paused[q] {
			m.paused[q] = p
			transitions = append(transitions, transition{queue: q, paused: p, depth: d})
		}
	}
	now := time.Now()
	for _, w := range m.workers {
		if w.TaskName != "" && now.Sub(w.LastBeat) > m.opts.StallThreshold {
			stalled++
		}
	}
	m.mu.Unlock()

	for _, tr := range transitions {
		kind := "backpressure_released"
		if tr.paused {
			kind = "backpressure_engaged"
			m.logger.Warn("queue over high-water mark",
				zap.String("queue", tr.queue), zap.Int("depth", tr.depth))
		}
		m.emit(kind, map[string]interface{}{"queue": tr.queue, "depth": tr.depth})
	}
	if stalled > 0 {
		m.emit("workers_stalled", map[string]interface{}{"count": stalled})
	}
}

func (m *Monitor) emit(kind string, detail map[string]interface{}) {
	if m.hub == nil {
		return
	}
	payload := map[string]interface{}{"kind": kind}
	for k, v := range detail {
		payload[k] = v
	}
	m.hub.Publish(events.ChannelSystemStatus, "", payload)
}

func (w *taskWindow) trim(cutoff time.Time) {
	i := 0
	for i < len(w.outcomes) && w.outcomes[i].at.Before(cutoff) {
		i++
	}
	w.outcomes = w.outcomes[i:]
}

func (w *taskWindow) rate() (float64, int) {
	if len(w.outcomes) == 0 {
		return 0, 0
	}
	failed := 0
	for _, o := range w.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.outcomes)), len(w.outcomes)
}
