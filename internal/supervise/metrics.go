package supervise

import "github.com/prometheus/client_golang/prometheus"

// registerer is the slice of prometheus.Registerer the monitor needs;
// nil means metrics are kept but never scraped (tests).
type registerer interface {
	MustRegister(...prometheus.Collector)
}

type metrics struct {
	queueDepth       *prometheus.GaugeVec
	workersActive    prometheus.Gauge
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	fetchRequests    *prometheus.CounterVec
	recordsProcessed *prometheus.CounterVec
}

func newMetrics(reg registerer) *metrics {
	m := &metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msync_queue_depth",
			Help: "Pending plus leased work items per queue.",
		}, []string{"queue"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msync_workers_active",
			Help: "Workers that have reported a heartbeat.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msync_tasks_total",
			Help: "Task executions by terminal result.",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "msync_task_duration_seconds",
			Help:    "Task handler wall time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 3, 10),
		}, []string{"task"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msync_fetch_requests_total",
			Help: "Source fetches by outcome.",
		}, []string{"outcome"}),
		recordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msync_records_processed_total",
			Help: "Records handled by finished sync runs.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.workersActive, m.tasksTotal,
			m.taskDuration, m.fetchRequests, m.recordsProcessed)
	}
	return m
}
