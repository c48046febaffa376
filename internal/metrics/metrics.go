// Package metrics implements the Metrics Collector (C3): a fixed-cadence
// sampler over real host CPU/memory plus queue and worker counters,
// mirrored onto Prometheus collectors for the /metrics surface (§4.3,
// §11.1).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "poppod_queue_size",
		Help: "Current number of queued plus running tasks in the global queue",
	})

	TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poppod_tasks_total",
		Help: "Total tasks transitioned to a terminal or queued state, by status",
	}, []string{"status"})

	WorkersTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poppod_workers_total",
		Help: "Current worker count by status",
	}, []string{"status"})

	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "poppod_host_cpu_percent",
		Help: "Host CPU utilization percentage, averaged across cores",
	})

	MemoryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "poppod_host_memory_percent",
		Help: "Host memory utilization percentage",
	})

	SchedulingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "poppod_scheduling_latency_seconds",
		Help:    "Time taken to choose a project for a dispatch",
		Buckets: prometheus.DefBuckets,
	})

	TasksScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poppod_tasks_scheduled_total",
		Help: "Total number of tasks dispatched to a worker",
	})

	TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poppod_tasks_failed_total",
		Help: "Total number of tasks that terminated in failed",
	})

	ScalingDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poppod_scaling_decisions_total",
		Help: "Total auto-scaler decisions by action",
	}, []string{"action"})

	HealthCheckFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poppod_health_check_failures_total",
		Help: "Total failed health checks by worker id",
	}, []string{"worker_id"})

	ControlPlaneRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poppod_control_plane_requests_total",
		Help: "Total control-plane commands by command and outcome",
	}, []string{"command", "ok"})

	ControlPlaneRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poppod_control_plane_request_duration_seconds",
		Help:    "Control-plane command handling duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	WorkerStartDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "poppod_worker_start_duration_seconds",
		Help:    "Time taken to start a worker process",
		Buckets: prometheus.DefBuckets,
	})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poppod_errors_total",
		Help: "Total recorded errors by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		TasksTotal,
		WorkersTotal,
		CPUPercent,
		MemoryPercent,
		SchedulingLatency,
		TasksScheduled,
		TasksFailed,
		ScalingDecisionsTotal,
		HealthCheckFailures,
		ControlPlaneRequestsTotal,
		ControlPlaneRequestDuration,
		WorkerStartDuration,
		ErrorsTotal,
	)
}

// Handler returns the Prometheus scrape handler, mounted at /metrics by
// the control plane (§4.9, §11.1).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
