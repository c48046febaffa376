package metrics

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/log"
)

// QueueStatsFunc supplies the current task-queue snapshot on demand.
type QueueStatsFunc func() domain.TaskQueueSnapshot

// WorkerStatsFunc supplies the current worker-count snapshot on demand.
type WorkerStatsFunc func() domain.WorkerStatsSnapshot

// Config controls the collector's sampling cadence and retention (§4.3).
type Config struct {
	CollectionInterval time.Duration
	HistorySize        int
	AggregationWindow   int // number of trailing samples
}

// DefaultConfig matches §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		CollectionInterval: 10 * time.Second,
		HistorySize:        60,
		AggregationWindow:  5,
	}
}

// ErrorRecord is one entry in the error-by-type/severity ledger.
type ErrorRecord struct {
	Type      string
	Severity  string
	Context   string
	Timestamp time.Time
}

// PerformanceRecord is one entry in the per-operation throughput ledger.
type PerformanceRecord struct {
	Op        string
	Duration  time.Duration
	Success   bool
	Timestamp time.Time
}

// Aggregated is the result of get_aggregated_metrics() (§4.3).
type Aggregated struct {
	CPUAveragePerCore []float64
	CPUAverageOverall float64
	MemoryLatest      float64
	MemoryWindowAvg   float64
	TaskQueueLatest   domain.TaskQueueSnapshot
	TaskQueueWindow   struct{ Completed, Failed int }
	WorkerCounts      domain.WorkerStatsSnapshot
	ErrorsByType      map[string]int
	ErrorsBySeverity  map[string]int
	OpThroughput      map[string]OpStats
}

// OpStats is the per-operation success-rate/throughput summary.
type OpStats struct {
	Count       int
	Successes   int
	AverageTime time.Duration
}

// Collector is the Metrics Collector component (C3).
type Collector struct {
	cfg         Config
	queueStats  QueueStatsFunc
	workerStats WorkerStatsFunc

	mu      sync.Mutex
	samples []domain.MetricSample
	errors  []ErrorRecord
	perfs   []PerformanceRecord

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Collector. queueStatsFn/workerStatsFn are called once
// per tick; they must return quickly and must not block on the queue or
// worker-pool locks for long.
func New(cfg Config, queueStatsFn QueueStatsFunc, workerStatsFn WorkerStatsFunc) *Collector {
	if cfg.CollectionInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Collector{
		cfg:         cfg,
		queueStats:  queueStatsFn,
		workerStats: workerStatsFn,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the sampling ticker.
func (c *Collector) Start() {
	go c.run()
}

// Stop stops the sampling ticker and waits for the loop to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.CollectionInterval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-c.stopCh:
			return
		}
	}
}

// sample appends exactly one MetricSample per tick (§4.3 invariant).
func (c *Collector) sample() {
	cores, err := cpu.Percent(0, true)
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("cpu sample failed")
		cores = nil
	}
	overall := average(cores)

	memPercent := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	} else {
		log.WithComponent("metrics").Warn().Err(err).Msg("memory sample failed")
	}

	var qs domain.TaskQueueSnapshot
	if c.queueStats != nil {
		qs = c.queueStats()
	}
	var ws domain.WorkerStatsSnapshot
	if c.workerStats != nil {
		ws = c.workerStats()
	}

	s := domain.MetricSample{
		Timestamp:     time.Now(),
		CPUCores:      cores,
		CPUAverage:    overall,
		MemoryPercent: memPercent,
		TaskQueue:     qs,
		WorkerStats:   ws,
	}

	CPUPercent.Set(overall)
	MemoryPercent.Set(memPercent)
	QueueSize.Set(float64(qs.Size))
	WorkersTotal.WithLabelValues("total").Set(float64(ws.Total))
	WorkersTotal.WithLabelValues("active").Set(float64(ws.Active))
	WorkersTotal.WithLabelValues("idle").Set(float64(ws.Idle))

	c.mu.Lock()
	c.samples = append(c.samples, s)
	if len(c.samples) > c.cfg.HistorySize {
		c.samples = c.samples[len(c.samples)-c.cfg.HistorySize:]
	}
	c.mu.Unlock()
}

// RecordError appends an error to the error ledger (record_error).
func (c *Collector) RecordError(errType, severity, context string) {
	c.mu.Lock()
	c.errors = append(c.errors, ErrorRecord{Type: errType, Severity: severity, Context: context, Timestamp: time.Now()})
	if len(c.errors) > c.cfg.HistorySize*2 {
		c.errors = c.errors[len(c.errors)-c.cfg.HistorySize*2:]
	}
	c.mu.Unlock()
	ErrorsTotal.WithLabelValues(errType).Inc()
}

// RecordPerformance appends an op-duration record (record_performance).
func (c *Collector) RecordPerformance(op string, d time.Duration, success bool) {
	c.mu.Lock()
	c.perfs = append(c.perfs, PerformanceRecord{Op: op, Duration: d, Success: success, Timestamp: time.Now()})
	if len(c.perfs) > c.cfg.HistorySize*2 {
		c.perfs = c.perfs[len(c.perfs)-c.cfg.HistorySize*2:]
	}
	c.mu.Unlock()
}

// Samples returns a copy of the retained sample history (for tests and
// the auto-scaler's rolling-window read).
func (c *Collector) Samples() []domain.MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MetricSample, len(c.samples))
	copy(out, c.samples)
	return out
}

// GetAggregated computes get_aggregated_metrics() over the configured
// aggregation window without mutating stored samples (§4.3 invariant).
func (c *Collector) GetAggregated() Aggregated {
	c.mu.Lock()
	samples := append([]domain.MetricSample(nil), c.samples...)
	errs := append([]ErrorRecord(nil), c.errors...)
	perfs := append([]PerformanceRecord(nil), c.perfs...)
	c.mu.Unlock()

	var out Aggregated
	out.ErrorsByType = map[string]int{}
	out.ErrorsBySeverity = map[string]int{}
	out.OpThroughput = map[string]OpStats{}

	if len(samples) == 0 {
		return out
	}

	window := c.cfg.AggregationWindow
	if window <= 0 || window > len(samples) {
		window = len(samples)
	}
	windowSamples := samples[len(samples)-window:]

	latest := samples[len(samples)-1]
	out.TaskQueueLatest = latest.TaskQueue
	out.WorkerCounts = latest.WorkerStats
	out.MemoryLatest = latest.MemoryPercent
	out.CPUAveragePerCore = latest.CPUCores

	var cpuSum, memSum float64
	var completedSum, failedSum int
	for _, s := range windowSamples {
		cpuSum += s.CPUAverage
		memSum += s.MemoryPercent
		completedSum += s.TaskQueue.Completed
		failedSum += s.TaskQueue.Failed
	}
	out.CPUAverageOverall = cpuSum / float64(len(windowSamples))
	out.MemoryWindowAvg = memSum / float64(len(windowSamples))
	out.TaskQueueWindow.Completed = completedSum
	out.TaskQueueWindow.Failed = failedSum

	cutoff := time.Now().Add(-time.Duration(window) * c.cfg.CollectionInterval)
	for _, e := range errs {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out.ErrorsByType[e.Type]++
		out.ErrorsBySeverity[e.Severity]++
	}

	opAgg := map[string]*OpStats{}
	for _, p := range perfs {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		st, ok := opAgg[p.Op]
		if !ok {
			st = &OpStats{}
			opAgg[p.Op] = st
		}
		st.Count++
		if p.Success {
			st.Successes++
		}
		st.AverageTime = (st.AverageTime*time.Duration(st.Count-1) + p.Duration) / time.Duration(st.Count)
	}
	for op, st := range opAgg {
		out.OpThroughput[op] = *st
	}

	return out
}

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
