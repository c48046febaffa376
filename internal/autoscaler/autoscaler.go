// Package autoscaler implements the Auto-Scaler (C8): it watches the
// metrics collector's aggregated view and grows or shrinks the worker
// pool within configured bounds (§4.8).
package autoscaler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/events"
	"github.com/poppobuilder/poppod/internal/log"
	"github.com/poppobuilder/poppod/internal/metrics"
)

// Inputs is the slice of the metrics collector's aggregated view the
// auto-scaler needs each tick (§4.3's Aggregated, narrowed).
type Inputs struct {
	CPUAverage      float64 // 0-100
	MemoryPercent   float64 // 0-100
	QueuePending    int
	QueueCapacity   int
	CurrentWorkers  int
}

// MetricsFunc supplies the current aggregated metrics snapshot.
type MetricsFunc func() Inputs

// ScaleFunc commits a worker count change (adding/removing workers via
// internal/lifecycle); it returns the worker count actually reached.
type ScaleFunc func(delta int) (int, error)

// Config controls scaling thresholds and safety bounds (§4.8).
type Config struct {
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   float64 // composite load factor, 0-1
	ScaleDownThreshold float64
	ScaleUpIncrement   int // workers added per scale-up, capped at MaxWorkers-current
	ScaleDownIncrement int // workers removed per scale-down, capped at current-MinWorkers
	Cooldown           time.Duration
	MaxMemoryPercent   float64 // safety guard: refuse scale-up above this
	HistorySize        int
	CheckInterval      time.Duration
}

// DefaultConfig mirrors §4.8's defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:         1,
		MaxWorkers:         4,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		ScaleUpIncrement:   2,
		ScaleDownIncrement: 1,
		Cooldown:           time.Minute,
		MaxMemoryPercent:   85,
		HistorySize:        100,
		CheckInterval:      30 * time.Second,
	}
}

// Autoscaler is the Auto-Scaler component (C8).
type Autoscaler struct {
	cfg     Config
	logger  zerolog.Logger
	broker  *events.Broker
	metrics MetricsFunc
	scale   ScaleFunc

	mu          sync.Mutex
	history     []domain.ScalingEvent
	lastScaleAt time.Time

	stopCh chan struct{}
}

// New constructs an Autoscaler.
func New(cfg Config, metricsFn MetricsFunc, scaleFn ScaleFunc, broker *events.Broker) *Autoscaler {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	return &Autoscaler{
		cfg:     cfg,
		logger:  log.WithComponent("autoscaler"),
		broker:  broker,
		metrics: metricsFn,
		scale:   scaleFn,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic scaling check.
func (a *Autoscaler) Start() { go a.run() }

// Stop halts the periodic check.
func (a *Autoscaler) Stop() { close(a.stopCh) }

func (a *Autoscaler) run() {
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.evaluate(false)
		case <-a.stopCh:
			return
		}
	}
}

// LoadFactor computes §4.8's composite load factor:
// L = 0.4*cpu_avg + 0.3*mem_frac + 0.3*queue_pressure, each term in [0,1],
// where queue_pressure = min(pending / (workers*10), 1). With no workers,
// any pending task counts as full pressure.
func LoadFactor(in Inputs) float64 {
	cpu := clamp01(in.CPUAverage / 100)
	mem := clamp01(in.MemoryPercent / 100)

	var queuePressure float64
	if in.CurrentWorkers > 0 {
		queuePressure = clamp01(float64(in.QueuePending) / float64(in.CurrentWorkers*10))
	} else if in.QueuePending > 0 {
		queuePressure = 1
	}

	return 0.4*cpu + 0.3*mem + 0.3*queuePressure
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// evaluate performs one scaling decision. forced skips the cooldown check
// and marks the recorded event as forced; the thresholds in decide still
// apply. ForceScale does its own bounded scale and does not call evaluate.
func (a *Autoscaler) evaluate(forced bool) {
	in := a.metrics()
	load := LoadFactor(in)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !forced && time.Since(a.lastScaleAt) < a.cfg.Cooldown {
		return
	}

	action, increment, reason := a.decide(in, load)
	if action == domain.ScaleNone {
		return
	}

	before := in.CurrentWorkers
	after, err := a.scale(increment)
	if err != nil {
		a.logger.Error().Err(err).Msg("scale action failed")
		return
	}

	a.lastScaleAt = time.Now()
	event := domain.ScalingEvent{
		Timestamp:   a.lastScaleAt,
		Action:      action,
		BeforeCount: before,
		AfterCount:  after,
		Increment:   increment,
		Reason:      reason,
		Forced:      forced,
		MetricsSnapshot: map[string]any{
			"cpu_average":    in.CPUAverage,
			"memory_percent": in.MemoryPercent,
			"queue_pending":  in.QueuePending,
			"load_factor":    load,
		},
	}
	a.record(event)

	if a.broker != nil {
		a.broker.Publish(&events.Event{Type: events.ScalingDecided, Message: reason})
	}
	metrics.ScalingDecisionsTotal.WithLabelValues(string(action)).Inc()
}

// decide implements §4.8's scale-up/down rules, including the memory
// safety guard that overrides an otherwise-indicated scale-up.
func (a *Autoscaler) decide(in Inputs, load float64) (domain.ScalingAction, int, string) {
	if load > a.cfg.ScaleUpThreshold && in.CurrentWorkers < a.cfg.MaxWorkers {
		if a.cfg.MaxMemoryPercent > 0 && in.MemoryPercent > a.cfg.MaxMemoryPercent {
			return domain.ScaleNone, 0, "scale-up suppressed by memory safety guard"
		}
		increment := min(a.cfg.ScaleUpIncrement, a.cfg.MaxWorkers-in.CurrentWorkers)
		return domain.ScaleUp, increment, "load factor above scale-up threshold"
	}
	if load < a.cfg.ScaleDownThreshold && in.CurrentWorkers > a.cfg.MinWorkers {
		decrement := min(a.cfg.ScaleDownIncrement, in.CurrentWorkers-a.cfg.MinWorkers)
		return domain.ScaleDown, -decrement, "load factor below scale-down threshold"
	}
	return domain.ScaleNone, 0, ""
}

// ForceScale bypasses cooldown and thresholds entirely, still honoring
// Min/MaxWorkers (§4.8's force_scale operation).
func (a *Autoscaler) ForceScale(delta int) error {
	in := a.metrics()
	target := in.CurrentWorkers + delta
	if target < a.cfg.MinWorkers || target > a.cfg.MaxWorkers {
		return apperrors.Newf(apperrors.InvalidConfig, "forced scale to %d workers violates [%d,%d] bounds", target, a.cfg.MinWorkers, a.cfg.MaxWorkers)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	before := in.CurrentWorkers
	after, err := a.scale(delta)
	if err != nil {
		return err
	}

	action := domain.ScaleUp
	if delta < 0 {
		action = domain.ScaleDown
	}
	a.lastScaleAt = time.Now()
	a.record(domain.ScalingEvent{
		Timestamp:   a.lastScaleAt,
		Action:      action,
		BeforeCount: before,
		AfterCount:  after,
		Increment:   delta,
		Reason:      "forced scale",
		Forced:      true,
	})
	return nil
}

// record appends to the bounded scaling-event history, evicting the
// oldest entry once HistorySize is exceeded (§4.8, §3.4).
func (a *Autoscaler) record(e domain.ScalingEvent) {
	a.history = append(a.history, e)
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}
}

// History returns a copy of the scaling event history.
func (a *Autoscaler) History() []domain.ScalingEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.ScalingEvent, len(a.history))
	copy(out, a.history)
	return out
}
