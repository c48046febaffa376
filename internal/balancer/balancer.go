// Package balancer implements the Worker Pool Load Balancer (C6): it
// picks which healthy worker executes a dispatched task (§4.6).
package balancer

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/domain"
)

// Algorithm is the closed set of worker-selection policies (§4.6).
type Algorithm string

const (
	RoundRobin        Algorithm = "round-robin"
	LeastConnections  Algorithm = "least-connections"
	WeightedRoundRobin Algorithm = "weighted-round-robin"
	ResponseTime      Algorithm = "response-time"
	Random            Algorithm = "random"
)

// workerStats tracks the rolling counters used by ResponseTime and
// WeightedRoundRobin selection.
type workerStats struct {
	worker        domain.Worker
	healthy       bool
	totalRequests int
	totalFailures int
	avgResponseMS float64
	wrrCredit     float64
}

// stickyBinding pins a session to a worker until it goes idle for
// longer than SessionTimeout (§9 open question 3).
type stickyBinding struct {
	workerID string
	lastUsed time.Time
}

// Config controls balancer behavior (§3.6 worker_pool section).
type Config struct {
	Algorithm       Algorithm
	SessionTimeout  time.Duration
	SweepInterval   time.Duration
}

// DefaultConfig mirrors §4.6's defaults, including the 1h session_timeout.
func DefaultConfig() Config {
	return Config{
		Algorithm:      RoundRobin,
		SessionTimeout: time.Hour,
		SweepInterval:  time.Minute,
	}
}

// Balancer selects a worker for each dispatched task (C6).
type Balancer struct {
	mu      sync.Mutex
	cfg     Config
	workers map[string]*workerStats
	order   []string // stable registration order, for round robin

	rrCursor  int
	sessions  map[string]*stickyBinding

	stopCh chan struct{}
}

// New constructs a Balancer.
func New(cfg Config) *Balancer {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = RoundRobin
	}
	return &Balancer{
		cfg:      cfg,
		workers:  make(map[string]*workerStats),
		sessions: make(map[string]*stickyBinding),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sticky-session sweep loop.
func (b *Balancer) Start() { go b.sweepLoop() }

// Stop halts the sweep loop.
func (b *Balancer) Stop() { close(b.stopCh) }

func (b *Balancer) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepSessions()
		case <-b.stopCh:
			return
		}
	}
}

// sweepSessions evicts sticky bindings idle longer than SessionTimeout.
func (b *Balancer) sweepSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.cfg.SessionTimeout)
	for session, binding := range b.sessions {
		if binding.lastUsed.Before(cutoff) {
			delete(b.sessions, session)
		}
	}
}

// RegisterWorker adds a worker to the pool.
func (b *Balancer) RegisterWorker(w domain.Worker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.workers[w.ID]; !exists {
		b.order = append(b.order, w.ID)
	}
	b.workers[w.ID] = &workerStats{worker: w, healthy: true}
}

// UnregisterWorker removes a worker from the pool.
func (b *Balancer) UnregisterWorker(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, workerID)
	for i, id := range b.order {
		if id == workerID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	for session, binding := range b.sessions {
		if binding.workerID == workerID {
			delete(b.sessions, session)
		}
	}
}

// SetHealthy updates a worker's eligibility for selection (driven by
// internal/health / internal/lifecycle transitions).
func (b *Balancer) SetHealthy(workerID string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws, ok := b.workers[workerID]; ok {
		ws.healthy = healthy
	}
}

// eligible returns the healthy, under-capacity workers, in stable order.
func (b *Balancer) eligible() []*workerStats {
	out := make([]*workerStats, 0, len(b.order))
	for _, id := range b.order {
		ws := b.workers[id]
		if ws == nil || !ws.healthy {
			continue
		}
		if ws.worker.MaxConcurrent > 0 && ws.worker.CurrentLoad >= ws.worker.MaxConcurrent {
			continue
		}
		out = append(out, ws)
	}
	return out
}

// SelectWorker picks a worker for sessionID (empty for no affinity)
// using the configured algorithm (§4.6). Returns NoAvailableWorker when
// no healthy worker has spare capacity.
func (b *Balancer) SelectWorker(sessionID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID != "" {
		if binding, ok := b.sessions[sessionID]; ok {
			if ws, ok := b.workers[binding.workerID]; ok && ws.healthy &&
				(ws.worker.MaxConcurrent == 0 || ws.worker.CurrentLoad < ws.worker.MaxConcurrent) {
				binding.lastUsed = time.Now()
				return binding.workerID, nil
			}
			delete(b.sessions, sessionID)
		}
	}

	candidates := b.eligible()
	if len(candidates) == 0 {
		return "", apperrors.New(apperrors.NoAvailableWorker, "no healthy worker with spare capacity")
	}

	var chosen *workerStats
	switch b.cfg.Algorithm {
	case LeastConnections:
		chosen = selectLeastConnections(candidates)
	case WeightedRoundRobin:
		chosen = b.selectWeightedRoundRobin(candidates)
	case ResponseTime:
		chosen = selectFastestResponse(candidates)
	case Random:
		chosen = candidates[rand.Intn(len(candidates))]
	case RoundRobin:
		fallthrough
	default:
		chosen = b.selectRoundRobin(candidates)
	}

	if sessionID != "" {
		b.sessions[sessionID] = &stickyBinding{workerID: chosen.worker.ID, lastUsed: time.Now()}
	}
	return chosen.worker.ID, nil
}

func (b *Balancer) selectRoundRobin(candidates []*workerStats) *workerStats {
	b.rrCursor = b.rrCursor % len(candidates)
	chosen := candidates[b.rrCursor]
	b.rrCursor++
	return chosen
}

func (b *Balancer) selectWeightedRoundRobin(candidates []*workerStats) *workerStats {
	var totalWeight float64
	for _, ws := range candidates {
		w := ws.worker.Weight
		if w <= 0 {
			w = 1
		}
		ws.wrrCredit += w
		totalWeight += w
	}
	best := candidates[0]
	for _, ws := range candidates[1:] {
		if ws.wrrCredit > best.wrrCredit {
			best = ws
		}
	}
	best.wrrCredit -= totalWeight
	return best
}

func selectLeastConnections(candidates []*workerStats) *workerStats {
	best := candidates[0]
	for _, ws := range candidates[1:] {
		if ws.worker.CurrentLoad < best.worker.CurrentLoad {
			best = ws
		}
	}
	return best
}

func selectFastestResponse(candidates []*workerStats) *workerStats {
	sorted := append([]*workerStats(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].totalRequests == 0 {
			return true
		}
		if sorted[j].totalRequests == 0 {
			return false
		}
		return sorted[i].avgResponseMS < sorted[j].avgResponseMS
	})
	return sorted[0]
}

// IncrementLoad/DecrementLoad keep the balancer's view of worker load in
// sync with dispatch/completion.
func (b *Balancer) IncrementLoad(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws, ok := b.workers[workerID]; ok {
		ws.worker.CurrentLoad++
	}
}

func (b *Balancer) DecrementLoad(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws, ok := b.workers[workerID]; ok && ws.worker.CurrentLoad > 0 {
		ws.worker.CurrentLoad--
	}
}

// RecordResult feeds a completed request's latency and outcome into the
// rolling average used by the ResponseTime algorithm.
func (b *Balancer) RecordResult(workerID string, latency time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws, ok := b.workers[workerID]
	if !ok {
		return
	}
	ws.totalRequests++
	if !success {
		ws.totalFailures++
	}
	ms := float64(latency.Milliseconds())
	if ws.totalRequests == 1 {
		ws.avgResponseMS = ms
	} else {
		// exponential moving average, weights recent latency more than
		// a full historical mean would.
		const alpha = 0.2
		ws.avgResponseMS = alpha*ms + (1-alpha)*ws.avgResponseMS
	}
}

// Status is the result of status() (§4.6): per-worker load/health/stats.
type Status struct {
	WorkerID      string
	Healthy       bool
	CurrentLoad   int
	MaxConcurrent int
	TotalRequests int
	TotalFailures int
	AvgResponseMS float64
}

// Statuses returns a stable-ordered snapshot of every registered worker.
func (b *Balancer) Statuses() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, len(b.order))
	for _, id := range b.order {
		ws := b.workers[id]
		out = append(out, Status{
			WorkerID:      id,
			Healthy:       ws.healthy,
			CurrentLoad:   ws.worker.CurrentLoad,
			MaxConcurrent: ws.worker.MaxConcurrent,
			TotalRequests: ws.totalRequests,
			TotalFailures: ws.totalFailures,
			AvgResponseMS: ws.avgResponseMS,
		})
	}
	return out
}

// ResetStats clears rolling request/failure/latency counters without
// affecting registration or current load.
func (b *Balancer) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.workers {
		ws.totalRequests = 0
		ws.totalFailures = 0
		ws.avgResponseMS = 0
		ws.wrrCredit = 0
	}
}
