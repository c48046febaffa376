// Package lifecycle implements the Worker Lifecycle Manager (C7): it
// spawns, supervises, health-checks, and restarts the child processes
// that execute tasks (§4.7).
package lifecycle

import (
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/events"
	"github.com/poppobuilder/poppod/internal/framing"
	"github.com/poppobuilder/poppod/internal/health"
	"github.com/poppobuilder/poppod/internal/log"
	"github.com/poppobuilder/poppod/internal/metrics"
)

// ResultHandler is invoked when a worker reports a task's outcome.
type ResultHandler func(workerID, taskID string, ok bool, message string)

// Config controls process supervision (§4.7).
type Config struct {
	Command             string
	Args                []string
	StartTimeout        time.Duration
	StopTimeout         time.Duration
	MaxRestarts         int
	RestartBackoffBase  time.Duration
	RestartBackoffMax   time.Duration
	SweepInterval       time.Duration
	Health              health.Config
}

// DefaultConfig mirrors §4.7's defaults: 60s startup_timeout, 30s
// graceful_shutdown_timeout, 3 max_restart_attempts, 5s restart_delay,
// 60s zombie_check_interval.
func DefaultConfig() Config {
	return Config{
		StartTimeout:       60 * time.Second,
		StopTimeout:        30 * time.Second,
		MaxRestarts:        3,
		RestartBackoffBase: 5 * time.Second,
		RestartBackoffMax:  time.Minute,
		SweepInterval:      60 * time.Second,
		Health:             health.DefaultConfig(),
	}
}

// taskEnvelope is the framed message sent down to a worker's stdin.
type taskEnvelope struct {
	Command string      `json:"command"`
	Task    domain.Task `json:"task,omitempty"`
}

// resultEnvelope is the framed message read back from a worker's stdout.
type resultEnvelope struct {
	Type    string `json:"type"` // "result" | "pong"
	TaskID  string `json:"task_id,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Message string `json:"message,omitempty"`
}

type managedWorker struct {
	mu     sync.Mutex
	worker domain.Worker
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdinMu sync.Mutex
	health *health.Status

	restarts int
}

func (mw *managedWorker) send(v any) error {
	mw.stdinMu.Lock()
	defer mw.stdinMu.Unlock()
	return framing.WriteJSON(mw.stdin, v)
}

// Manager supervises the worker pool.
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	broker   *events.Broker
	onResult ResultHandler

	mu      sync.RWMutex
	workers map[string]*managedWorker

	stopCh chan struct{}
}

// New constructs a Manager.
func New(cfg Config, broker *events.Broker, onResult ResultHandler) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   log.WithComponent("lifecycle"),
		broker:   broker,
		onResult: onResult,
		workers:  make(map[string]*managedWorker),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic zombie/restart sweep.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the sweep loop and stops every managed worker gracefully.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.mu.RLock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.StopWorker(id, true)
	}
}

// SpawnWorker starts a new child process for projectID (§4.7). The
// worker is marked running as soon as the process has started: no ready
// message is awaited, and StartTimeout is not applied.
func (m *Manager) SpawnWorker(projectID string, maxConcurrent int, weight float64) (string, error) {
	id := uuid.NewString()

	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", apperrors.Wrap(apperrors.WorkerStartFailed, err, "opening stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", apperrors.Wrap(apperrors.WorkerStartFailed, err, "opening stdout pipe")
	}

	timer := metrics.NewTimer()
	if err := cmd.Start(); err != nil {
		return "", apperrors.Wrap(apperrors.WorkerStartFailed, err, "starting worker process")
	}
	timer.ObserveDuration(metrics.WorkerStartDuration)

	mw := &managedWorker{
		worker: domain.Worker{
			ID:            id,
			ProjectID:     projectID,
			PID:           cmd.Process.Pid,
			Status:        domain.WorkerStarting,
			StartTime:     time.Now(),
			MaxConcurrent: maxConcurrent,
			Weight:        weight,
		},
		cmd:    cmd,
		stdin:  stdin,
		health: health.NewStatus(),
	}

	m.mu.Lock()
	m.workers[id] = mw
	m.mu.Unlock()

	go m.readResults(id, stdout)
	go m.awaitExit(id, cmd)

	mw.mu.Lock()
	mw.worker.Status = domain.WorkerRunning
	mw.mu.Unlock()

	m.publish(events.WorkerStarted, id)
	metrics.WorkersTotal.WithLabelValues(string(domain.WorkerRunning)).Inc()

	return id, nil
}

// readResults drains a worker's stdout, dispatching each frame to the
// registered ResultHandler.
func (m *Manager) readResults(workerID string, stdout io.Reader) {
	r := framing.NewReader(stdout)
	for {
		var env resultEnvelope
		if err := r.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "pong":
			m.mu.RLock()
			mw := m.workers[workerID]
			m.mu.RUnlock()
			if mw != nil {
				m.recordHealth(workerID, mw, true, "pong")
			}
		case "result":
			if m.onResult != nil {
				m.onResult(workerID, env.TaskID, env.OK, env.Message)
			}
		}
	}
}

// awaitExit blocks on the process exiting and reacts per §4.7's
// restart-or-fail contract.
func (m *Manager) awaitExit(workerID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	m.mu.RLock()
	mw := m.workers[workerID]
	m.mu.RUnlock()
	if mw == nil {
		return
	}

	mw.mu.Lock()
	alreadyStopping := mw.worker.Status == domain.WorkerStopping || mw.worker.Status == domain.WorkerStopped
	mw.mu.Unlock()
	if alreadyStopping {
		return
	}

	m.logger.Warn().Str("worker_id", workerID).Err(err).Msg("worker process exited unexpectedly")
	m.restartOrFail(workerID, mw)
}

// restartOrFail restarts a worker with exponential backoff, or marks it
// terminally failed once MaxRestarts is exceeded (§4.7).
func (m *Manager) restartOrFail(workerID string, mw *managedWorker) {
	mw.mu.Lock()
	mw.restarts++
	restarts := mw.restarts
	projectID := mw.worker.ProjectID
	maxConcurrent := mw.worker.MaxConcurrent
	weight := mw.worker.Weight
	mw.mu.Unlock()

	if restarts > m.cfg.MaxRestarts {
		mw.mu.Lock()
		mw.worker.Status = domain.WorkerFailed
		mw.mu.Unlock()
		m.publish(events.WorkerFailed, workerID)
		metrics.WorkersTotal.WithLabelValues(string(domain.WorkerFailed)).Inc()
		return
	}

	backoff := m.cfg.RestartBackoffBase * time.Duration(uint(1)<<uint(restarts-1))
	if m.cfg.RestartBackoffMax > 0 && backoff > m.cfg.RestartBackoffMax {
		backoff = m.cfg.RestartBackoffMax
	}

	m.mu.Lock()
	delete(m.workers, workerID)
	m.mu.Unlock()

	time.AfterFunc(backoff, func() {
		if _, err := m.SpawnWorker(projectID, maxConcurrent, weight); err != nil {
			m.logger.Error().Err(err).Str("project_id", projectID).Msg("worker restart failed")
		}
	})
}

// recordHealth feeds a health probe result into the worker's flapping
// state machine and emits transition events (§4.6, §4.7).
func (m *Manager) recordHealth(workerID string, mw *managedWorker, healthy bool, message string) {
	result := health.Result{Healthy: healthy, Message: message, CheckedAt: time.Now()}

	mw.mu.Lock()
	wasHealthy := mw.health.Healthy
	flipped := mw.health.Update(result, m.cfg.Health)
	nowHealthy := mw.health.Healthy
	if flipped {
		if nowHealthy {
			mw.worker.Status = domain.WorkerRunning
		} else {
			mw.worker.Status = domain.WorkerUnhealthy
		}
	}
	mw.worker.LastHealthCheck = result.CheckedAt
	mw.mu.Unlock()

	if !healthy {
		metrics.HealthCheckFailures.WithLabelValues(workerID).Inc()
	}
	if flipped {
		if wasHealthy && !nowHealthy {
			m.publish(events.WorkerUnhealthy, workerID)
		} else if !wasHealthy && nowHealthy {
			m.publish(events.WorkerRecovered, workerID)
		}
	}
}

// Probe sends a ping frame down a worker's stdin; the pong is handled
// asynchronously by readResults.
func (m *Manager) Probe(workerID string) error {
	mw, err := m.lookup(workerID)
	if err != nil {
		return err
	}
	return mw.send(taskEnvelope{Command: "ping"})
}

// Dispatch writes a task frame to the worker's stdin for execution.
func (m *Manager) Dispatch(workerID string, task domain.Task) error {
	mw, err := m.lookup(workerID)
	if err != nil {
		return err
	}
	return mw.send(taskEnvelope{Command: "execute", Task: task})
}

func (m *Manager) lookup(workerID string) (*managedWorker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mw, ok := m.workers[workerID]
	if !ok {
		return nil, apperrors.Newf(apperrors.NotFound, "worker %q not found", workerID)
	}
	return mw, nil
}

// StopWorker stops a worker gracefully (SIGTERM, then wait up to
// StopTimeout) and force-kills it if it doesn't exit in time (§4.7).
func (m *Manager) StopWorker(workerID string, graceful bool) error {
	m.mu.Lock()
	mw, ok := m.workers[workerID]
	if ok {
		delete(m.workers, workerID)
	}
	m.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.NotFound, "worker %q not found", workerID)
	}

	mw.mu.Lock()
	mw.worker.Status = domain.WorkerStopping
	proc := mw.cmd.Process
	mw.mu.Unlock()

	if proc == nil {
		return nil
	}

	if graceful {
		_ = proc.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() { _, _ = proc.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(m.cfg.StopTimeout):
			_ = proc.Kill()
		}
	} else {
		_ = proc.Kill()
	}

	mw.mu.Lock()
	mw.worker.Status = domain.WorkerStopped
	mw.mu.Unlock()
	return nil
}

// sweepLoop periodically checks for zombie processes (a worker whose PID
// is no longer alive) and issues health probes (§4.7's reconciliation sweep,
// grounded on the teacher's reconciler ticker pattern).
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		mw, err := m.lookup(id)
		if err != nil {
			continue
		}

		mw.mu.Lock()
		pid := mw.worker.PID
		status := mw.worker.Status
		mw.mu.Unlock()
		if status == domain.WorkerStopping || status == domain.WorkerStopped {
			continue
		}

		if err := syscall.Kill(pid, 0); err != nil {
			mw.mu.Lock()
			mw.worker.Status = domain.WorkerZombie
			mw.mu.Unlock()
			m.publish(events.WorkerZombie, id)
			m.restartOrFail(id, mw)
			continue
		}

		_ = m.Probe(id)
	}
}

// Status returns a copy of one worker's state.
func (m *Manager) Status(workerID string) (domain.Worker, error) {
	mw, err := m.lookup(workerID)
	if err != nil {
		return domain.Worker{}, err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.worker, nil
}

// List returns a snapshot of every managed worker.
func (m *Manager) List() []domain.Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Worker, 0, len(m.workers))
	for _, mw := range m.workers {
		mw.mu.Lock()
		out = append(out, mw.worker)
		mw.mu.Unlock()
	}
	return out
}

// IncrementLoad and DecrementLoad let the balancer track in-flight task
// counts on the authoritative Worker record.
func (m *Manager) IncrementLoad(workerID string) {
	mw, err := m.lookup(workerID)
	if err != nil {
		return
	}
	mw.mu.Lock()
	mw.worker.CurrentLoad++
	mw.mu.Unlock()
}

func (m *Manager) DecrementLoad(workerID string) {
	mw, err := m.lookup(workerID)
	if err != nil {
		return
	}
	mw.mu.Lock()
	if mw.worker.CurrentLoad > 0 {
		mw.worker.CurrentLoad--
	}
	mw.mu.Unlock()
}

func (m *Manager) publish(t events.Type, workerID string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: t, Message: workerID})
}
