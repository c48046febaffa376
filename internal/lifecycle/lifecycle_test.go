package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/health"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Command = "cat" // echoes stdin back on stdout, good enough to exercise pipe plumbing
	cfg.StopTimeout = 200 * time.Millisecond
	cfg.SweepInterval = time.Hour // keep the sweep loop from interfering with these tests
	return cfg
}

func TestSpawnWorkerReachesRunning(t *testing.T) {
	m := New(testConfig(), nil, nil)
	id, err := m.SpawnWorker("p1", 5, 1.0)
	require.NoError(t, err)

	w, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerRunning, w.Status)
	assert.Equal(t, "p1", w.ProjectID)
	assert.NotZero(t, w.PID)
}

func TestStopWorkerGraceful(t *testing.T) {
	m := New(testConfig(), nil, nil)
	id, err := m.SpawnWorker("p1", 5, 1.0)
	require.NoError(t, err)

	require.NoError(t, m.StopWorker(id, true))

	_, err = m.Status(id)
	require.Error(t, err, "a stopped worker is removed from the managed set")
}

func TestIncrementAndDecrementLoad(t *testing.T) {
	m := New(testConfig(), nil, nil)
	id, err := m.SpawnWorker("p1", 5, 1.0)
	require.NoError(t, err)

	m.IncrementLoad(id)
	m.IncrementLoad(id)
	w, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 2, w.CurrentLoad)

	m.DecrementLoad(id)
	w, err = m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentLoad)
}

func TestDecrementLoadNeverGoesNegative(t *testing.T) {
	m := New(testConfig(), nil, nil)
	id, err := m.SpawnWorker("p1", 5, 1.0)
	require.NoError(t, err)

	m.DecrementLoad(id)
	w, err := m.Status(id)
	require.NoError(t, err)
	assert.Zero(t, w.CurrentLoad)
}

func TestRestartOrFailMarksFailedBeyondMaxRestarts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestarts = 1
	m := New(cfg, nil, nil)
	id, err := m.SpawnWorker("p1", 5, 1.0)
	require.NoError(t, err)

	mw, lookupErr := m.lookup(id)
	require.NoError(t, lookupErr)

	m.restartOrFail(id, mw) // restarts -> 1, within budget, respawns under a new id
	w, _ := m.Status(id)
	assert.NotEqual(t, domain.WorkerFailed, w.Status)

	m.restartOrFail(id, mw) // restarts -> 2, exceeds MaxRestarts=1
	mw.mu.Lock()
	status := mw.worker.Status
	mw.mu.Unlock()
	assert.Equal(t, domain.WorkerFailed, status)
}

func TestRecordHealthFlipsStatusOnThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Health = health.Config{Interval: time.Second, UnhealthyThreshold: 2, HealthyThreshold: 1}
	m := New(cfg, nil, nil)
	id, err := m.SpawnWorker("p1", 5, 1.0)
	require.NoError(t, err)

	mw, lookupErr := m.lookup(id)
	require.NoError(t, lookupErr)

	m.recordHealth(id, mw, false, "probe failed")
	w, _ := m.Status(id)
	assert.Equal(t, domain.WorkerRunning, w.Status, "single failure must not flip before threshold")

	m.recordHealth(id, mw, false, "probe failed")
	w, _ = m.Status(id)
	assert.Equal(t, domain.WorkerUnhealthy, w.Status)

	m.recordHealth(id, mw, true, "probe ok")
	w, _ = m.Status(id)
	assert.Equal(t, domain.WorkerRunning, w.Status)
}
