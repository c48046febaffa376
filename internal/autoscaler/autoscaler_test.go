package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/domain"
)

func TestLoadFactorWeightsComponentsAsSpecified(t *testing.T) {
	l := LoadFactor(Inputs{CPUAverage: 100, MemoryPercent: 100, QueuePending: 10, QueueCapacity: 10})
	assert.InDelta(t, 1.0, l, 1e-9)

	l = LoadFactor(Inputs{CPUAverage: 0, MemoryPercent: 0, QueuePending: 0, QueueCapacity: 10})
	assert.InDelta(t, 0.0, l, 1e-9)

	l = LoadFactor(Inputs{CPUAverage: 50, MemoryPercent: 0, QueuePending: 0, QueueCapacity: 10})
	assert.InDelta(t, 0.2, l, 1e-9) // 0.4 * 0.5
}

func TestScaleUpOnSustainedHighLoad(t *testing.T) {
	workers := 1
	scaleFn := func(delta int) (int, error) {
		workers += delta
		return workers, nil
	}
	metricsFn := func() Inputs {
		return Inputs{CPUAverage: 90, MemoryPercent: 50, QueuePending: 10, QueueCapacity: 10, CurrentWorkers: workers}
	}

	cfg := DefaultConfig()
	cfg.Cooldown = 0
	a := New(cfg, metricsFn, scaleFn, nil)

	a.evaluate(false)

	assert.Equal(t, 3, workers, "default scale_up_increment is 2, so 1 -> 3")
	history := a.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.ScaleUp, history[0].Action)
	assert.Equal(t, 2, history[0].Increment)
}

func TestMemorySafetyGuardSuppressesScaleUp(t *testing.T) {
	workers := 1
	scaleFn := func(delta int) (int, error) { workers += delta; return workers, nil }
	metricsFn := func() Inputs {
		return Inputs{CPUAverage: 95, MemoryPercent: 90, QueuePending: 9, QueueCapacity: 10, CurrentWorkers: workers}
	}

	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.MaxMemoryPercent = 80
	a := New(cfg, metricsFn, scaleFn, nil)

	a.evaluate(false)

	assert.Equal(t, 1, workers, "memory safety guard must block scale-up even under high load")
	assert.Empty(t, a.History())
}

func TestCooldownBlocksRepeatedScaling(t *testing.T) {
	workers := 1
	scaleFn := func(delta int) (int, error) { workers += delta; return workers, nil }
	metricsFn := func() Inputs {
		return Inputs{CPUAverage: 90, MemoryPercent: 50, QueuePending: 10, QueueCapacity: 10, CurrentWorkers: workers}
	}

	cfg := DefaultConfig()
	cfg.Cooldown = time.Hour
	a := New(cfg, metricsFn, scaleFn, nil)

	a.evaluate(false)
	a.evaluate(false)

	assert.Equal(t, 3, workers, "second evaluate within cooldown must be a no-op")
}

func TestScaleDownRespectsMinWorkers(t *testing.T) {
	workers := 1
	scaleFn := func(delta int) (int, error) { workers += delta; return workers, nil }
	metricsFn := func() Inputs {
		return Inputs{CPUAverage: 0, MemoryPercent: 0, QueuePending: 0, QueueCapacity: 10, CurrentWorkers: workers}
	}

	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.MinWorkers = 1
	a := New(cfg, metricsFn, scaleFn, nil)

	a.evaluate(false)

	assert.Equal(t, 1, workers, "must not scale below MinWorkers")
	assert.Empty(t, a.History())
}

func TestForceScaleBypassesCooldownButRespectsBounds(t *testing.T) {
	workers := 2
	scaleFn := func(delta int) (int, error) { workers += delta; return workers, nil }
	metricsFn := func() Inputs {
		return Inputs{CurrentWorkers: workers}
	}

	cfg := DefaultConfig()
	cfg.MaxWorkers = 3
	a := New(cfg, metricsFn, scaleFn, nil)

	require.NoError(t, a.ForceScale(1))
	assert.Equal(t, 3, workers)

	err := a.ForceScale(1)
	require.Error(t, err)
	assert.Equal(t, 3, workers, "out-of-bounds force scale must not mutate worker count")
}

func TestHistoryIsBoundedByHistorySize(t *testing.T) {
	workers := 1
	scaleFn := func(delta int) (int, error) { workers += delta; return workers, nil }
	metricsFn := func() Inputs {
		return Inputs{CurrentWorkers: workers}
	}

	cfg := DefaultConfig()
	cfg.HistorySize = 2
	cfg.MaxWorkers = 100
	a := New(cfg, metricsFn, scaleFn, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.ForceScale(1))
	}

	assert.Len(t, a.History(), 2)
}
