package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/domain"
)

func TestCollectorSamplesOncePerTick(t *testing.T) {
	c := New(Config{CollectionInterval: 5 * time.Millisecond, HistorySize: 5, AggregationWindow: 2}, nil, nil)
	c.Start()
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	samples := c.Samples()
	require.NotEmpty(t, samples)
	assert.LessOrEqual(t, len(samples), 5, "ring eviction must be FIFO bounded by HistorySize")
}

func TestCollectorAggregationDoesNotMutateSamples(t *testing.T) {
	c := New(DefaultConfig(), func() domain.TaskQueueSnapshot {
		return domain.TaskQueueSnapshot{Size: 3, Completed: 1}
	}, func() domain.WorkerStatsSnapshot {
		return domain.WorkerStatsSnapshot{Total: 2, Active: 1, Idle: 1}
	})

	c.sample()
	c.sample()
	before := c.Samples()

	agg := c.GetAggregated()
	after := c.Samples()

	assert.Equal(t, before, after, "GetAggregated must never mutate stored samples")
	assert.Equal(t, 2, agg.WorkerCounts.Total)
	assert.Equal(t, 3, agg.TaskQueueLatest.Size)
}

func TestCollectorAggregatedWindowAverages(t *testing.T) {
	c := &Collector{cfg: Config{CollectionInterval: time.Second, AggregationWindow: 2, HistorySize: 10}}
	c.samples = []domain.MetricSample{
		{CPUAverage: 10, MemoryPercent: 40, TaskQueue: domain.TaskQueueSnapshot{Completed: 1}},
		{CPUAverage: 20, MemoryPercent: 60, TaskQueue: domain.TaskQueueSnapshot{Completed: 2}},
		{CPUAverage: 30, MemoryPercent: 80, TaskQueue: domain.TaskQueueSnapshot{Completed: 3}},
	}

	agg := c.GetAggregated()
	assert.InDelta(t, 25.0, agg.CPUAverageOverall, 0.001, "window of last 2 samples: (20+30)/2")
	assert.InDelta(t, 70.0, agg.MemoryWindowAvg, 0.001)
	assert.Equal(t, 5, agg.TaskQueueWindow.Completed, "last 2 samples: 2+3")
}
