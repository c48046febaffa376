package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/domain"
)

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(Config{MaxQueueSize: 2}, nil, nil)

	_, err := q.Enqueue(domain.Task{ProjectID: "a", Priority: 50})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.Task{ProjectID: "a", Priority: 50})
	require.NoError(t, err)

	_, err = q.Enqueue(domain.Task{ProjectID: "a", Priority: 50})
	require.Error(t, err)
}

func TestNextForProjectOrdersByEffectivePriority(t *testing.T) {
	q := New(Config{MaxQueueSize: 10}, nil, nil)

	lowID, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 10})
	require.NoError(t, err)
	highID, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 90})
	require.NoError(t, err)

	next := q.NextForProject("p1")
	require.NotNil(t, next)
	assert.Equal(t, highID, next.ID)
	assert.NotEqual(t, lowID, next.ID)
}

func TestNextForProjectPrefersPinnedOverUnpinned(t *testing.T) {
	q := New(Config{MaxQueueSize: 10}, nil, nil)

	unpinnedID, err := q.Enqueue(domain.Task{ProjectID: "", Priority: 90})
	require.NoError(t, err)
	pinnedID, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 10})
	require.NoError(t, err)

	next := q.NextForProject("p1")
	require.NotNil(t, next)
	assert.Equal(t, pinnedID, next.ID)

	// A project with no pinned work falls back to the unpinned task.
	next = q.NextForProject("p2")
	require.NotNil(t, next)
	assert.Equal(t, unpinnedID, next.ID)
}

func TestAgeBonusPreventsStarvation(t *testing.T) {
	q := New(Config{MaxQueueSize: 10}, nil, nil)

	starvedID, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 5})
	require.NoError(t, err)
	q.queued[0].EnqueuedAt = time.Now().Add(-45 * time.Minute)

	_, err = q.Enqueue(domain.Task{ProjectID: "p1", Priority: 20})
	require.NoError(t, err)

	next := q.NextForProject("p1")
	require.NotNil(t, next)
	assert.Equal(t, starvedID, next.ID, "a long-waiting low-priority task must eventually outrank a fresher higher-priority one")
}

func TestFailRetriesWithBackoffThenTerminates(t *testing.T) {
	q := New(Config{MaxQueueSize: 10}, nil, nil)

	id, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 50, MaxAttempts: 2})
	require.NoError(t, err)

	require.NoError(t, q.StartTask(id, "worker-1"))
	require.NoError(t, q.Fail(id, "boom", time.Millisecond, time.Second))

	// First failure: attempts (1) < max_attempts (2), so it is re-queued
	// after the backoff delay rather than terminally failed.
	require.Eventually(t, func() bool {
		return q.Stats().Queued == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, q.Stats().FailedTotal)

	require.NoError(t, q.StartTask(id, "worker-1"))
	require.NoError(t, q.Fail(id, "boom again", time.Millisecond, time.Second))

	// Second failure: attempts (2) == max_attempts, terminal.
	assert.Equal(t, 1, q.Stats().FailedTotal)
	assert.Equal(t, 0, q.Stats().Running)
}

func TestCompleteAndCancelUpdateStats(t *testing.T) {
	q := New(Config{MaxQueueSize: 10}, nil, nil)

	completeID, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 50})
	require.NoError(t, err)
	cancelID, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 40})
	require.NoError(t, err)

	require.NoError(t, q.StartTask(completeID, "worker-1"))
	require.NoError(t, q.Complete(completeID))
	require.NoError(t, q.Cancel(cancelID))

	stats := q.Stats()
	assert.Equal(t, 2, stats.TotalEnqueued)
	assert.Equal(t, 1, stats.CompletedTotal)
	assert.Equal(t, 1, stats.CancelledTotal)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.Running)
}

func TestPeekDoesNotMutateQueue(t *testing.T) {
	q := New(Config{MaxQueueSize: 10}, nil, nil)
	_, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 50})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.Task{ProjectID: "p1", Priority: 80})
	require.NoError(t, err)

	peeked := q.Peek(1)
	require.Len(t, peeked, 1)
	assert.Equal(t, 2, q.Stats().Queued, "peek must not remove tasks")
}

func TestPreemptionFiresForHigherPriorityIncomingTask(t *testing.T) {
	q := New(Config{MaxQueueSize: 10, PreemptionEnabled: true}, nil, nil)

	var fired *PreemptEvent
	q.OnPreempt(func(e PreemptEvent) { fired = &e })

	runningID, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 30, Preemptible: true})
	require.NoError(t, err)
	require.NoError(t, q.StartTask(runningID, "worker-1"))

	_, err = q.Enqueue(domain.Task{ProjectID: "p2", Priority: 95})
	require.NoError(t, err)

	require.NotNil(t, fired)
	assert.Equal(t, runningID, fired.Running.ID)
}

func TestTasksByProjectGroups(t *testing.T) {
	q := New(Config{MaxQueueSize: 10}, nil, nil)
	_, err := q.Enqueue(domain.Task{ProjectID: "p1", Priority: 50})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.Task{ProjectID: "p2", Priority: 50})
	require.NoError(t, err)

	byProject := q.TasksByProject()
	assert.Len(t, byProject["p1"], 1)
	assert.Len(t, byProject["p2"], 1)
}
