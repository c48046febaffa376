// Package queue implements the Global Task Queue (C4): a single ordered
// multiset of pending tasks keyed by (effective_priority, enqueue_time),
// the sole ordering authority in the process (§4.4, §9 open question 1).
package queue

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/events"
)

// ProjectWeightFunc resolves a project's weight for effective-priority
// computation; projects unknown to the caller resolve to weight 1.0.
type ProjectWeightFunc func(projectID string) float64

// PreemptEvent is handed to a registered preemptible handler when a
// newly enqueued task should bump a running one (§9 open question 2).
type PreemptEvent struct {
	Incoming domain.Task
	Running  domain.Task
}

// Config controls queue behavior (§3.6 task_queue section).
type Config struct {
	MaxQueueSize      int
	PreemptionEnabled bool
}

// Queue is the Global Task Queue component (C4).
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	weight ProjectWeightFunc
	broker *events.Broker

	onPreempt func(PreemptEvent)

	queued  []*domain.Task
	running map[string]*domain.Task
	allByID map[string]*domain.Task

	totalEnqueued, completedTotal, failedTotal, cancelledTotal int
}

// New constructs a Queue. weightFn and broker may be nil (weight
// defaults to 1.0 for every project; events are simply not published).
func New(cfg Config, weightFn ProjectWeightFunc, broker *events.Broker) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	return &Queue{
		cfg:     cfg,
		weight:  weightFn,
		broker:  broker,
		running: make(map[string]*domain.Task),
		allByID: make(map[string]*domain.Task),
	}
}

// OnPreempt registers the callback invoked when a preemption decision is
// made. Only one handler is supported; pause/resume mechanics are the
// handler's concern (§9).
func (q *Queue) OnPreempt(fn func(PreemptEvent)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPreempt = fn
}

func (q *Queue) projectWeight(projectID string) float64 {
	if q.weight == nil {
		return 1.0
	}
	w := q.weight(projectID)
	if w <= 0 {
		return 1.0
	}
	return w
}

// ageBonus is a monotone non-decreasing function of wait time, capped at
// 30, so no task starves (§4.4).
func ageBonus(enqueuedAt, now time.Time) int {
	minutes := int(now.Sub(enqueuedAt).Minutes())
	if minutes < 0 {
		minutes = 0
	}
	return int(math.Min(30, float64(minutes)))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// effectivePriority computes §4.4's ordering key at query time (priority
// rises monotonically with age, so it cannot be baked in once at
// enqueue time).
func (q *Queue) effectivePriority(t *domain.Task, now time.Time) int {
	base := float64(clamp(t.Priority, 0, 100)) * q.projectWeight(t.ProjectID)
	return int(base) + ageBonus(t.EnqueuedAt, now)
}

// less implements the §4.4 comparator: higher effective_priority first,
// tie-break earlier enqueued_at first.
func (q *Queue) less(a, b *domain.Task, now time.Time) bool {
	pa, pb := q.effectivePriority(a, now), q.effectivePriority(b, now)
	if pa != pb {
		return pa > pb
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// Enqueue adds a task to the queue, returning QueueFull once max_queue_size
// is reached (§4.4).
func (q *Queue) Enqueue(t domain.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queued) >= q.cfg.MaxQueueSize {
		return "", apperrors.New(apperrors.QueueFull, "max_queue_size reached")
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	t.Status = domain.TaskQueued

	stored := t
	now := time.Now()
	stored.EffectivePriority = q.effectivePriority(&stored, now)

	q.considerPreemption(&stored, now)

	q.queued = append(q.queued, &stored)
	q.allByID[stored.ID] = &stored
	q.totalEnqueued++

	return stored.ID, nil
}

// considerPreemption implements §4.4's preemption contract: if enabled
// and the incoming task strictly beats a running, preemptible task's
// effective priority, hand the pair to the registered handler.
func (q *Queue) considerPreemption(incoming *domain.Task, now time.Time) {
	if !q.cfg.PreemptionEnabled || q.onPreempt == nil {
		return
	}
	incomingPriority := q.effectivePriority(incoming, now)
	for _, running := range q.running {
		if !running.Preemptible {
			continue
		}
		if incomingPriority > q.effectivePriority(running, now) {
			q.onPreempt(PreemptEvent{Incoming: *incoming, Running: *running})
			if q.broker != nil {
				q.broker.Publish(&events.Event{Type: events.TaskPreempted, Message: running.ID})
			}
			return
		}
	}
}

// sortedQueued returns the queued tasks ordered by the comparator,
// without mutating q.queued.
func (q *Queue) sortedQueued(now time.Time) []*domain.Task {
	out := append([]*domain.Task(nil), q.queued...)
	sort.SliceStable(out, func(i, j int) bool { return q.less(out[i], out[j], now) })
	return out
}

// NextForProject returns the highest-priority task pinned to projectID,
// or the highest-priority unpinned task (ProjectID == "") if none is
// pinned, or nil if the project has nothing eligible (§4.4).
func (q *Queue) NextForProject(projectID string) *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	ordered := q.sortedQueued(now)

	var best *domain.Task
	for _, t := range ordered {
		if t.ProjectID == projectID {
			best = t
			break
		}
	}
	if best == nil {
		for _, t := range ordered {
			if t.ProjectID == "" {
				best = t
				break
			}
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	cp.EffectivePriority = q.effectivePriority(best, now)
	return &cp
}

// StartTask transitions a queued task to running, assigning it to
// workerID. This is the dispatch boundary: the scheduler picks a
// project, the balancer picks a worker, and the caller commits both
// here.
func (q *Queue) StartTask(taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, t := range q.queued {
		if t.ID == taskID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return apperrors.Newf(apperrors.NotFound, "task %q not queued", taskID)
	}

	t := q.queued[idx]
	q.queued = append(q.queued[:idx], q.queued[idx+1:]...)
	t.Status = domain.TaskRunning
	t.AssignedWorkerID = workerID
	t.StartedAt = time.Now()
	q.running[t.ID] = t
	return nil
}

// Complete marks a running task terminally completed (§4.4).
func (q *Queue) Complete(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[taskID]
	if !ok {
		return apperrors.Newf(apperrors.NotFound, "task %q not running", taskID)
	}
	delete(q.running, taskID)
	t.Status = domain.TaskCompleted
	t.FinishedAt = time.Now()
	q.completedTotal++

	if q.broker != nil {
		q.broker.Publish(&events.Event{Type: events.TaskCompleted, Message: taskID})
	}
	return nil
}

// Fail records a task failure. If attempts remain, the task is
// re-enqueued after retry_delay * 2^(attempts-1) (capped) with attempts
// incremented; otherwise it terminates as failed (§4.4, §8 retry
// property).
func (q *Queue) Fail(taskID string, errMsg string, retryDelay time.Duration, maxDelay time.Duration) error {
	q.mu.Lock()
	t, ok := q.running[taskID]
	if !ok {
		q.mu.Unlock()
		return apperrors.Newf(apperrors.NotFound, "task %q not running", taskID)
	}
	delete(q.running, taskID)
	t.LastError = errMsg
	t.Attempts++

	if t.Attempts < t.MaxAttempts {
		delay := time.Duration(float64(retryDelay) * math.Pow(2, float64(t.Attempts-1)))
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
		t.Status = domain.TaskQueued
		t.AssignedWorkerID = ""
		q.mu.Unlock()

		time.AfterFunc(delay, func() {
			q.mu.Lock()
			t.EnqueuedAt = time.Now()
			q.queued = append(q.queued, t)
			q.mu.Unlock()
		})
		return nil
	}

	t.Status = domain.TaskFailed
	t.FinishedAt = time.Now()
	q.failedTotal++
	q.mu.Unlock()

	if q.broker != nil {
		q.broker.Publish(&events.Event{Type: events.TaskFailed, Message: taskID})
	}
	return nil
}

// Cancel removes a task (queued or running) and marks it cancelled.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.queued {
		if t.ID == taskID {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			t.Status = domain.TaskCancelled
			t.FinishedAt = time.Now()
			q.cancelledTotal++
			return nil
		}
	}
	if t, ok := q.running[taskID]; ok {
		delete(q.running, taskID)
		t.Status = domain.TaskCancelled
		t.FinishedAt = time.Now()
		q.cancelledTotal++
		return nil
	}
	return apperrors.Newf(apperrors.NotFound, "task %q not found", taskID)
}

// Peek returns up to n queued tasks in comparator order, without
// removing them.
func (q *Queue) Peek(n int) []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	ordered := q.sortedQueued(now)
	if n > 0 && n < len(ordered) {
		ordered = ordered[:n]
	}
	out := make([]domain.Task, len(ordered))
	for i, t := range ordered {
		cp := *t
		cp.EffectivePriority = q.effectivePriority(t, now)
		out[i] = cp
	}
	return out
}

// Stats is the result of stats() (§4.4).
type Stats struct {
	Queued         int
	Running        int
	TotalEnqueued  int
	CompletedTotal int
	FailedTotal    int
	CancelledTotal int
}

// Stats reports current queue sizes and lifetime totals. The §4.4
// invariant sum(stats.*) == total_ever_enqueued holds over
// {Queued, Running, CompletedTotal, FailedTotal, CancelledTotal}.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:         len(q.queued),
		Running:        len(q.running),
		TotalEnqueued:  q.totalEnqueued,
		CompletedTotal: q.completedTotal,
		FailedTotal:    q.failedTotal,
		CancelledTotal: q.cancelledTotal,
	}
}

// TasksByProject groups all known queued/running tasks by project id.
func (q *Queue) TasksByProject() map[string][]domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string][]domain.Task)
	for _, t := range q.queued {
		out[t.ProjectID] = append(out[t.ProjectID], *t)
	}
	for _, t := range q.running {
		out[t.ProjectID] = append(out[t.ProjectID], *t)
	}
	return out
}

// Snapshot returns a domain.TaskQueueSnapshot for the metrics collector
// (§4.3's update_task_queue_metrics input).
func (q *Queue) Snapshot() domain.TaskQueueSnapshot {
	s := q.Stats()
	return domain.TaskQueueSnapshot{
		Size:       s.Queued + s.Running,
		Pending:    s.Queued,
		Processing: s.Running,
		Completed:  s.CompletedTotal,
		Failed:     s.FailedTotal,
	}
}
