// Package scheduler implements the Scheduling Strategy component (C5):
// a pluggable policy for picking which project's work runs next, given
// a shared queue and a project registry (§4.5).
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/log"
	"github.com/poppobuilder/poppod/internal/metrics"
)

// Strategy names the closed set of project-selection policies (§4.5).
type Strategy string

const (
	RoundRobin         Strategy = "round-robin"
	WeightedRoundRobin Strategy = "weighted-round-robin"
	Priority           Strategy = "priority"
	FairShare          Strategy = "fair-share"
	DeadlineAware      Strategy = "deadline-aware"
)

// ProjectSource supplies the set of projects eligible for scheduling.
type ProjectSource interface {
	List() []domain.Project
}

// QueueSource exposes the subset of the queue the scheduler needs: what
// work each project has pending.
type QueueSource interface {
	TasksByProject() map[string][]domain.Task
	NextForProject(projectID string) *domain.Task
}

// Dispatcher commits a scheduling decision by handing the task off to
// the load balancer / lifecycle manager. Returning an error aborts the
// decision without marking it served.
type Dispatcher func(project domain.Project, task domain.Task) error

// Decision is one entry of the rolling scheduling log (§4.5: last 1,000
// decisions retained for inspection).
type Decision struct {
	Timestamp time.Time
	ProjectID string
	TaskID    string
	Strategy  Strategy
	Reason    string
}

const decisionLogCapacity = 1000

// fairShareWindow is §4.5's fair_share_window: only completions within
// this trailing window count toward a project's served ratio, so a
// project that was over-served long ago can catch back up.
const fairShareWindow = 60 * time.Second

// Scheduler selects, once per tick, the next project (and its next
// task) to run, using the currently configured strategy (§4.5).
type Scheduler struct {
	projects ProjectSource
	queue    QueueSource
	dispatch Dispatcher
	logger   zerolog.Logger

	interval time.Duration
	stopCh   chan struct{}

	mu       sync.Mutex
	strategy Strategy

	// round-robin cursor, used by RoundRobin only.
	rrCursor int
	// servedAt holds the timestamp of each task served to a project,
	// used by FairShare to compute a served-count-to-weight ratio over
	// the trailing fairShareWindow rather than all time.
	servedAt map[string][]time.Time
	// wrrCredit implements smooth weighted round robin (§4.5): each
	// project accrues its weight every round, the highest-credit
	// project is picked and debited by the total weight.
	wrrCredit map[string]float64

	decisions []Decision
}

// New constructs a Scheduler. interval defaults to 1s when <= 0.
func New(projects ProjectSource, queue QueueSource, dispatch Dispatcher, interval time.Duration, initial Strategy) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if initial == "" {
		initial = FairShare
	}
	return &Scheduler{
		projects:  projects,
		queue:     queue,
		dispatch:  dispatch,
		logger:    log.WithComponent("scheduler"),
		interval:  interval,
		stopCh:    make(chan struct{}),
		strategy:  initial,
		servedAt:  make(map[string][]time.Time),
		wrrCredit: make(map[string]float64),
	}
}

// SetStrategy swaps the active strategy atomically; takes effect on the
// next tick (§4.5: "runtime strategy swap without restart").
func (s *Scheduler) SetStrategy(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
}

// CurrentStrategy reports the active strategy.
func (s *Scheduler) CurrentStrategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick performs one scheduling cycle: select a project with eligible
// pending work, pull its next task, and dispatch it.
func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	eligible := s.eligibleProjects()
	if len(eligible) == 0 {
		return
	}

	s.mu.Lock()
	strategy := s.strategy
	project := s.selectLocked(strategy, eligible)
	s.mu.Unlock()

	if project == nil {
		return
	}

	task := s.queue.NextForProject(project.ID)
	if task == nil {
		return
	}

	if err := s.dispatch(*project, *task); err != nil {
		s.logger.Error().Err(err).Str("project_id", project.ID).Str("task_id", task.ID).Msg("dispatch failed")
		return
	}

	s.mu.Lock()
	s.servedAt[project.ID] = append(s.servedAt[project.ID], time.Now())
	s.record(Decision{
		Timestamp: time.Now(),
		ProjectID: project.ID,
		TaskID:    task.ID,
		Strategy:  strategy,
		Reason:    string(strategy),
	})
	s.mu.Unlock()

	metrics.TasksScheduled.Inc()
}

// eligibleProjects returns enabled projects with at least one pending
// task, sorted by id for deterministic tie-breaking downstream.
func (s *Scheduler) eligibleProjects() []*domain.Project {
	byProject := s.queue.TasksByProject()
	all := s.projects.List()

	out := make([]*domain.Project, 0, len(all))
	for i := range all {
		p := all[i]
		if !p.Enabled {
			continue
		}
		if len(byProject[p.ID]) == 0 {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// record appends to the rolling decision log, evicting the oldest entry
// once decisionLogCapacity is exceeded.
func (s *Scheduler) record(d Decision) {
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > decisionLogCapacity {
		s.decisions = s.decisions[len(s.decisions)-decisionLogCapacity:]
	}
}

// Decisions returns a copy of the rolling decision log.
func (s *Scheduler) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// selectLocked dispatches to the strategy implementations. Caller holds s.mu.
func (s *Scheduler) selectLocked(strategy Strategy, eligible []*domain.Project) *domain.Project {
	switch strategy {
	case RoundRobin:
		return s.selectRoundRobinLocked(eligible)
	case WeightedRoundRobin:
		return s.selectWeightedRoundRobinLocked(eligible)
	case Priority:
		return s.selectPriority(eligible)
	case DeadlineAware:
		return s.selectDeadlineAware(eligible)
	case FairShare:
		fallthrough
	default:
		return s.selectFairShareLocked(eligible)
	}
}

// selectRoundRobinLocked cycles through eligible projects in id order,
// independent of weight or priority.
func (s *Scheduler) selectRoundRobinLocked(eligible []*domain.Project) *domain.Project {
	s.rrCursor = s.rrCursor % len(eligible)
	p := eligible[s.rrCursor]
	s.rrCursor++
	return p
}

// selectWeightedRoundRobinLocked implements smooth weighted round robin:
// each project's credit accrues by its weight every round; the
// highest-credit project is served and debited by the sum of weights.
func (s *Scheduler) selectWeightedRoundRobinLocked(eligible []*domain.Project) *domain.Project {
	var totalWeight float64
	for _, p := range eligible {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		s.wrrCredit[p.ID] += w
		totalWeight += w
	}

	var best *domain.Project
	for _, p := range eligible {
		if best == nil || s.wrrCredit[p.ID] > s.wrrCredit[best.ID] {
			best = p
		}
	}
	if best != nil {
		s.wrrCredit[best.ID] -= totalWeight
	}
	return best
}

// selectPriority picks the highest Priority project; ties go to the
// project whose next task was enqueued earliest, then to the lower id
// (eligible is sorted by id).
func (s *Scheduler) selectPriority(eligible []*domain.Project) *domain.Project {
	best := eligible[0]
	for _, p := range eligible[1:] {
		if p.Priority > best.Priority {
			best = p
		} else if p.Priority == best.Priority {
			pt, bt := s.queue.NextForProject(p.ID), s.queue.NextForProject(best.ID)
			if pt != nil && bt != nil && pt.EnqueuedAt.Before(bt.EnqueuedAt) {
				best = p
			}
		}
	}
	return best
}

// windowedServedCountLocked prunes timestamps older than fairShareWindow
// and returns how many remain, so a project over-served outside the
// window is no longer penalized for it. Caller holds s.mu.
func (s *Scheduler) windowedServedCountLocked(projectID string, now time.Time) int {
	cutoff := now.Add(-fairShareWindow)
	times := s.servedAt[projectID]
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		times = times[i:]
		s.servedAt[projectID] = times
	}
	return len(times)
}

// selectFairShareLocked picks the project with the smallest
// served-count-to-weight ratio within the trailing fair_share_window
// (§4.5), so every project converges toward an allocation proportional
// to its weight (the scheduling-side mechanism that produces a high
// Jain's fairness index, see JainFairnessIndex) and a project
// over-served long ago can catch back up.
func (s *Scheduler) selectFairShareLocked(eligible []*domain.Project) *domain.Project {
	now := time.Now()
	var best *domain.Project
	var bestRatio float64
	for _, p := range eligible {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		ratio := float64(s.windowedServedCountLocked(p.ID, now)) / w
		if best == nil || ratio < bestRatio || (ratio == bestRatio && p.ID < best.ID) {
			best = p
			bestRatio = ratio
		}
	}
	return best
}

// selectDeadlineAware picks the project whose next eligible task has
// the earliest deadline; projects with no deadline are treated as
// infinitely deferrable and only chosen once every deadline-bearing
// project has been considered.
func (s *Scheduler) selectDeadlineAware(eligible []*domain.Project) *domain.Project {
	var best *domain.Project
	var bestDeadline time.Time

	for _, p := range eligible {
		task := s.queue.NextForProject(p.ID)
		if task == nil {
			continue
		}
		if task.Deadline.IsZero() {
			continue
		}
		if best == nil || task.Deadline.Before(bestDeadline) {
			best = p
			bestDeadline = task.Deadline
		}
	}
	if best != nil {
		return best
	}

	// No project has a deadline-bearing task; fall back to fair-share
	// so the queue still drains proportionally.
	return s.selectFairShareLocked(eligible)
}

// JainFairnessIndex computes Jain's fairness index over served counts
// normalized by weight (§4.5, §8 fair-share property).
func JainFairnessIndex(servedPerWeight []float64) float64 {
	if len(servedPerWeight) == 0 {
		return 1
	}
	var sum, sumSquares float64
	for _, v := range servedPerWeight {
		sum += v
		sumSquares += v * v
	}
	if sumSquares == 0 {
		return 1
	}
	n := float64(len(servedPerWeight))
	return (sum * sum) / (n * sumSquares)
}
