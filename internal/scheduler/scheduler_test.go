package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/domain"
)

type fakeProjects struct {
	projects []domain.Project
}

func (f *fakeProjects) List() []domain.Project { return f.projects }

type fakeQueue struct {
	mu    sync.Mutex
	tasks map[string][]domain.Task
}

func (f *fakeQueue) TasksByProject() map[string][]domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]domain.Task, len(f.tasks))
	for k, v := range f.tasks {
		out[k] = append([]domain.Task(nil), v...)
	}
	return out
}

func (f *fakeQueue) NextForProject(projectID string) *domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := f.tasks[projectID]
	if len(tasks) == 0 {
		return nil
	}
	t := tasks[0]
	return &t
}

func (f *fakeQueue) remove(projectID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := f.tasks[projectID]
	for i, t := range tasks {
		if t.ID == taskID {
			f.tasks[projectID] = append(tasks[:i], tasks[i+1:]...)
			return
		}
	}
}

func projectsFixture() []domain.Project {
	return []domain.Project{
		{ID: "a", Enabled: true, Priority: 50, Weight: 1},
		{ID: "b", Enabled: true, Priority: 80, Weight: 2},
		{ID: "c", Enabled: true, Priority: 10, Weight: 1},
	}
}

func queueFixture() *fakeQueue {
	return &fakeQueue{tasks: map[string][]domain.Task{
		"a": {{ID: "a-1", ProjectID: "a"}},
		"b": {{ID: "b-1", ProjectID: "b"}},
		"c": {{ID: "c-1", ProjectID: "c"}},
	}}
}

func TestRoundRobinCyclesEveryEligibleProject(t *testing.T) {
	q := queueFixture()
	var served []string
	dispatch := func(p domain.Project, task domain.Task) error {
		served = append(served, p.ID)
		q.remove(p.ID, task.ID)
		q.tasks[p.ID] = append(q.tasks[p.ID], domain.Task{ID: p.ID + "-next", ProjectID: p.ID})
		return nil
	}
	s := New(&fakeProjects{projects: projectsFixture()}, q, dispatch, time.Hour, RoundRobin)

	for i := 0; i < 6; i++ {
		s.tick()
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, served)
}

func TestStrategySwapTakesEffectNextTick(t *testing.T) {
	q := queueFixture()
	dispatch := func(p domain.Project, task domain.Task) error {
		q.remove(p.ID, task.ID)
		q.tasks[p.ID] = append(q.tasks[p.ID], domain.Task{ID: p.ID + "-next", ProjectID: p.ID})
		return nil
	}
	s := New(&fakeProjects{projects: projectsFixture()}, q, dispatch, time.Hour, RoundRobin)

	assert.Equal(t, RoundRobin, s.CurrentStrategy())
	s.SetStrategy(Priority)
	assert.Equal(t, Priority, s.CurrentStrategy())

	s.tick()
	decisions := s.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, "b", decisions[0].ProjectID, "priority strategy must pick the highest-priority eligible project")
	assert.Equal(t, Priority, decisions[0].Strategy)
}

func TestFairShareConvergesTowardWeightProportionalAllocation(t *testing.T) {
	q := &fakeQueue{tasks: map[string][]domain.Task{}}
	// project "heavy" has weight 2 and an inexhaustible backlog; "light"
	// has weight 1. Over many ticks, heavy should be served roughly
	// twice as often as light.
	projects := []domain.Project{
		{ID: "heavy", Enabled: true, Weight: 2},
		{ID: "light", Enabled: true, Weight: 1},
	}
	refill := func(id string) {
		q.tasks[id] = append(q.tasks[id], domain.Task{ID: id + time.Now().String(), ProjectID: id})
	}
	refill("heavy")
	refill("light")

	served := map[string]int{}
	dispatch := func(p domain.Project, task domain.Task) error {
		served[p.ID]++
		q.remove(p.ID, task.ID)
		refill(p.ID)
		return nil
	}

	s := New(&fakeProjects{projects: projects}, q, dispatch, time.Hour, FairShare)
	for i := 0; i < 300; i++ {
		s.tick()
	}

	ratio := float64(served["heavy"]) / float64(served["light"])
	assert.InDelta(t, 2.0, ratio, 0.3, "fair-share should serve heavy roughly twice as often as light")
}

func TestDeadlineAwarePicksEarliestDeadline(t *testing.T) {
	now := time.Now()
	q := &fakeQueue{tasks: map[string][]domain.Task{
		"a": {{ID: "a-1", ProjectID: "a", Deadline: now.Add(time.Hour)}},
		"b": {{ID: "b-1", ProjectID: "b", Deadline: now.Add(time.Minute)}},
		"c": {{ID: "c-1", ProjectID: "c"}},
	}}
	var served string
	dispatch := func(p domain.Project, task domain.Task) error {
		served = p.ID
		q.remove(p.ID, task.ID)
		return nil
	}
	s := New(&fakeProjects{projects: projectsFixture()}, q, dispatch, time.Hour, DeadlineAware)
	s.tick()

	assert.Equal(t, "b", served)
}

func TestNoEligibleProjectsIsANoop(t *testing.T) {
	q := &fakeQueue{tasks: map[string][]domain.Task{}}
	calls := 0
	dispatch := func(domain.Project, domain.Task) error { calls++; return nil }

	s := New(&fakeProjects{projects: projectsFixture()}, q, dispatch, time.Hour, RoundRobin)
	s.tick()

	assert.Zero(t, calls)
	assert.Empty(t, s.Decisions())
}

func TestJainFairnessIndexPerfectEqualityIsOne(t *testing.T) {
	assert.InDelta(t, 1.0, JainFairnessIndex([]float64{5, 5, 5}), 1e-9)
	assert.Less(t, JainFairnessIndex([]float64{10, 0, 0}), 1.0)
}
