package controlplane

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/autoscaler"
	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/framing"
	"github.com/poppobuilder/poppod/internal/lifecycle"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/queue"
	"github.com/poppobuilder/poppod/internal/registry"
	"github.com/poppobuilder/poppod/internal/scheduler"
)

type fakeRegistry struct {
	projects map[string]domain.Project
}

func (f *fakeRegistry) Register(path string, opts registry.Options) (string, error) {
	id := opts.ID
	if id == "" {
		id = filepath.Base(path)
	}
	if _, exists := f.projects[id]; exists {
		return "", apperrors.Newf(apperrors.AlreadyExists, "project %q exists", id)
	}
	f.projects[id] = domain.Project{ID: id, FilesystemPath: path, Name: opts.Name, Enabled: true}
	return id, nil
}
func (f *fakeRegistry) Unregister(id string, force bool) error {
	if _, ok := f.projects[id]; !ok {
		return apperrors.Newf(apperrors.NotFound, "no project %q", id)
	}
	delete(f.projects, id)
	return nil
}
func (f *fakeRegistry) Enable(id string) error  { return f.setEnabled(id, true) }
func (f *fakeRegistry) Disable(id string) error { return f.setEnabled(id, false) }
func (f *fakeRegistry) setEnabled(id string, enabled bool) error {
	p, ok := f.projects[id]
	if !ok {
		return apperrors.Newf(apperrors.NotFound, "no project %q", id)
	}
	p.Enabled = enabled
	f.projects[id] = p
	return nil
}
func (f *fakeRegistry) Update(id string, patch registry.Patch) error {
	p, ok := f.projects[id]
	if !ok {
		return apperrors.Newf(apperrors.NotFound, "no project %q", id)
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	f.projects[id] = p
	return nil
}
func (f *fakeRegistry) Get(id string) (domain.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return domain.Project{}, apperrors.Newf(apperrors.NotFound, "no project %q", id)
	}
	return p, nil
}
func (f *fakeRegistry) List() []domain.Project {
	out := make([]domain.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out
}

type fakeQueue struct {
	enqueued []domain.Task
	next     *domain.Task
	failErr  error
}

func (f *fakeQueue) Enqueue(t domain.Task) (string, error) {
	t.ID = fmt.Sprintf("task-%d", len(f.enqueued))
	f.enqueued = append(f.enqueued, t)
	return t.ID, nil
}
func (f *fakeQueue) NextForProject(projectID string) *domain.Task { return f.next }
func (f *fakeQueue) StartTask(taskID, workerID string) error      { return nil }
func (f *fakeQueue) Complete(taskID string) error                 { return nil }
func (f *fakeQueue) Fail(taskID, errMsg string, retryDelay, maxDelay time.Duration) error {
	return f.failErr
}
func (f *fakeQueue) Cancel(taskID string) error { return nil }
func (f *fakeQueue) Stats() queue.Stats         { return queue.Stats{Queued: len(f.enqueued)} }

type fakeScaler struct {
	lastDelta int
	err       error
}

func (f *fakeScaler) ForceScale(delta int) error {
	f.lastDelta = delta
	return f.err
}
func (f *fakeScaler) History() []domain.ScalingEvent { return nil }

func newTestServer(t *testing.T) (*Server, *fakeRegistry, *fakeQueue, *fakeScaler, string) {
	t.Helper()
	reg := &fakeRegistry{projects: map[string]domain.Project{}}
	q := &fakeQueue{}
	sc := &fakeScaler{}

	socketPath := filepath.Join(t.TempDir(), "test.sock")
	cfg := DefaultConfig()
	cfg.SocketPath = socketPath
	srv := New(cfg, Dependencies{Registry: reg, Queue: q, Scaler: sc})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, reg, q, sc, socketPath
}

func call(t *testing.T, socketPath, command string, params any) response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	var raw []byte
	if params != nil {
		raw = mustMarshal(params)
	}
	require.NoError(t, framing.WriteJSON(conn, request{ID: "1", Command: command, Params: raw}))

	var resp response
	require.NoError(t, framing.ReadJSON(conn, &resp))
	return resp
}

func TestPingSucceeds(t *testing.T) {
	_, _, _, _, sock := newTestServer(t)
	resp := call(t, sock, "ping", nil)
	assert.True(t, resp.OK)
}

func TestUnknownCommandReturnsUnknownCommandKind(t *testing.T) {
	_, _, _, _, sock := newTestServer(t)
	resp := call(t, sock, "no-such-command", nil)
	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.UnknownCommand, resp.Error.Kind)
}

func TestQueueTaskThenGetQueueStatus(t *testing.T) {
	_, _, q, _, sock := newTestServer(t)
	resp := call(t, sock, "queue-task", queueTaskParams{ProjectID: "proj-a", Type: "lint", Priority: 50})
	require.True(t, resp.OK)
	assert.Len(t, q.enqueued, 1)

	resp = call(t, sock, "get-queue-status", nil)
	require.True(t, resp.OK)
}

func TestRegisterThenGetProjectInfo(t *testing.T) {
	_, reg, _, _, sock := newTestServer(t)
	resp := call(t, sock, "register-project", registerProjectParams{Path: "/repos/proj-a", Name: "proj-a"})
	require.True(t, resp.OK)
	assert.Len(t, reg.projects, 1)

	resp = call(t, sock, "get-project-info", projectIDParams{ID: "proj-a"})
	require.True(t, resp.OK)
}

func TestGetProjectInfoMissingReturnsNotFound(t *testing.T) {
	_, _, _, _, sock := newTestServer(t)
	resp := call(t, sock, "get-project-info", projectIDParams{ID: "does-not-exist"})
	require.False(t, resp.OK)
	assert.Equal(t, apperrors.NotFound, resp.Error.Kind)
}

func TestScaleWorkersInvokesScaler(t *testing.T) {
	_, _, _, sc, sock := newTestServer(t)
	resp := call(t, sock, "scale-workers", scaleWorkersParams{Delta: 2})
	require.True(t, resp.OK)
	assert.Equal(t, 2, sc.lastDelta)
}

func TestDependencyMissingReturnsInternal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "no-deps.sock")
	srv := New(cfg, Dependencies{})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	resp := call(t, cfg.SocketPath, "list-projects", nil)
	require.False(t, resp.OK)
	assert.Equal(t, apperrors.Internal, resp.Error.Kind)
}

func TestShutdownAcksImmediatelyThenInvokesCallback(t *testing.T) {
	reg := &fakeRegistry{projects: map[string]domain.Project{}}
	q := &fakeQueue{}
	sc := &fakeScaler{}

	done := make(chan struct{})
	socketPath := filepath.Join(t.TempDir(), "shutdown.sock")
	cfg := DefaultConfig()
	cfg.SocketPath = socketPath
	srv := New(cfg, Dependencies{
		Registry: reg, Queue: q, Scaler: sc,
		Shutdown: func() { close(done) },
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	resp := call(t, socketPath, "shutdown", nil)
	require.True(t, resp.OK)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}

// compile-time interface satisfaction checks, mirroring the teacher's
// pattern of asserting concrete types against narrow interfaces.
var (
	_ ProjectRegistry  = (*registry.Registry)(nil)
	_ TaskQueue        = (*queue.Queue)(nil)
	_ SchedulerControl = (*scheduler.Scheduler)(nil)
	_ ConfigStore      = (*config.Store)(nil)
	_ MetricsSource    = (*metrics.Collector)(nil)
	_ WorkerManager    = (*lifecycle.Manager)(nil)
	_ Scaler           = (*autoscaler.Autoscaler)(nil)
)
