package controlplane

import (
	"encoding/json"
	"time"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/registry"
)

// buildHandlers assembles the §4.9 command table. Every handler takes
// the raw params and returns a JSON-serializable result or an
// *apperrors.Error.
func (s *Server) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"ping":               s.cmdPing,
		"status":             s.cmdStatus,
		"get-queue-status":   s.cmdGetQueueStatus,
		"queue-task":         s.cmdQueueTask,
		"get-next-task":      s.cmdGetNextTask,
		"complete-task":      s.cmdCompleteTask,
		"fail-task":          s.cmdFailTask,
		"cancel-task":        s.cmdCancelTask,
		"register-project":   s.cmdRegisterProject,
		"unregister-project": s.cmdUnregisterProject,
		"get-project-info":   s.cmdGetProjectInfo,
		"update-project":     s.cmdUpdateProject,
		"enable-project":     s.cmdEnableProject,
		"disable-project":    s.cmdDisableProject,
		"list-projects":      s.cmdListProjects,
		"scale-workers":      s.cmdScaleWorkers,
		"get-worker-status":  s.cmdGetWorkerStatus,
		"config-update":      s.cmdConfigUpdate,
		"reload-config":      s.cmdReloadConfig,
		"shutdown":           s.cmdShutdown,
	}
}

func decode[T any](params json.RawMessage, out *T) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return apperrors.Wrap(apperrors.InvalidConfig, err, "decoding command params")
	}
	return nil
}

func (s *Server) cmdPing(params json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "time": time.Now()}, nil
}

func (s *Server) cmdStatus(params json.RawMessage) (any, error) {
	out := map[string]any{"uptime": time.Since(s.startedAt).String()}
	if s.deps.Queue != nil {
		out["queue"] = s.deps.Queue.Stats()
	}
	if s.deps.Workers != nil {
		out["workers"] = s.deps.Workers.List()
	}
	if s.deps.Scheduler != nil {
		out["scheduling_strategy"] = s.deps.Scheduler.CurrentStrategy()
	}
	if s.deps.Metrics != nil {
		out["metrics"] = s.deps.Metrics.GetAggregated()
	}
	if s.deps.Scaler != nil {
		out["scaling_history"] = s.deps.Scaler.History()
	}
	return out, nil
}

func (s *Server) cmdGetQueueStatus(params json.RawMessage) (any, error) {
	if s.deps.Queue == nil {
		return nil, apperrors.New(apperrors.Internal, "queue not available")
	}
	return s.deps.Queue.Stats(), nil
}

type queueTaskParams struct {
	ProjectID     string         `json:"project_id"`
	Type          string         `json:"type"`
	Priority      int            `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	MaxAttempts   int            `json:"max_attempts,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Preemptible   bool           `json:"preemptible,omitempty"`
	TimeoutMS     int            `json:"timeout_ms,omitempty"`
}

func (s *Server) cmdQueueTask(params json.RawMessage) (any, error) {
	if s.deps.Queue == nil {
		return nil, apperrors.New(apperrors.Internal, "queue not available")
	}
	var p queueTaskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	t := domain.Task{
		ProjectID:   p.ProjectID,
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		MaxAttempts: p.MaxAttempts,
		Preemptible: p.Preemptible,
		TimeoutMS:   p.TimeoutMS,
	}
	if p.Deadline != nil {
		t.Deadline = *p.Deadline
	}
	id, err := s.deps.Queue.Enqueue(t)
	if err != nil {
		return nil, err
	}
	return map[string]string{"task_id": id}, nil
}

type getNextTaskParams struct {
	ProjectID string `json:"project_id"`
	WorkerID  string `json:"worker_id,omitempty"`
}

func (s *Server) cmdGetNextTask(params json.RawMessage) (any, error) {
	if s.deps.Queue == nil {
		return nil, apperrors.New(apperrors.Internal, "queue not available")
	}
	var p getNextTaskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task := s.deps.Queue.NextForProject(p.ProjectID)
	if task == nil {
		return nil, apperrors.Newf(apperrors.NotFound, "no pending task for project %q", p.ProjectID)
	}
	if p.WorkerID != "" {
		if err := s.deps.Queue.StartTask(task.ID, p.WorkerID); err != nil {
			return nil, err
		}
	}
	return task, nil
}

type taskIDParams struct {
	TaskID string `json:"task_id"`
}

func (s *Server) cmdCompleteTask(params json.RawMessage) (any, error) {
	if s.deps.Queue == nil {
		return nil, apperrors.New(apperrors.Internal, "queue not available")
	}
	var p taskIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Queue.Complete(p.TaskID)
}

type failTaskParams struct {
	TaskID       string `json:"task_id"`
	Error        string `json:"error"`
	RetryDelayMS int    `json:"retry_delay_ms,omitempty"`
	MaxDelayMS   int    `json:"max_delay_ms,omitempty"`
}

func (s *Server) cmdFailTask(params json.RawMessage) (any, error) {
	if s.deps.Queue == nil {
		return nil, apperrors.New(apperrors.Internal, "queue not available")
	}
	var p failTaskParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	retryDelay := time.Duration(p.RetryDelayMS) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	maxDelay := time.Duration(p.MaxDelayMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	return nil, s.deps.Queue.Fail(p.TaskID, p.Error, retryDelay, maxDelay)
}

func (s *Server) cmdCancelTask(params json.RawMessage) (any, error) {
	if s.deps.Queue == nil {
		return nil, apperrors.New(apperrors.Internal, "queue not available")
	}
	var p taskIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Queue.Cancel(p.TaskID)
}

type registerProjectParams struct {
	Path          string            `json:"path"`
	ID            string            `json:"id,omitempty"`
	Name          string            `json:"name,omitempty"`
	Enabled       *bool             `json:"enabled,omitempty"`
	Priority      *int              `json:"priority,omitempty"`
	Weight        *float64          `json:"weight,omitempty"`
	MaxConcurrent *int              `json:"max_concurrent,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (s *Server) cmdRegisterProject(params json.RawMessage) (any, error) {
	if s.deps.Registry == nil {
		return nil, apperrors.New(apperrors.Internal, "registry not available")
	}
	var p registerProjectParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, err := s.deps.Registry.Register(p.Path, registry.Options{
		ID:            p.ID,
		Name:          p.Name,
		Enabled:       p.Enabled,
		Priority:      p.Priority,
		Weight:        p.Weight,
		MaxConcurrent: p.MaxConcurrent,
		Tags:          p.Tags,
		Metadata:      p.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

type unregisterProjectParams struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) cmdUnregisterProject(params json.RawMessage) (any, error) {
	if s.deps.Registry == nil {
		return nil, apperrors.New(apperrors.Internal, "registry not available")
	}
	var p unregisterProjectParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Registry.Unregister(p.ID, p.Force)
}

type projectIDParams struct {
	ID string `json:"id"`
}

func (s *Server) cmdGetProjectInfo(params json.RawMessage) (any, error) {
	if s.deps.Registry == nil {
		return nil, apperrors.New(apperrors.Internal, "registry not available")
	}
	var p projectIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.deps.Registry.Get(p.ID)
}

type updateProjectParams struct {
	ID            string            `json:"id"`
	Name          *string           `json:"name,omitempty"`
	Priority      *int              `json:"priority,omitempty"`
	Weight        *float64          `json:"weight,omitempty"`
	MaxConcurrent *int              `json:"max_concurrent,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (s *Server) cmdUpdateProject(params json.RawMessage) (any, error) {
	if s.deps.Registry == nil {
		return nil, apperrors.New(apperrors.Internal, "registry not available")
	}
	var p updateProjectParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Registry.Update(p.ID, registry.Patch{
		Name:          p.Name,
		Priority:      p.Priority,
		Weight:        p.Weight,
		MaxConcurrent: p.MaxConcurrent,
		Tags:          p.Tags,
		Metadata:      p.Metadata,
	})
}

func (s *Server) cmdEnableProject(params json.RawMessage) (any, error) {
	if s.deps.Registry == nil {
		return nil, apperrors.New(apperrors.Internal, "registry not available")
	}
	var p projectIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Registry.Enable(p.ID)
}

func (s *Server) cmdDisableProject(params json.RawMessage) (any, error) {
	if s.deps.Registry == nil {
		return nil, apperrors.New(apperrors.Internal, "registry not available")
	}
	var p projectIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Registry.Disable(p.ID)
}

func (s *Server) cmdListProjects(params json.RawMessage) (any, error) {
	if s.deps.Registry == nil {
		return nil, apperrors.New(apperrors.Internal, "registry not available")
	}
	return s.deps.Registry.List(), nil
}

type scaleWorkersParams struct {
	Delta int `json:"delta"`
}

func (s *Server) cmdScaleWorkers(params json.RawMessage) (any, error) {
	if s.deps.Scaler == nil {
		return nil, apperrors.New(apperrors.Internal, "autoscaler not available")
	}
	var p scaleWorkersParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, s.deps.Scaler.ForceScale(p.Delta)
}

type getWorkerStatusParams struct {
	WorkerID string `json:"worker_id,omitempty"`
}

func (s *Server) cmdGetWorkerStatus(params json.RawMessage) (any, error) {
	if s.deps.Workers == nil {
		return nil, apperrors.New(apperrors.Internal, "worker manager not available")
	}
	var p getWorkerStatusParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.WorkerID != "" {
		return s.deps.Workers.Status(p.WorkerID)
	}
	return s.deps.Workers.List(), nil
}

func (s *Server) cmdConfigUpdate(params json.RawMessage) (any, error) {
	if s.deps.Config == nil {
		return nil, apperrors.New(apperrors.Internal, "config store not available")
	}
	var patch map[string]any
	if err := decode(params, &patch); err != nil {
		return nil, err
	}
	requiresRestart, err := s.deps.Config.Update(patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"requires_restart": requiresRestart}, nil
}

func (s *Server) cmdReloadConfig(params json.RawMessage) (any, error) {
	if s.deps.Config == nil {
		return nil, apperrors.New(apperrors.Internal, "config store not available")
	}
	return nil, s.deps.Config.Reload()
}

// cmdShutdown acks immediately and runs the actual teardown
// asynchronously (§4.9's long-running command contract).
func (s *Server) cmdShutdown(params json.RawMessage) (any, error) {
	if s.deps.Shutdown != nil {
		go s.deps.Shutdown()
	}
	return map[string]any{"shutting_down": true}, nil
}
