// Package domain holds the plain data types shared across every
// component: Project, Task, Worker, ScalingEvent, and MetricSample.
package domain

import "time"

// Project is a registered unit of work ownership (§3.1).
type Project struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	FilesystemPath string            `json:"filesystem_path"`
	Enabled        bool              `json:"enabled"`
	Priority       int               `json:"priority"`
	Weight         float64           `json:"weight"`
	MaxConcurrent  int               `json:"max_concurrent"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// DefaultProject fills in the §3.1 defaults for an otherwise zero Project.
func DefaultProject() Project {
	return Project{
		Enabled:       true,
		Priority:      50,
		Weight:        1.0,
		MaxConcurrent: 5,
	}
}

// TaskStatus is the closed set of task lifecycle states (§3.2).
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work flowing through the global queue (§3.2).
type Task struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	Type              string         `json:"type"`
	Priority          int            `json:"priority"`
	EffectivePriority int            `json:"effective_priority"`
	EnqueuedAt        time.Time      `json:"enqueued_at"`
	Payload           map[string]any `json:"payload,omitempty"`
	Attempts          int            `json:"attempts"`
	MaxAttempts       int            `json:"max_attempts"`
	Status            TaskStatus     `json:"status"`
	AssignedWorkerID  string         `json:"assigned_worker_id,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
	FinishedAt        time.Time      `json:"finished_at,omitzero"`
	LastError         string         `json:"last_error,omitempty"`
	Deadline          time.Time      `json:"deadline,omitzero"`
	Preemptible       bool           `json:"preemptible"`
	TimeoutMS         int            `json:"timeout_ms,omitempty"`
}

// WorkerStatus is the closed set of worker lifecycle states (§3.3, §4.7).
type WorkerStatus string

const (
	WorkerStarting  WorkerStatus = "starting"
	WorkerRunning   WorkerStatus = "running"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerStopping  WorkerStatus = "stopping"
	WorkerStopped   WorkerStatus = "stopped"
	WorkerZombie    WorkerStatus = "zombie"
	WorkerFailed    WorkerStatus = "failed"
)

// Worker is a supervised child process that executes tasks (§3.3).
type Worker struct {
	ID              string       `json:"id"`
	ProjectID       string       `json:"project_id,omitempty"`
	PID             int          `json:"pid"`
	Status          WorkerStatus `json:"status"`
	StartTime       time.Time    `json:"start_time"`
	RestartCount    int          `json:"restart_count"`
	LastHealthCheck time.Time    `json:"last_health_check,omitzero"`
	CurrentLoad     int          `json:"current_load"`
	MaxConcurrent   int          `json:"max_concurrent"`
	Weight          float64      `json:"weight"`
}

// ScalingAction is the closed set of auto-scaler decisions (§3.4, §4.8).
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale-up"
	ScaleDown ScalingAction = "scale-down"
	ScaleNone ScalingAction = "none"
)

// ScalingEvent is an audit record of one auto-scaler decision (§3.4).
type ScalingEvent struct {
	Timestamp       time.Time      `json:"timestamp"`
	Action          ScalingAction  `json:"action"`
	BeforeCount     int            `json:"before_count"`
	AfterCount      int            `json:"after_count"`
	Increment       int            `json:"increment"`
	Reason          string         `json:"reason"`
	MetricsSnapshot map[string]any `json:"metrics_snapshot,omitempty"`
	Forced          bool           `json:"forced"`
}

// TaskQueueSnapshot is the queue-depth portion of a metric sample (§3.5).
type TaskQueueSnapshot struct {
	Size       int `json:"size"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// WorkerStatsSnapshot is the worker-count portion of a metric sample (§3.5).
type WorkerStatsSnapshot struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

// MetricSample is one tick of the metrics collector's series (§3.5).
type MetricSample struct {
	Timestamp      time.Time           `json:"timestamp"`
	CPUCores       []float64           `json:"cpu_cores"`
	CPUAverage     float64             `json:"cpu_average"`
	MemoryPercent  float64             `json:"memory_percent"`
	TaskQueue      TaskQueueSnapshot   `json:"task_queue"`
	WorkerStats    WorkerStatsSnapshot `json:"worker_stats"`
}
