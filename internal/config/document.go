// Package config implements the Config Store (C1): a validated,
// read-copy-update configuration document with atomic persistence and
// watch-based live reload (§3.6, §4.1).
package config

import "encoding/json"

// Document is the configuration tree. Every top-level section is closed
// (§3.6): schema validation rejects unrecognized keys.
type Document struct {
	Version int `json:"version" validate:"required,gte=1"`

	Daemon struct {
		Enabled           bool   `json:"enabled"`
		MaxProcesses      int    `json:"max_processes" validate:"gte=0"`
		SchedulingStrategy string `json:"scheduling_strategy" validate:"oneof=round-robin weighted-round-robin priority fair-share deadline-aware"`
		Port              int    `json:"port" validate:"gte=0,lte=65535"`
		Host              string `json:"host"`
		SocketPath        string `json:"socket_path"`
	} `json:"daemon"`

	TaskQueue struct {
		MaxQueueSize       int `json:"max_queue_size" validate:"gt=0"`
		PriorityManagement struct {
			Enabled     bool `json:"enabled"`
			Preemption struct {
				Enabled bool `json:"enabled"`
			} `json:"preemption"`
		} `json:"priority_management"`
	} `json:"task_queue"`

	WorkerPool struct {
		MinWorkers int    `json:"min_workers" validate:"gte=0"`
		MaxWorkers int    `json:"max_workers" validate:"gtefield=MinWorkers"`
		Strategy   string `json:"strategy" validate:"oneof=round-robin least-connections weighted-round-robin response-time random"`
	} `json:"worker_pool"`

	Resources struct {
		MaxMemoryMB   int     `json:"max_memory_mb" validate:"gte=0"`
		MaxCPUPercent float64 `json:"max_cpu_percent" validate:"gte=0,lte=100"`
	} `json:"resources"`

	Defaults struct {
		PollingIntervalMS int    `json:"polling_interval_ms" validate:"gt=0"`
		TimeoutMS         int    `json:"timeout_ms" validate:"gt=0"`
		RetryAttempts     int    `json:"retry_attempts" validate:"gte=0"`
		RetryDelayMS      int    `json:"retry_delay_ms" validate:"gte=0"`
		Language          string `json:"language"`
	} `json:"defaults"`

	Logging struct {
		Level     string `json:"level" validate:"oneof=debug info warn error"`
		Directory string `json:"directory"`
	} `json:"logging"`

	Updates struct {
		Check   bool   `json:"check"`
		Channel string `json:"channel"`
	} `json:"updates"`

	Registry struct {
		DiscoveryPaths []string `json:"discovery_paths,omitempty"`
	} `json:"registry"`

	StateManagement struct {
		Type string `json:"type" validate:"oneof=file remote-kv"`
	} `json:"state_management"`
}

// HotKeys is the set of config paths that apply live without a restart
// (§4.1). Keys not listed here are "cold" and are accepted but flagged
// requires_restart.
var HotKeys = map[string]bool{
	"daemon.max_processes":       true,
	"daemon.scheduling_strategy": true,
	"logging.level":              true,
	"worker_pool.strategy":       true,
	"defaults.polling_interval_ms": true,
	"defaults.timeout_ms":          true,
	"defaults.retry_attempts":      true,
	"defaults.retry_delay_ms":      true,
}

// IsHotKey reports whether path applies without requiring a restart.
func IsHotKey(path string) bool { return HotKeys[path] }

// Default returns the built-in default Document (§3.6 defaults across
// the spec, consolidated as constants rather than runtime merges, §9).
func Default() *Document {
	d := &Document{Version: 1}
	d.Daemon.Enabled = true
	d.Daemon.MaxProcesses = 4
	d.Daemon.SchedulingStrategy = "fair-share"
	d.Daemon.Port = 3003
	d.Daemon.Host = "127.0.0.1"
	d.Daemon.SocketPath = "daemon.sock"
	d.TaskQueue.MaxQueueSize = 1000
	d.TaskQueue.PriorityManagement.Enabled = true
	d.TaskQueue.PriorityManagement.Preemption.Enabled = false
	d.WorkerPool.MinWorkers = 1
	d.WorkerPool.MaxWorkers = 4
	d.WorkerPool.Strategy = "round-robin"
	d.Resources.MaxMemoryMB = 4096
	d.Resources.MaxCPUPercent = 80
	d.Defaults.PollingIntervalMS = 1000
	d.Defaults.TimeoutMS = 300000
	d.Defaults.RetryAttempts = 3
	d.Defaults.RetryDelayMS = 5000
	d.Defaults.Language = "en"
	d.Logging.Level = "info"
	d.Logging.Directory = "logs"
	d.Updates.Check = false
	d.Updates.Channel = "stable"
	d.Registry.DiscoveryPaths = nil
	d.StateManagement.Type = "file"
	return d
}

// decode unmarshals raw JSON into a Document.
func decode(raw []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Clone returns a deep copy, matching §4.1's "every value read is a deep
// clone" contract.
func (d *Document) Clone() *Document {
	c := *d
	c.Registry.DiscoveryPaths = append([]string(nil), d.Registry.DiscoveryPaths...)
	return &c
}
