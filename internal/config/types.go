package config

import (
	"batchctl/internal/job"
)

// Config is the batchctl config file. JSON or YAML; unknown keys are rejected.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the job configuration store. Omitted means memory.
	Storage *StorageConfig `json:"storage,omitempty"`

	// TaskEngine runs ASYNCHRONOUS launches.
	//
	// Defaults (when fields are omitted/zero):
	//   - enabled: true
	//   - workers: 4
	//   - queue_size: 256
	//   - default_timeout: "0s" (disabled)
	//   - max_queue_delay: "0s" (disabled)
	//   - history_size: 200
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Listener  ListenerConfig  `json:"listener"`

	// HTTP is the optional admin API. Disabled when omitted.
	HTTP *HTTPConfig `json:"http,omitempty"`

	// Jobs are seed configurations stored at startup when no configuration with
	// the same job name exists yet.
	Jobs []job.Configuration `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./batchctl.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops launches queued longer than this.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the IANA zone cron expressions are evaluated in. Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// ListenerConfig throttles file-arrival launches per listener unit.
type ListenerConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// HTTPConfig controls the admin API server.
//
// Example:
//
//	"http": { "enabled": true, "addr": "127.0.0.1:8089", "pprof": true }
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
