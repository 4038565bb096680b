package config

import (
	"noticore/internal/resolver"
)

// Config is the daemon's file configuration. JSON or YAML; unknown keys
// are rejected so typos surface at load time instead of silently using
// defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Registry *RegistryConfig `json:"registry,omitempty"`
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`

	// Notifications seeds the notification configuration on first start.
	// Once a persisted record exists it wins over this seed.
	Notifications *resolver.GlobalConfig `json:"notifications,omitempty"`
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

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./noticore_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SchedulerConfig struct {
	// Timezone is an IANA TZ name used by recurring jobs. Empty means
	// the process-local timezone.
	Timezone string `json:"timezone,omitempty"`
}

// RegistryConfig controls operation tracking.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type RegistryConfig struct {
	// Retention keeps finished operations readable before purge.
	// Default "5m".
	Retention string `json:"retention,omitempty"`
	// Intervals are the elapsed-time notification triggers.
	// Default ["5m","10m","30m"].
	Intervals []string `json:"intervals,omitempty"`
	// Heartbeat is the diagnostic heartbeat period. "0s" disables.
	Heartbeat string `json:"heartbeat,omitempty"`
	// ProgressStep is the minimum progress advance between progress
	// notifications. Default 25.
	ProgressStep float64 `json:"progress_step,omitempty"`
}

// DispatchConfig controls the async delivery pipeline.
//
// All durations are Go duration strings.
type DispatchConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	NotifyTimeout string  `json:"notify_timeout,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
}
