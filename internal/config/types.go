package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the persistence backend. The sqlite driver is the
	// default; "memory" keeps everything in-process (useful for tests and
	// dry runs).
	Storage StorageConfig `json:"storage"`

	// Sched controls the cron trigger service that drives the pipeline
	// poll and the repack sweep.
	Sched SchedConfig `json:"sched"`

	// Pipeline controls the async orchestrator (ingress, dedup, worker).
	Pipeline *PipelineConfig `json:"pipeline,omitempty"`

	// Repair controls the periodic repack sweep.
	Repair RepairConfig `json:"repair"`

	// Notify controls outbound delivery. If the telegram block is omitted
	// notifications are logged only.
	Notify *NotifyConfig `json:"notify,omitempty"`
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
//	"storage": { "driver": "sqlite", "path": "./planwise.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SchedConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// PipelineConfig controls the async task pipeline.
//
// All durations are Go duration strings (e.g. "30s", "5m").
//
// Enabled is a pointer so an omitted block defaults to enabled while an
// explicit false turns the pipeline off.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64
//   - poll_every: "30s"
//   - seen_ttl: "168h"
//   - recent_errors: 20
type PipelineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// PollEvery is how often unprocessed prompts are pulled from storage.
	PollEvery string `json:"poll_every,omitempty"`

	// SeenTTL is how long a completed item id stays in the dedup window.
	SeenTTL string `json:"seen_ttl,omitempty"`

	RecentErrors int `json:"recent_errors,omitempty"`

	// ContextEntries adds preparation and break blocks around merged tasks.
	ContextEntries bool `json:"context_entries,omitempty"`
}

// RepairConfig controls the periodic repack sweep.
type RepairConfig struct {
	Enabled bool `json:"enabled"`

	// SweepEvery is a Go duration string. Defaults to "5m" when omitted.
	SweepEvery string `json:"sweep_every,omitempty"`
}

// NotifyConfig controls outbound notification delivery.
type NotifyConfig struct {
	Enabled    bool            `json:"enabled"`
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	RetryMax   int             `json:"retry_max,omitempty"`
	Telegram   *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}
