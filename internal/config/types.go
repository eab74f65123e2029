package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserIDs may create, edit and delete events and schedules.
	AdminUserIDs []int64 `json:"admin_user_ids"`

	// PollTimeout is a Go duration string for the long-poll window (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// SendRatePerSec caps outbound sends/edits across the whole bot.
	// 0 means the default (20/s, below Telegram's global bot limit).
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./rosterbot_data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the tick loop and clock-in behavior.
//
// All durations are Go duration strings (e.g. "500ms", "15s").
type SchedulerConfig struct {
	// Timezone is the IANA zone all time-of-day math runs in (e.g. "Asia/Jakarta").
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	// TickInterval defaults to "15s".
	TickInterval string `json:"tick_interval,omitempty"`

	// FlushDebounce bounds how long a mutation may sit unflushed (default "500ms").
	FlushDebounce string `json:"flush_debounce,omitempty"`

	// Startup reconciliation throttle for tracked clock-in messages.
	ReconcileStepDelay string `json:"reconcile_step_delay,omitempty"` // default "250ms"
	ReconcileMaxSteps  int    `json:"reconcile_max_steps,omitempty"`  // default 50
}
