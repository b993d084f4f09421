package config

type Config struct {
	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Dedup     DedupConfig     `json:"dedup"`
	AutoPause AutoPauseConfig `json:"auto_pause"`
	History   HistoryConfig   `json:"history"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

// TransportConfig selects the messaging transport.
//
// Driver values:
//   - "telegram": Telegram Bot API (long polling)
//   - "dryrun": always connected, every address routable, sends are only logged
type TransportConfig struct {
	Driver   string         `json:"driver"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// APIURL points at a self-hosted Bot API server. Empty uses the public one.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings/errors into an operator chat on the transport.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the control-surface HTTP server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:3000").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
//
// There is no write timeout: send-bulk responds only after the batch drains.
type HTTPConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// DispatchConfig tunes the dispatch loop. All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - default_delay: "5s"
//   - send_timeout: "30s"
//   - retry_backoff: "5s"
//   - error_cooldown: "2s"
//   - min_digits: 10, or 5 with the telegram driver
type DispatchConfig struct {
	DefaultDelay  string `json:"default_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryBackoff  string `json:"retry_backoff,omitempty"`
	ErrorCooldown string `json:"error_cooldown,omitempty"`
	MinDigits     int    `json:"min_digits,omitempty"`
}

// DedupConfig controls the "recently contacted" skip policy.
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type DedupConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Window  string `json:"window,omitempty"` // default "720h" (30 days)
}

// AutoPauseConfig holds the startup defaults for inbound-activity auto-pause.
// Runtime changes made through the control API win until this section changes.
type AutoPauseConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true
	Duration string `json:"duration,omitempty"` // default "10m"
}

// HistoryConfig controls retention of sent-message history.
type HistoryConfig struct {
	// Retention is a Go duration string; "0s" or empty keeps the default (90 days).
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron expression or descriptor (default "@daily").
	// Set to "off" to disable scheduled pruning.
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// NotifierConfig controls operator notifications (batch summaries, auto-pause alerts).
// If the section is omitted, the notifier is disabled.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bulksend.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
