package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DriverTelegram = "telegram"
	DriverDryRun   = "dryrun"

	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageNone   = "none"
)

// Validate checks values the decoder cannot: enum fields, duration syntax and
// cross-field requirements. All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch TransportDriver(cfg) {
	case DriverTelegram:
		if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			add(errors.New("transport.telegram.token: required for the telegram driver"))
		}
		_, err := ParseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout)
		add(err)
	case DriverDryRun:
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID == 0 {
		add(errors.New("logging.chat.chat_id: required when chat logging is enabled"))
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"dispatch.default_delay", cfg.Dispatch.DefaultDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"dispatch.retry_backoff", cfg.Dispatch.RetryBackoff},
		{"dispatch.error_cooldown", cfg.Dispatch.ErrorCooldown},
		{"dedup.window", cfg.Dedup.Window},
		{"auto_pause.duration", cfg.AutoPause.Duration},
		{"history.retention", cfg.History.Retention},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
	if cfg.Dispatch.MinDigits < 0 {
		add(errors.New("dispatch.min_digits: must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		if n.Enabled && n.ChatID == 0 {
			add(errors.New("notifier.chat_id: required when the notifier is enabled"))
		}
		_, err := ParseDurationField("notifier.dedup_window", n.DedupWindow)
		add(err)
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", StorageNone:
		case StorageSQLite, StorageFile:
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for the %s driver", d))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	return errors.Join(errs...)
}

// TransportDriver returns the normalized driver name (telegram when omitted).
func TransportDriver(cfg *Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	if d == "" {
		return DriverTelegram
	}
	return d
}
