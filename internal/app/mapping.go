package app

import (
	"errors"
	"strings"
	"time"

	"bulksend/internal/config"
	"bulksend/internal/dispatch"
	"bulksend/internal/history"
	"bulksend/internal/httpapi"
	"bulksend/internal/notifier"
	"bulksend/internal/storage"
	"bulksend/internal/transport/telegram"
	logx "bulksend/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChatID:     l.Chat.ChatID,
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Transport.Telegram.Token),
		PollTimeout: poll,
		APIURL:      strings.TrimRight(strings.TrimSpace(cfg.Transport.Telegram.APIURL), "/"),
	}, nil
}

// mapStorageConfig reports enabled=false for an omitted section or driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", config.StorageNone:
		return storage.Config{}, false, nil
	case config.StorageFile:
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}, true, nil
	case config.StorageSQLite, "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: config.StorageSQLite, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, errors.New("unknown storage.driver: " + sc.Driver)
	}
}

// telegramMinDigits is the min_digits default for the telegram driver. User
// chat ids are often shorter than a phone number.
const telegramMinDigits = 5

func mapDispatchSettings(cfg *config.Config) (dispatch.Settings, error) {
	s := dispatch.DefaultSettings()
	d := cfg.Dispatch
	var errs []error
	parse := func(path, raw string, dst *time.Duration) {
		v, err := config.ParseDurationOrDefault(path, raw, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parse("dispatch.default_delay", d.DefaultDelay, &s.DefaultDelay)
	parse("dispatch.send_timeout", d.SendTimeout, &s.SendTimeout)
	parse("dispatch.retry_backoff", d.RetryBackoff, &s.RetryBackoff)
	parse("dispatch.error_cooldown", d.ErrorCooldown, &s.ErrorCooldown)
	parse("dedup.window", cfg.Dedup.Window, &s.Dedup.Window)
	switch {
	case d.MinDigits > 0:
		s.MinDigits = d.MinDigits
	case strings.EqualFold(strings.TrimSpace(cfg.Transport.Driver), "telegram"):
		s.MinDigits = telegramMinDigits
	}
	s.Dedup.MinDigits = s.MinDigits
	s.Dedup.Enabled = config.BoolOr(cfg.Dedup.Enabled, true)
	// A zero send timeout would fail every send at once.
	if s.SendTimeout <= 0 {
		s.SendTimeout = dispatch.DefaultSendTimeout
	}
	return s, errors.Join(errs...)
}

func mapAutoPause(cfg *config.Config) (dispatch.AutoPauseConfig, error) {
	d, err := config.ParseDurationOrDefault("auto_pause.duration", cfg.AutoPause.Duration, dispatch.DefaultAutoPauseDuration)
	if err != nil {
		return dispatch.AutoPauseConfig{}, err
	}
	return dispatch.AutoPauseConfig{
		Enabled:    config.BoolOr(cfg.AutoPause.Enabled, true),
		DurationMs: d.Milliseconds(),
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   read,
		IdleTimeout:   idle,
		Pprof:         h.Pprof,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 5*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:      n.Enabled,
		ChatID:       n.ChatID,
		ThreadID:     n.ThreadID,
		RatePerSec:   n.RatePerSec,
		RetryMax:     2,
		DedupWindow:  window,
		PersistDedup: true,
	}, nil
}

func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	ret, err := config.ParseDurationOrDefault("history.retention", cfg.History.Retention, history.DefaultRetention)
	if err != nil {
		return history.Config{}, err
	}
	if err := history.ValidateSchedule(cfg.History.PruneSchedule); err != nil {
		return history.Config{}, err
	}
	return history.Config{Retention: ret, Schedule: cfg.History.PruneSchedule}, nil
}

// validate runs every mapper so a reload is rejected before commit when any
// section would fail to apply.
func validate(cfg *config.Config) error {
	var errs []error
	_, err := mapTelegramConfig(cfg)
	errs = append(errs, err)
	_, _, err = mapStorageConfig(cfg)
	errs = append(errs, err)
	_, err = mapDispatchSettings(cfg)
	errs = append(errs, err)
	_, err = mapAutoPause(cfg)
	errs = append(errs, err)
	_, err = mapHTTPConfig(cfg)
	errs = append(errs, err)
	_, err = mapNotifierConfig(cfg)
	errs = append(errs, err)
	_, err = mapHistoryConfig(cfg)
	errs = append(errs, err)
	return errors.Join(errs...)
}
