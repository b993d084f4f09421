package config

import (
	"sort"
	"strings"

	logx "bulksend/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	trim := strings.TrimSpace

	if oldCfg.Transport.Driver != newCfg.Transport.Driver ||
		trim(oldCfg.Transport.Telegram.PollTimeout) != trim(newCfg.Transport.Telegram.PollTimeout) ||
		trim(oldCfg.Transport.Telegram.APIURL) != trim(newCfg.Transport.Telegram.APIURL) ||
		oldCfg.Transport.Telegram.Token != newCfg.Transport.Telegram.Token {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Bool("transport.token_set", trim(newCfg.Transport.Telegram.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", trim(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", trim(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.default_delay", newCfg.Dispatch.DefaultDelay),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
		)
	}

	if !DedupEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.Bool("dedup.enabled", BoolOr(newCfg.Dedup.Enabled, true)),
			logx.String("dedup.window", newCfg.Dedup.Window),
		)
	}

	if !AutoPauseEqual(oldCfg.AutoPause, newCfg.AutoPause) {
		changed = append(changed, "auto_pause")
		attrs = append(attrs,
			logx.Bool("auto_pause.enabled", BoolOr(newCfg.AutoPause.Enabled, true)),
			logx.String("auto_pause.duration", newCfg.AutoPause.Duration),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.retention", newCfg.History.Retention),
			logx.String("history.prune_schedule", newCfg.History.PruneSchedule),
		)
	}

	if !ptrEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		enabled := newCfg.Notifier != nil && newCfg.Notifier.Enabled
		attrs = append(attrs, logx.Bool("notifier.enabled", enabled))
	}

	if !ptrEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	sort.Strings(changed)
	return changed, attrs
}

// DedupEqual compares by effective value so an omitted "enabled" equals true.
func DedupEqual(a, b DedupConfig) bool {
	return BoolOr(a.Enabled, true) == BoolOr(b.Enabled, true) && trimEq(a.Window, b.Window)
}

func AutoPauseEqual(a, b AutoPauseConfig) bool {
	return BoolOr(a.Enabled, true) == BoolOr(b.Enabled, true) && trimEq(a.Duration, b.Duration)
}

// RestartRequired reports sections that cannot be applied live.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Transport != newCfg.Transport {
		out = append(out, "transport")
	}
	if !ptrEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func trimEq(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }
