package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "transport": {"driver": "dryrun"},
  "logging": {"level": "debug", "console": true},
  "http": {"addr": "127.0.0.1:3000"},
  "dispatch": {"default_delay": "5s", "send_timeout": "30s"},
  "dedup": {"enabled": false, "window": "720h"},
  "auto_pause": {"duration": "10m"},
  "storage": {"driver": "sqlite", "path": "./data/bulksend.db"}
}`

const sampleYAML = `
transport:
  driver: dryrun
logging:
  level: info
  console: true
dispatch:
  default_delay: 2s
  min_digits: 8
auto_pause:
  enabled: false
`

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Transport.Driver != "dryrun" {
		t.Fatalf("driver=%q", cfg.Transport.Driver)
	}
	if BoolOr(cfg.Dedup.Enabled, true) {
		t.Fatalf("dedup.enabled should be false")
	}
	if BoolOr(cfg.AutoPause.Enabled, true) != true {
		t.Fatalf("auto_pause.enabled should default to true")
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Dispatch.MinDigits != 8 || cfg.Dispatch.DefaultDelay != "2s" {
		t.Fatalf("dispatch=%+v", cfg.Dispatch)
	}
	if BoolOr(cfg.AutoPause.Enabled, true) {
		t.Fatalf("auto_pause.enabled should be false")
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := []struct {
		name string
		path string
		data string
	}{
		{"unknown field", "c.json", `{"transport":{"driver":"dryrun"},"bogus":1}`},
		{"trailing data", "c.json", `{"transport":{"driver":"dryrun"}}{"x":1}`},
		{"unknown yaml field", "c.yml", "transport:\n  driver: dryrun\n  color: red\n"},
		{"bad yaml", "c.yaml", "transport: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.path, []byte(tc.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"telegram needs token", `{"transport":{"driver":"telegram"}}`, "transport.telegram.token"},
		{"default driver is telegram", `{}`, "transport.telegram.token"},
		{"unknown driver", `{"transport":{"driver":"smoke"}}`, "transport.driver"},
		{"bad duration", `{"transport":{"driver":"dryrun"},"dispatch":{"send_timeout":"soon"}}`, "dispatch.send_timeout"},
		{"negative duration", `{"transport":{"driver":"dryrun"},"auto_pause":{"duration":"-1s"}}`, "auto_pause.duration"},
		{"storage path", `{"transport":{"driver":"dryrun"},"storage":{"driver":"file"}}`, "storage.path"},
		{"notifier chat", `{"transport":{"driver":"dryrun"},"notifier":{"enabled":true}}`, "notifier.chat_id"},
		{"ok", `{"transport":{"driver":"telegram","telegram":{"token":"x","poll_timeout":"10s"}}}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode("c.json", []byte(tc.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			err = Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	off := false
	oldCfg := &Config{Transport: TransportConfig{Driver: "dryrun"}}
	newCfg := &Config{
		Transport: TransportConfig{Driver: "dryrun"},
		Dedup:     DedupConfig{Enabled: &off},
		HTTP:      HTTPConfig{Addr: "127.0.0.1:3001", Token: "secret"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "dedup,http" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	on := true
	if !DedupEqual(DedupConfig{}, DedupConfig{Enabled: &on}) {
		t.Fatalf("omitted enabled should equal explicit true")
	}
	if got := RestartRequired(oldCfg, &Config{Transport: TransportConfig{Driver: "telegram"}}); len(got) != 1 || got[0] != "transport" {
		t.Fatalf("restart=%v", got)
	}
}

func TestManagerWatchPublishesValidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	// Invalid content is rejected and never published.
	if err := os.WriteFile(path, []byte(`{"transport":{"driver":"smoke"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("unexpected publish: %+v", cfg.Transport)
	case <-time.After(700 * time.Millisecond):
	}

	updated := strings.Replace(sampleJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatalf("committed config not updated")
	}
}
