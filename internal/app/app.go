package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bulksend/internal/config"
	"bulksend/internal/dispatch"
	"bulksend/internal/eventbus"
	"bulksend/internal/history"
	"bulksend/internal/httpapi"
	"bulksend/internal/notifier"
	rtsup "bulksend/internal/runtime/supervisor"
	"bulksend/internal/storage"
	"bulksend/internal/transport"
	"bulksend/internal/transport/dryrun"
	"bulksend/internal/transport/telegram"
	logx "bulksend/pkg/logx"
	"bulksend/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tr     transport.Transport
	disp   *dispatch.Dispatcher
	ap     *dispatch.AutoPause
	http   *httpapi.Server
	notif  *notifier.Service
	pruner *history.Pruner
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// Chat logging needs the transport as its sender, so the logger starts
	// without it and gets the final config once the transport exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg)

	tr, err := newTransport(cfg, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	if s, ok := tr.(logx.Sender); ok {
		logSvc.SetSender(s)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	var store storage.Store = storage.Disabled{}
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; recently-contacted skipping and templates are unavailable")
	}

	bus := eventbus.New()

	// Mapping errors were ruled out by validate above.
	settings, _ := mapDispatchSettings(cfg)
	disp := dispatch.New(dispatch.Deps{
		Transport: tr,
		History:   store,
		Bus:       bus,
		Log:       log,
	}, settings)

	apCfg, _ := mapAutoPause(cfg)
	ap := dispatch.NewAutoPause(disp.Control(), nil, bus, log.With(logx.String("comp", "autopause")), apCfg)

	api := httpapi.NewAPI(httpapi.Deps{
		Dispatcher: disp,
		AutoPause:  ap,
		Transport:  tr,
		Store:      store,
		Bus:        bus,
		Log:        log,
	})
	httpCfg, _ := mapHTTPConfig(cfg)

	ncfg, _ := mapNotifierConfig(cfg)
	var sender notifier.Sender
	if s, ok := tr.(notifier.Sender); ok {
		sender = s
	}

	hcfg, _ := mapHistoryConfig(cfg)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		tr:     tr,
		disp:   disp,
		ap:     ap,
		http:   httpapi.NewServer(httpCfg, api, log),
		notif:  notifier.New(ncfg, sender, log, bus, store),
		pruner: history.New(store, hcfg, nil, log),
	}, nil
}

func newTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	switch config.TransportDriver(cfg) {
	case config.DriverDryRun:
		return dryrun.New(log.With(logx.String("comp", "dryrun"))), nil
	case config.DriverTelegram:
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		return tg, nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound control-surface address once it is listening.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// HTTPReady is closed once the control surface is listening.
func (a *App) HTTPReady() <-chan struct{} { return a.http.Ready() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if lc, ok := a.tr.(transport.Lifecycle); ok {
		if err := lc.Start(c); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
	}
	a.sup.Go("autopause.watch", func(c context.Context) error {
		return a.ap.Run(c, a.tr.Events())
	})

	a.notif.Start(c)
	if err := a.pruner.Start(); err != nil {
		return err
	}
	a.http.Start(c)

	// Debug trail of bus events; components subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log, func() bool { return a.sup.Err() == nil })
	})

	a.log.Info("app started", logx.String("transport", a.tr.Name()))
	return nil
}

// applyConfig fans a validated reload out to every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if rr := config.RestartRequired(prev, next); len(rr) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.Strings("sections", rr))
	}

	if changed("logging") {
		a.logs.Apply(mapLogConfig(next))
	}

	if changed("dispatch") || changed("dedup") {
		if s, err := mapDispatchSettings(next); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(s)
		}
	}

	// Runtime changes made through the API win until the section itself changes.
	if changed("auto_pause") {
		if apc, err := mapAutoPause(next); err != nil {
			a.log.Warn("invalid auto_pause config; keeping previous", logx.Err(err))
		} else {
			d := apc.Duration()
			a.ap.Configure(&apc.Enabled, &d)
		}
	}

	if changed("http") {
		if hc, err := mapHTTPConfig(next); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}

	if changed("notifier") {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Apply(stopCtx, nc)
			cancel()
		}
	}

	if changed("history") {
		if hc, err := mapHistoryConfig(next); err != nil {
			a.log.Warn("invalid history config; keeping previous", logx.Err(err))
		} else if err := a.pruner.Apply(ctx, hc); err != nil {
			a.log.Warn("history schedule not applied", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// A running batch ends at its next check point.
	if a.disp.Active() {
		a.disp.Control().Stop("shutdown")
	}
	a.sup.Cancel()

	step := func(name string, maxWait time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, maxWait)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("autopause", time.Second, func(context.Context) error { a.ap.Close(); return nil })
	step("history", 2*time.Second, func(c context.Context) error { a.pruner.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("transport", 3*time.Second, func(c context.Context) error {
		if lc, ok := a.tr.(transport.Lifecycle); ok {
			return lc.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
