package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"bulksend/internal/eventbus"
	"bulksend/internal/transport"
	logx "bulksend/pkg/logx"
)

// DefaultAutoPauseDuration is the quiet period used when none is configured.
const DefaultAutoPauseDuration = 10 * time.Minute

// AutoPauseConfig is the process-wide auto-pause setting.
type AutoPauseConfig struct {
	Enabled    bool  `json:"enabled"`
	DurationMs int64 `json:"durationMs"`
}

func (c AutoPauseConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

// AutoPause pauses sending while the transport reports inbound messages and
// resumes after a quiet period.
//
// States: Armed (no timer) and Suppressing (timer running). Every inbound
// event while Suppressing restarts the timer. Expiry resumes only if the
// pause still carries ReasonAutoPause.
type AutoPause struct {
	ctl   *Control
	clock clockwork.Clock
	bus   eventbus.Bus
	log   logx.Logger

	mu    sync.Mutex
	cfg   AutoPauseConfig
	timer clockwork.Timer
	gen   uint64
	until time.Time
}

func NewAutoPause(ctl *Control, clock clockwork.Clock, bus eventbus.Bus, log logx.Logger, cfg AutoPauseConfig) *AutoPause {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DurationMs < 0 {
		cfg.DurationMs = 0
	}
	return &AutoPause{ctl: ctl, clock: clock, bus: bus, log: log, cfg: cfg}
}

func (a *AutoPause) Config() AutoPauseConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Configure updates the fields that are non-nil. Negative durations are
// ignored. An armed timer keeps running when auto-pause is disabled.
func (a *AutoPause) Configure(enabled *bool, duration *time.Duration) AutoPauseConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	if enabled != nil {
		a.cfg.Enabled = *enabled
	}
	if duration != nil && *duration >= 0 {
		a.cfg.DurationMs = duration.Milliseconds()
	}
	return a.cfg
}

// Suppressing reports whether the quiet-period timer is running.
func (a *AutoPause) Suppressing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Inbound handles one inbound-message notification.
func (a *AutoPause) Inbound(fromSelf bool) {
	if fromSelf {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.Enabled {
		return
	}
	// A stop or a manual pause already in effect wins; no timer.
	prev, ok := a.ctl.pauseIfIdle(ReasonAutoPause)
	if !ok {
		return
	}

	// A manual resume during the quiet period leaves the timer running, so
	// the pause state, not the timer, decides whether this is a new pause.
	armed := !prev.Paused
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	d := a.cfg.Duration()
	a.until = a.clock.Now().Add(d)
	// expire takes a.mu; never run it on this goroutine.
	a.timer = a.clock.AfterFunc(d, func() { go a.expire(gen) })

	if armed {
		a.log.Warn("inbound message detected; sending paused", logx.Duration("quiet_period", d))
		eventbus.Emit(a.bus, eventbus.TypeAutoPaused, eventbus.AutoPause{Reason: ReasonAutoPause, Duration: d, Until: a.until})
		return
	}
	a.log.Debug("inbound message detected; quiet period extended", logx.Time("until", a.until))
}

func (a *AutoPause) expire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	if _, ok := a.ctl.resumeIf(ReasonAutoPause); !ok {
		a.log.Debug("auto-pause expired; pause owned elsewhere, not resuming")
		return
	}
	a.log.Info("auto-pause quiet period elapsed; sending resumed")
	eventbus.Emit(a.bus, eventbus.TypeAutoResumed, eventbus.AutoPause{Reason: ReasonAutoPause})
}

// Close cancels a running quiet-period timer.
func (a *AutoPause) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

// Run consumes transport events until ctx ends or the channel closes.
// Inbound messages drive the state machine; connection events are logged
// and republished on the bus.
func (a *AutoPause) Run(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == transport.EventInbound {
				a.Inbound(ev.FromSelf)
				continue
			}
			a.connectionEvent(ev)
		}
	}
}

func (a *AutoPause) connectionEvent(ev transport.Event) {
	fields := []logx.Field{logx.String("event", string(ev.Kind))}
	if ev.Detail != "" {
		fields = append(fields, logx.String("detail", ev.Detail))
	}
	switch ev.Kind {
	case transport.EventDisconnected, transport.EventError:
		a.log.Warn("transport state changed", fields...)
	case transport.EventQRReady:
		a.log.Info("transport requires authentication", logx.String("event", string(ev.Kind)))
	default:
		a.log.Info("transport state changed", fields...)
	}
	eventbus.Emit(a.bus, eventbus.TypeTransportState, eventbus.TransportState{Kind: string(ev.Kind), Detail: ev.Detail})
}
