package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"bulksend/internal/eventbus"
	"bulksend/internal/storage"
	"bulksend/internal/transport"
	logx "bulksend/pkg/logx"
)

const (
	DefaultDelay         = 5 * time.Second
	DefaultSendTimeout   = 30 * time.Second
	DefaultRetryBackoff  = 5 * time.Second
	DefaultErrorCooldown = 2 * time.Second
	DefaultMinDigits     = 10
	DefaultDedupWindow   = 30 * 24 * time.Hour

	historyWriteTimeout = 5 * time.Second
	probeTimeout        = 10 * time.Second
)

// Settings are the tunables of the dispatch loop. A running batch keeps the
// settings it started with.
type Settings struct {
	DefaultDelay  time.Duration
	SendTimeout   time.Duration
	RetryBackoff  time.Duration
	ErrorCooldown time.Duration
	MinDigits     int
	Dedup         DedupOptions
}

func DefaultSettings() Settings {
	return Settings{
		DefaultDelay:  DefaultDelay,
		SendTimeout:   DefaultSendTimeout,
		RetryBackoff:  DefaultRetryBackoff,
		ErrorCooldown: DefaultErrorCooldown,
		MinDigits:     DefaultMinDigits,
		Dedup:         DedupOptions{Enabled: true, Window: DefaultDedupWindow, MinDigits: DefaultMinDigits},
	}
}

// History is the slice of storage the dispatcher needs.
type History interface {
	HistoryReader
	RecordSent(ctx context.Context, rec storage.SentRecord) error
}

// Request is one bulk send. Delay < 0 means "use the configured default".
type Request struct {
	Destinations []string
	Message      string
	Delay        time.Duration
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Outcome is the result for one request entry.
type Outcome struct {
	Number      string     `json:"number"`
	Normalized  string     `json:"normalized,omitempty"`
	Status      Status     `json:"status"`
	Success     bool       `json:"success"`
	Skipped     bool       `json:"skipped,omitempty"`
	Error       string     `json:"error,omitempty"`
	LastContact *time.Time `json:"lastSentDate,omitempty"`

	Err error `json:"-"`
}

type SkippedNumber struct {
	Number       string    `json:"number"`
	LastSentDate time.Time `json:"lastSentDate"`
	Reason       string    `json:"reason"`
}

// Result is returned when a batch finishes, whether it ran to completion or
// was stopped. Results keep request order; duplicates are listed separately.
type Result struct {
	BatchID        string          `json:"batchId"`
	Results        []Outcome       `json:"results"`
	SkippedNumbers []SkippedNumber `json:"skippedNumbers"`
	Duplicates     []string        `json:"duplicates,omitempty"`
	Stopped        bool            `json:"stopped"`
	Truncated      int             `json:"truncated"`
	Progress       Progress        `json:"progress"`
	Elapsed        time.Duration   `json:"-"`
}

// Dispatcher runs at most one batch at a time.
type Dispatcher struct {
	tr      transport.Transport
	history History
	ctl     *Control
	dedup   *DedupFilter
	bus     eventbus.Bus
	clock   clockwork.Clock
	log     logx.Logger

	setMu    sync.RWMutex
	settings Settings

	active   atomic.Bool
	progress progressTracker
	writes   sync.WaitGroup
}

type Deps struct {
	Transport transport.Transport
	History   History // nil disables dedup lookups and history writes
	Control   *Control
	Bus       eventbus.Bus
	Clock     clockwork.Clock
	Log       logx.Logger
}

func New(deps Deps, s Settings) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Control == nil {
		deps.Control = NewControl(deps.Clock)
	}
	d := &Dispatcher{
		tr:       deps.Transport,
		history:  deps.History,
		ctl:      deps.Control,
		bus:      deps.Bus,
		clock:    deps.Clock,
		log:      deps.Log.With(logx.String("comp", "dispatch")),
		settings: s,
	}
	var reader HistoryReader
	if deps.History != nil {
		reader = deps.History
	}
	d.dedup = NewDedupFilter(reader, deps.Clock, d.log)
	return d
}

func (d *Dispatcher) Control() *Control { return d.ctl }

func (d *Dispatcher) Settings() Settings {
	d.setMu.RLock()
	defer d.setMu.RUnlock()
	return d.settings
}

// Apply replaces the settings used by the next batch.
func (d *Dispatcher) Apply(s Settings) {
	d.setMu.Lock()
	d.settings = s
	d.setMu.Unlock()
}

func (d *Dispatcher) Active() bool { return d.active.Load() }

// Progress returns the current batch snapshot. While a batch runs the pause
// and stop flags mirror Control.
func (d *Dispatcher) Progress() Progress {
	p := d.progress.snapshot()
	if p.IsActive {
		st := d.ctl.State()
		p.IsPaused = st.Paused
		p.IsStopped = st.Stopped
	}
	return p
}

func validate(req Request) error {
	var errs []error
	if len(req.Destinations) == 0 {
		errs = append(errs, errors.New("destinations must not be empty"))
	}
	if strings.TrimSpace(req.Message) == "" {
		errs = append(errs, errors.New("message must not be empty"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
}

// Run delivers req and blocks until the batch finishes or is stopped.
// Validation, connection and concurrency failures return an error without
// touching progress or control state.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if d.tr == nil || !d.tr.Connected() {
		return nil, ErrNotConnected
	}
	if !d.active.CompareAndSwap(false, true) {
		return nil, ErrBatchActive
	}
	defer d.active.Store(false)

	s := d.Settings()
	delay := req.Delay
	if delay < 0 {
		delay = s.DefaultDelay
	}
	batchID := uuid.NewString()
	start := d.clock.Now()
	log := d.log.With(logx.String("batch_id", batchID))

	d.ctl.reset()
	d.progress.update(func(p *Progress) {
		*p = Progress{BatchID: batchID, Total: len(req.Destinations), IsActive: true}
	})

	opt := s.Dedup
	opt.MinDigits = s.MinDigits
	cls := d.dedup.Classify(ctx, req.Destinations, opt)

	outcomes := make([]*Outcome, len(req.Destinations))
	res := &Result{BatchID: batchID, SkippedNumbers: []SkippedNumber{}}
	for _, dst := range cls.Invalid {
		outcomes[dst.Index] = &Outcome{
			Number: dst.Raw, Normalized: dst.Normalized, Status: StatusError,
			Error: ErrInvalidDestination.Error(), Err: ErrInvalidDestination,
		}
	}
	for _, sk := range cls.Skipped {
		at := sk.LastContact
		outcomes[sk.Index] = &Outcome{
			Number: sk.Raw, Normalized: sk.Normalized, Status: StatusSkipped,
			Skipped: true, LastContact: &at,
		}
		res.SkippedNumbers = append(res.SkippedNumbers, SkippedNumber{
			Number: sk.Raw, LastSentDate: sk.LastContact, Reason: "contacted within dedup window",
		})
	}
	for _, dup := range cls.Duplicates {
		res.Duplicates = append(res.Duplicates, dup.Raw)
	}

	// Non-eligible entries count as processed up front.
	base := len(req.Destinations) - len(cls.Eligible)
	d.progress.update(func(p *Progress) {
		p.ErrorCount = len(cls.Invalid)
		p.SkippedCount = len(cls.Skipped)
		p.Current = base
	})

	log.Info("batch started",
		logx.Int("total", len(req.Destinations)),
		logx.Int("eligible", len(cls.Eligible)),
		logx.Int("skipped", len(cls.Skipped)),
		logx.Int("invalid", len(cls.Invalid)),
		logx.Int("duplicates", len(cls.Duplicates)),
		logx.Duration("delay", delay),
	)
	eventbus.Emit(d.bus, eventbus.TypeBatchStarted, eventbus.BatchStarted{
		BatchID: batchID, Total: len(req.Destinations), Eligible: len(cls.Eligible),
		Delay: delay, StartedAt: start, Message: req.Message, Duplicates: len(cls.Duplicates),
	})

	processed := 0
	for i, dst := range cls.Eligible {
		if !d.waitWhilePaused(ctx) {
			break
		}

		out, failed := d.deliver(ctx, log, s, batchID, dst, req.Message)
		outcomes[dst.Index] = &out
		processed++
		d.progress.update(func(p *Progress) {
			if out.Success {
				p.SuccessCount++
			} else {
				p.ErrorCount++
			}
		})
		d.progress.advance(base + i + 1)

		if i == len(cls.Eligible)-1 {
			break
		}
		if failed && s.ErrorCooldown > 0 {
			if !d.sleep(ctx, s.ErrorCooldown) {
				break
			}
		}
		if delay > 0 && !d.sleep(ctx, delay) {
			break
		}
	}

	d.writes.Wait()

	st := d.ctl.State()
	res.Stopped = st.Stopped || ctx.Err() != nil
	res.Truncated = len(cls.Eligible) - processed
	res.Results = make([]Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o != nil {
			res.Results = append(res.Results, *o)
		}
	}
	d.progress.update(func(p *Progress) {
		p.IsActive = false
		p.IsPaused = st.Paused
		p.IsStopped = st.Stopped
	})
	res.Progress = d.progress.snapshot()
	res.Elapsed = d.clock.Since(start)

	log.Info("batch finished",
		logx.Int("success", res.Progress.SuccessCount),
		logx.Int("errors", res.Progress.ErrorCount),
		logx.Int("skipped", res.Progress.SkippedCount),
		logx.Bool("stopped", res.Stopped),
		logx.Int("truncated", res.Truncated),
		logx.Duration("elapsed", res.Elapsed),
	)
	eventbus.Emit(d.bus, eventbus.TypeBatchFinished, eventbus.BatchFinished{
		BatchID: batchID, Total: res.Progress.Total, Success: res.Progress.SuccessCount,
		Errors: res.Progress.ErrorCount, Skipped: res.Progress.SkippedCount,
		Stopped: res.Stopped, Truncated: res.Truncated, Elapsed: res.Elapsed,
	})
	return res, nil
}

// deliver attempts one destination, retrying once on a transient failure.
// failed reports whether the error cooldown applies.
func (d *Dispatcher) deliver(ctx context.Context, log logx.Logger, s Settings, batchID string, dst Destination, body string) (Outcome, bool) {
	out := Outcome{Number: dst.Raw, Normalized: dst.Normalized}

	err := d.attempt(ctx, s, dst.Normalized, body)
	if errors.Is(err, transport.ErrNotRegistered) {
		log.Info("destination not reachable on transport", logx.Dest(dst.Normalized))
		return fail(out, err), false
	}
	failed := err != nil
	if err != nil && transport.IsTransient(err) {
		log.Warn("transient send failure; retrying once",
			logx.Dest(dst.Normalized), logx.Duration("backoff", s.RetryBackoff), logx.Err(err))
		if d.sleep(ctx, s.RetryBackoff) {
			d.probe(ctx, log)
			if d.waitWhilePaused(ctx) {
				err = d.attempt(ctx, s, dst.Normalized, body)
			}
		}
	}
	if err != nil {
		log.Warn("send failed", logx.Dest(dst.Normalized), logx.Err(err))
		return fail(out, err), failed
	}

	out.Status = StatusSuccess
	out.Success = true
	d.record(ctx, log, storage.SentRecord{
		Destination: dst.Normalized, Message: body, BatchID: batchID, SentAt: d.clock.Now(),
	})
	return out, failed
}

func fail(out Outcome, err error) Outcome {
	out.Status = StatusError
	out.Err = err
	out.Error = err.Error()
	return out
}

func (d *Dispatcher) attempt(ctx context.Context, s Settings, address, body string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.SendTimeout)
	defer cancel()

	id, ok, err := d.tr.Resolve(callCtx, address)
	if err != nil {
		return timeoutErr(callCtx, s, err)
	}
	if !ok {
		return transport.ErrNotRegistered
	}
	if err := d.tr.Send(callCtx, id, body); err != nil {
		return timeoutErr(callCtx, s, err)
	}
	return nil
}

func timeoutErr(ctx context.Context, s Settings, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, s.SendTimeout)
	}
	return err
}

func (d *Dispatcher) probe(ctx context.Context, log logx.Logger) {
	p, ok := d.tr.(transport.Prober)
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Probe(pctx); err != nil {
		log.Warn("transport probe failed", logx.Err(err))
	}
}

// record persists a delivery without holding up the loop. Run drains
// outstanding writes before it returns.
func (d *Dispatcher) record(ctx context.Context, log logx.Logger, rec storage.SentRecord) {
	if d.history == nil {
		return
	}
	d.writes.Add(1)
	go func() {
		defer d.writes.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
		defer cancel()
		if err := d.history.RecordSent(wctx, rec); err != nil && !errors.Is(err, storage.ErrDisabled) {
			log.Error("history write failed", logx.Dest(rec.Destination), logx.Err(err))
		}
	}()
}

// waitWhilePaused blocks while the batch is paused. It returns false once
// the batch is stopped or ctx ends.
func (d *Dispatcher) waitWhilePaused(ctx context.Context) bool {
	for {
		st, changed := d.ctl.Snapshot()
		if st.Stopped || ctx.Err() != nil {
			return false
		}
		if !st.Paused {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

// sleep waits for dur of unpaused time. A pause freezes the remaining time
// and a stop ends the wait early with false.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	remaining := dur
	for remaining > 0 {
		st, changed := d.ctl.Snapshot()
		if st.Stopped || ctx.Err() != nil {
			return false
		}
		if st.Paused {
			if !d.waitWhilePaused(ctx) {
				return false
			}
			continue
		}

		started := d.clock.Now()
		t := d.clock.NewTimer(remaining)
		select {
		case <-t.Chan():
			remaining = 0
		case <-changed:
			t.Stop()
			remaining -= d.clock.Since(started)
		case <-ctx.Done():
			t.Stop()
			return false
		}
	}
	return !d.ctl.State().Stopped && ctx.Err() == nil
}
