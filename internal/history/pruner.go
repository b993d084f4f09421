// Package history runs retention pruning of sent-message history on a cron
// schedule.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	logx "bulksend/pkg/logx"
)

const (
	DefaultRetention = 90 * 24 * time.Hour
	DefaultSchedule  = "@daily"

	// ScheduleOff disables scheduled pruning.
	ScheduleOff = "off"

	pruneTimeout = 2 * time.Minute
)

// Store is the slice of storage the pruner needs.
type Store interface {
	PruneSent(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Retention time.Duration
	Schedule  string
}

func (c Config) normalized() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	return c
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule accepts a cron expression, a descriptor or "off".
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, ScheduleOff) {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return nil
}

// Pruner deletes history older than the retention window.
type Pruner struct {
	store Store
	clock clockwork.Clock
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	started bool
	last    time.Time
	lastN   int64
}

func New(store Store, cfg Config, clock clockwork.Clock, log logx.Logger) *Pruner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{store: store, clock: clock, log: log.With(logx.String("comp", "history")), cfg: cfg.normalized()}
}

// RunOnce prunes records older than now minus the retention window.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if p.store == nil {
		return 0, errors.New("history store not configured")
	}
	p.mu.Lock()
	retention := p.cfg.Retention
	p.mu.Unlock()

	cutoff := p.clock.Now().Add(-retention)
	n, err := p.store.PruneSent(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}

	p.mu.Lock()
	p.last = p.clock.Now()
	p.lastN = n
	p.mu.Unlock()
	p.log.Info("history pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	return n, nil
}

// LastRun returns when the last prune finished and how many records it removed.
func (p *Pruner) LastRun() (time.Time, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastN
}

// Start schedules pruning. It is idempotent.
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.started = true
	return p.startLocked()
}

func (p *Pruner) startLocked() error {
	if strings.EqualFold(p.cfg.Schedule, ScheduleOff) {
		p.log.Info("scheduled history pruning disabled")
		return nil
	}
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{p.log})))
	if _, err := c.AddFunc(p.cfg.Schedule, p.job); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", p.cfg.Schedule, err)
	}
	c.Start()
	p.c = c
	p.log.Info("history pruning scheduled",
		logx.String("schedule", p.cfg.Schedule),
		logx.Duration("retention", p.cfg.Retention),
	)
	return nil
}

func (p *Pruner) job() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	if _, err := p.RunOnce(ctx); err != nil {
		p.log.Error("scheduled history prune failed", logx.Err(err))
	}
}

// Stop waits for a running job until ctx ends.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.started = false
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config and reschedules when the schedule changed.
func (p *Pruner) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.normalized()
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return err
	}

	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	started := p.started
	p.mu.Unlock()

	if !started || prev.Schedule == cfg.Schedule {
		return nil
	}
	p.Stop(ctx)
	return p.Start()
}

// Next reports the next scheduled run, zero when unscheduled.
func (p *Pruner) Next() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c == nil {
		return time.Time{}
	}
	if es := p.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
