package dispatch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	ReasonManualPause = "manual-pause"
	ReasonManualStop  = "manual-stop"
	ReasonAutoPause   = "auto-pause:inbound"
)

// ControlState is a point-in-time copy of the shared pause/stop flags.
type ControlState struct {
	Paused    bool      `json:"isPaused"`
	Stopped   bool      `json:"isStopped"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Control owns the pause/stop flags shared by the HTTP layer, the auto-pause
// watcher and the dispatch loop. Every mutation closes the current changed
// channel so blocked waits wake immediately.
type Control struct {
	clock clockwork.Clock

	mu      sync.Mutex
	st      ControlState
	changed chan struct{}
}

func NewControl(clock clockwork.Clock) *Control {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Control{
		clock:   clock,
		st:      ControlState{UpdatedAt: clock.Now()},
		changed: make(chan struct{}),
	}
}

// mutateLocked applies fn, stamps updatedAt and wakes waiters. c.mu must be held.
func (c *Control) mutateLocked(fn func(*ControlState)) ControlState {
	fn(&c.st)
	c.st.UpdatedAt = c.clock.Now()
	close(c.changed)
	c.changed = make(chan struct{})
	return c.st
}

func (c *Control) mutate(fn func(*ControlState)) ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutateLocked(fn)
}

// Pause suspends sending. On a stopped batch it only stamps updatedAt.
func (c *Control) Pause(reason string) ControlState {
	if reason == "" {
		reason = ReasonManualPause
	}
	return c.mutate(func(s *ControlState) {
		if !s.Stopped {
			s.Paused = true
			s.Reason = reason
		}
	})
}

// Resume clears the pause and its reason. The reason of a stop is kept.
func (c *Control) Resume() ControlState {
	return c.mutate(func(s *ControlState) {
		s.Paused = false
		if !s.Stopped {
			s.Reason = ""
		}
	})
}

// Stop aborts the running batch at its next check point. It wins over pause.
func (c *Control) Stop(reason string) ControlState {
	if reason == "" {
		reason = ReasonManualStop
	}
	return c.mutate(func(s *ControlState) {
		s.Stopped = true
		s.Paused = false
		s.Reason = reason
	})
}

// Snapshot returns the current state and the channel closed on the next change.
func (c *Control) Snapshot() (ControlState, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st, c.changed
}

func (c *Control) State() ControlState {
	st, _ := c.Snapshot()
	return st
}

// reset clears leftovers from a previous batch.
func (c *Control) reset() {
	c.mutate(func(s *ControlState) { *s = ControlState{} })
}

// pauseIfIdle pauses with reason unless a stop or a pause with a different
// reason is in effect. It returns the state from before the call and reports
// whether reason now owns the pause.
func (c *Control) pauseIfIdle(reason string) (ControlState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.st
	if prev.Stopped || (prev.Paused && prev.Reason != reason) {
		return prev, false
	}
	c.mutateLocked(func(s *ControlState) {
		s.Paused = true
		s.Reason = reason
	})
	return prev, true
}

// resumeIf resumes only while reason still owns the pause.
func (c *Control) resumeIf(reason string) (ControlState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.st.Paused || c.st.Stopped || c.st.Reason != reason {
		return c.st, false
	}
	return c.mutateLocked(func(s *ControlState) {
		s.Paused = false
		s.Reason = ""
	}), true
}
