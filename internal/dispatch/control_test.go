package dispatch

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestControlTransitions(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := NewControl(clk)

	st := c.Pause("")
	if !st.Paused || st.Stopped || st.Reason != ReasonManualPause {
		t.Fatalf("pause: %+v", st)
	}

	clk.Advance(time.Second)
	again := c.Pause("")
	if !again.Paused || again.Reason != ReasonManualPause {
		t.Fatalf("second pause changed flags: %+v", again)
	}
	if !again.UpdatedAt.After(st.UpdatedAt) {
		t.Fatalf("updatedAt not refreshed: %v -> %v", st.UpdatedAt, again.UpdatedAt)
	}

	st = c.Resume()
	if st.Paused || st.Reason != "" {
		t.Fatalf("resume: %+v", st)
	}

	st = c.Stop("")
	if !st.Stopped || st.Paused || st.Reason != ReasonManualStop {
		t.Fatalf("stop: %+v", st)
	}

	// Stop sticks until the next batch resets it.
	st = c.Pause("")
	if st.Paused || !st.Stopped {
		t.Fatalf("pause after stop: %+v", st)
	}
	st = c.Resume()
	if !st.Stopped || st.Reason != ReasonManualStop {
		t.Fatalf("resume after stop: %+v", st)
	}

	c.reset()
	if st := c.State(); st.Paused || st.Stopped || st.Reason != "" {
		t.Fatalf("reset: %+v", st)
	}
}

func TestControlWakesWaiters(t *testing.T) {
	c := NewControl(clockwork.NewFakeClock())
	_, changed := c.Snapshot()

	select {
	case <-changed:
		t.Fatalf("changed closed before any mutation")
	default:
	}

	c.Pause("")
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("changed not closed after pause")
	}
}

func TestControlOwnership(t *testing.T) {
	c := NewControl(clockwork.NewFakeClock())

	if _, ok := c.pauseIfIdle(ReasonAutoPause); !ok {
		t.Fatalf("idle control refused auto pause")
	}
	// Re-arming with the same reason is allowed.
	if _, ok := c.pauseIfIdle(ReasonAutoPause); !ok {
		t.Fatalf("auto pause refused to re-arm")
	}

	c.Pause(ReasonManualPause)
	if _, ok := c.pauseIfIdle(ReasonAutoPause); ok {
		t.Fatalf("auto pause took over a manual pause")
	}
	if _, ok := c.resumeIf(ReasonAutoPause); ok {
		t.Fatalf("auto resume cleared a manual pause")
	}
	if !c.State().Paused {
		t.Fatalf("manual pause lost")
	}
}
