package transport

import (
	"sync"
	"time"
)

// StatusTracker folds connection events into a Status and fans them out on a
// buffered channel. Transports embed one.
type StatusTracker struct {
	mu     sync.RWMutex
	status Status
	events chan Event
	drops  uint64
}

func NewStatusTracker(driver string, buffer int) *StatusTracker {
	if buffer <= 0 {
		buffer = 64
	}
	return &StatusTracker{
		status: Status{Driver: driver},
		events: make(chan Event, buffer),
	}
}

// Emit updates the status for connection events and forwards ev to the
// events channel. A full channel drops the event.
func (t *StatusTracker) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	t.mu.Lock()
	switch ev.Kind {
	case EventQRReady:
		t.status.NeedsQR = true
		t.status.Connected = false
	case EventAuthenticated:
		t.status.Authenticated = true
		t.status.NeedsQR = false
	case EventReady:
		t.status.Connected = true
		t.status.Authenticated = true
		t.status.NeedsQR = false
	case EventDisconnected:
		t.status.Connected = false
	}
	if ev.Kind != EventInbound {
		t.status.LastEvent = ev.Kind
		t.status.LastEventAt = ev.Time
	}
	t.mu.Unlock()

	select {
	case t.events <- ev:
	default:
		t.mu.Lock()
		t.drops++
		t.mu.Unlock()
	}
}

func (t *StatusTracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status.Connected
}

func (t *StatusTracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *StatusTracker) Events() <-chan Event { return t.events }

// TakeDrops returns and resets the number of dropped events.
func (t *StatusTracker) TakeDrops() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.drops
	t.drops = 0
	return n
}
