// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"bulksend/internal/transport"
)

// Fake records every Send and replays scripted failures.
type Fake struct {
	state *transport.StatusTracker

	mu           sync.Mutex
	unregistered map[string]bool
	failures     map[string][]error
	resolveErr   map[string]error
	sends        []string
	probes       int

	// OnSend, when set, runs before Send returns (after recording the call).
	OnSend func(id string, attempt int)
	// SendDelay makes Send take this long in real time. A context that ends
	// first aborts the send with its error.
	SendDelay time.Duration
}

// New returns a connected fake.
func New() *Fake {
	f := &Fake{
		state:        transport.NewStatusTracker("fake", 64),
		unregistered: map[string]bool{},
		failures:     map[string][]error{},
		resolveErr:   map[string]error{},
	}
	f.state.Emit(transport.Event{Kind: transport.EventReady})
	f.drain()
	return f
}

// drain empties the events channel so setup events do not reach consumers.
func (f *Fake) drain() {
	for {
		select {
		case <-f.state.Events():
		default:
			return
		}
	}
}

func (f *Fake) Name() string                   { return "fake" }
func (f *Fake) Connected() bool                { return f.state.Connected() }
func (f *Fake) Status() transport.Status       { return f.state.Status() }
func (f *Fake) Events() <-chan transport.Event { return f.state.Events() }

// SetConnected emits a ready or disconnected event.
func (f *Fake) SetConnected(ok bool) {
	if ok {
		f.state.Emit(transport.Event{Kind: transport.EventReady})
	} else {
		f.state.Emit(transport.Event{Kind: transport.EventDisconnected})
	}
}

// Inbound emits an inbound-message event.
func (f *Fake) Inbound(from string, fromSelf bool) {
	f.state.Emit(transport.Event{Kind: transport.EventInbound, From: from, FromSelf: fromSelf})
}

// Emit forwards an arbitrary event.
func (f *Fake) Emit(ev transport.Event) { f.state.Emit(ev) }

func (f *Fake) Unregister(address string) {
	f.mu.Lock()
	f.unregistered[address] = true
	f.mu.Unlock()
}

// FailNext queues errors returned by consecutive Send calls to id.
func (f *Fake) FailNext(id string, errs ...error) {
	f.mu.Lock()
	f.failures[id] = append(f.failures[id], errs...)
	f.mu.Unlock()
}

func (f *Fake) FailResolve(address string, err error) {
	f.mu.Lock()
	f.resolveErr[address] = err
	f.mu.Unlock()
}

func (f *Fake) Resolve(ctx context.Context, address string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resolveErr[address]; err != nil {
		return "", false, err
	}
	if f.unregistered[address] {
		return "", false, nil
	}
	return address, true, nil
}

func (f *Fake) Send(ctx context.Context, id string, body string) error {
	f.mu.Lock()
	f.sends = append(f.sends, id)
	attempt := 0
	for _, s := range f.sends {
		if s == id {
			attempt++
		}
	}
	var err error
	if q := f.failures[id]; len(q) > 0 {
		err = q[0]
		f.failures[id] = q[1:]
	}
	hook := f.OnSend
	delay := f.SendDelay
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		hook(id, attempt)
	}
	return err
}

func (f *Fake) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	return nil
}

// Sends returns the ids passed to Send, in call order.
func (f *Fake) Sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}
