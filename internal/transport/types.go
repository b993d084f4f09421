package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Transport is the messaging backend a batch is delivered through.
//
// Addresses passed to Resolve are normalized digit strings. Resolve returns
// ok=false (and a nil error) when the address is well-formed but unknown to
// the backend.
type Transport interface {
	Name() string
	Connected() bool
	Status() Status
	Resolve(ctx context.Context, address string) (id string, ok bool, err error)
	Send(ctx context.Context, id string, body string) error
	Events() <-chan Event
}

// Prober is implemented by transports that can check liveness cheaply.
type Prober interface {
	Probe(ctx context.Context) error
}

// Lifecycle is implemented by transports that own background loops.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type EventKind string

const (
	EventQRReady       EventKind = "qr-ready"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventInbound       EventKind = "inbound-message"
	EventError         EventKind = "error"
)

type Event struct {
	Kind EventKind
	Time time.Time

	// Inbound only.
	From     string
	FromSelf bool

	// Free-form detail (disconnect reason, error text, QR payload).
	Detail string
}

// Status is the connection snapshot reported by GET /api/status.
type Status struct {
	Driver        string    `json:"driver"`
	Connected     bool      `json:"connected"`
	Authenticated bool      `json:"authenticated"`
	NeedsQR       bool      `json:"needsQR"`
	LastEvent     EventKind `json:"lastEvent,omitempty"`
	LastEventAt   time.Time `json:"lastEventAt,omitzero"`
}

var (
	// ErrTransient marks failures worth one retry after a backoff.
	ErrTransient = errors.New("transient transport error")
	// ErrNotRegistered means the address is not reachable on the transport.
	ErrNotRegistered = errors.New("not on transport")
	// ErrNotConnected is returned by Send when the session is down.
	ErrNotConnected = errors.New("transport not connected")
)

// WrapTransient tags err as transient while keeping the original chain.
func WrapTransient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// sessionSymptoms matches error texts that indicate a broken session rather
// than a rejected message.
var sessionSymptoms = regexp.MustCompile(`(?i)target closed|session closed|execution context|node is detached`)

// IsTransient reports whether err is worth a retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	return sessionSymptoms.MatchString(err.Error())
}
