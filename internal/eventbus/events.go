package eventbus

import "time"

// Event types published on the bus.
const (
	TypeBatchStarted  = "batch.started"
	TypeBatchFinished = "batch.finished"

	TypeControlChanged = "control.changed"

	TypeAutoPaused  = "autopause.paused"
	TypeAutoResumed = "autopause.resumed"

	TypeTransportState = "transport.state"
)

// BatchStarted is the payload of TypeBatchStarted.
type BatchStarted struct {
	BatchID    string
	Total      int
	Eligible   int
	Delay      time.Duration
	StartedAt  time.Time
	Message    string
	Duplicates int
}

// BatchFinished is the payload of TypeBatchFinished.
type BatchFinished struct {
	BatchID   string
	Total     int
	Success   int
	Errors    int
	Skipped   int
	Stopped   bool
	Truncated int
	Elapsed   time.Duration
}

// ControlChanged is the payload of TypeControlChanged.
type ControlChanged struct {
	Action  string // pause | resume | stop
	Reason  string
	Source  string // http | autopause
	Paused  bool
	Stopped bool
}

// AutoPause is the payload of TypeAutoPaused and TypeAutoResumed.
type AutoPause struct {
	Reason   string
	Duration time.Duration
	Until    time.Time
}

// TransportState is the payload of TypeTransportState.
type TransportState struct {
	Kind   string
	Detail string
}
