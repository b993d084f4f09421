package notifier

import (
	"context"
	"time"
)

// Sender delivers one text to an operator chat.
type Sender interface {
	Notify(ctx context.Context, chatID int64, threadID int, text string) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	ChatID          int64
	ThreadID        int
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one operator message. Channel groups related messages
// and feeds the dedup key.
type Notification struct {
	Channel  string
	Priority int
	Text     string
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Bus event types published by the notifier.
const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)

// NotificationEvent is the payload of the notifier bus events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
