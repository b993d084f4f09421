package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage. An empty Driver or "none" disables persistence.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SentRecord is one delivered message. History is append-only apart from
// retention pruning.
type SentRecord struct {
	ID          int64     `json:"id"`
	Destination string    `json:"destination"`
	Message     string    `json:"message"`
	BatchID     string    `json:"batchId,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// Template is a reusable message body.
type Template struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditEntry records an operator action or a finished batch.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Source   string    `json:"source"` // http | autopause | dispatch | cli
	Action   string    `json:"action"`
	Reason   string    `json:"reason,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	OK       int       `json:"ok,omitempty"`
	Fail     int       `json:"fail,omitempty"`
	Skipped  int       `json:"skipped,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
