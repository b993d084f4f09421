package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "bulksend/pkg/logx"
)

// Store is the persistence API used by the dispatcher, the HTTP layer, the
// notifier and the history pruner.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	RecordSent(ctx context.Context, r SentRecord) error
	// BatchLastSent returns, for each destination with a record after since,
	// the time of its most recent record. Destinations without one are absent.
	BatchLastSent(ctx context.Context, destinations []string, since time.Time) (map[string]time.Time, error)
	RecentSent(ctx context.Context, limit int) ([]SentRecord, error)
	PruneSent(ctx context.Context, before time.Time) (int64, error)

	CreateTemplate(ctx context.Context, name, body string) (Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)
	DeleteTemplate(ctx context.Context, id int64) (bool, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store. A disabled store is returned (never
// nil) when the driver is empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return Disabled{}, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Disabled keeps no history. Reads return empty results so dedup treats every
// destination as eligible; template operations fail with ErrDisabled.
type Disabled struct{}

func (Disabled) AppendAudit(context.Context, AuditEntry) error { return nil }
func (Disabled) RecordSent(context.Context, SentRecord) error  { return nil }
func (Disabled) BatchLastSent(context.Context, []string, time.Time) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}
func (Disabled) RecentSent(context.Context, int) ([]SentRecord, error)  { return nil, nil }
func (Disabled) PruneSent(context.Context, time.Time) (int64, error)    { return 0, nil }
func (Disabled) ListTemplates(context.Context) ([]Template, error)      { return nil, ErrDisabled }
func (Disabled) DeleteTemplate(context.Context, int64) (bool, error)    { return false, ErrDisabled }
func (Disabled) PutDedup(context.Context, string, time.Time) error      { return nil }
func (Disabled) Close() error                                           { return nil }
func (Disabled) CreateTemplate(context.Context, string, string) (Template, error) {
	return Template{}, ErrDisabled
}
func (Disabled) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

// IsDisabled reports whether s keeps no data.
func IsDisabled(s Store) bool {
	_, ok := s.(Disabled)
	return s == nil || ok
}
