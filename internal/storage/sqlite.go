package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "bulksend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite limits bound parameters per statement; stay well below it.
const inChunk = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, source, action, reason, batch_id, ok, fail, skipped, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Source, e.Action, nullStr(e.Reason), nullStr(e.BatchID),
		e.OK, e.Fail, e.Skipped, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) RecordSent(ctx context.Context, r SentRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_messages(destination, message, batch_id, sent_at) VALUES(?,?,?,?)`,
		r.Destination, r.Message, nullStr(r.BatchID), r.SentAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) BatchLastSent(ctx context.Context, destinations []string, since time.Time) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(destinations))
	for start := 0; start < len(destinations); start += inChunk {
		chunk := destinations[start:min(start+inChunk, len(destinations))]

		args := make([]any, 0, len(chunk)+1)
		for _, d := range chunk {
			args = append(args, d)
		}
		args = append(args, since.UnixMilli())
		q := `SELECT destination, MAX(sent_at) FROM sent_messages
		      WHERE destination IN (` + placeholders(len(chunk)) + `) AND sent_at > ?
		      GROUP BY destination`

		if err := s.scanLastSent(ctx, q, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) scanLastSent(ctx context.Context, q string, args []any, out map[string]time.Time) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var dest string
		var ms int64
		if err := rows.Scan(&dest, &ms); err != nil {
			return err
		}
		out[dest] = time.UnixMilli(ms)
	}
	return rows.Err()
}

func (s *sqliteStore) RecentSent(ctx context.Context, limit int) ([]SentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, destination, message, COALESCE(batch_id, ''), sent_at
		 FROM sent_messages ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentRecord
	for rows.Next() {
		var r SentRecord
		var ms int64
		if err := rows.Scan(&r.ID, &r.Destination, &r.Message, &r.BatchID, &ms); err != nil {
			return nil, err
		}
		r.SentAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneSent(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_messages WHERE sent_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CreateTemplate(ctx context.Context, name, body string) (Template, error) {
	t := Template{Name: name, Body: body, CreatedAt: time.Now()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO message_templates(name, body, created_at) VALUES(?,?,?)`,
		name, body, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Template{}, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, body, created_at FROM message_templates ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Template{}
	for rows.Next() {
		var t Template
		var ms int64
		if err := rows.Scan(&t.ID, &t.Name, &t.Body, &ms); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_templates WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
