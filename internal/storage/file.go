package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "bulksend/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl     (append-only JSON Lines)
//   - <prefix>.sent.jsonl      (append-only; rewritten by PruneSent)
//   - <prefix>.templates.json  (snapshot, rewritten on change)
//   - <prefix>.dedup.json      (snapshot, rewritten on change)
//
// Sent history is held in memory; retention pruning keeps it bounded.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	sentPath  string
	sentFile  *os.File
	sent      []SentRecord

	templatesPath string
	templates     []Template
	nextTemplate  int64

	dedupPath string
	dedup     map[string]int64 // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:           log,
		sentPath:      prefix + ".sent.jsonl",
		templatesPath: prefix + ".templates.json",
		dedupPath:     prefix + ".dedup.json",
		dedup:         map[string]int64{},
	}

	var err error
	if s.sent, err = loadSent(s.sentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := readJSON(s.templatesPath, &s.templates); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, t := range s.templates {
		s.nextTemplate = max(s.nextTemplate, t.ID)
	}
	_ = readJSON(s.dedupPath, &s.dedup)
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}

	if s.auditFile, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.sentFile, err = os.OpenFile(s.sentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.auditFile, &s.sentFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecordSent(_ context.Context, r SentRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentFile == nil {
		return errors.New("history file closed")
	}
	r.ID = 1
	if n := len(s.sent); n > 0 {
		r.ID = s.sent[n-1].ID + 1
	}
	if err := json.NewEncoder(s.sentFile).Encode(r); err != nil {
		return err
	}
	s.sent = append(s.sent, r)
	return nil
}

func (s *fileStore) BatchLastSent(_ context.Context, destinations []string, since time.Time) (map[string]time.Time, error) {
	want := make(map[string]struct{}, len(destinations))
	for _, d := range destinations {
		want[d] = struct{}{}
	}
	out := make(map[string]time.Time)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.sent {
		if _, ok := want[r.Destination]; !ok || !r.SentAt.After(since) {
			continue
		}
		if prev, ok := out[r.Destination]; !ok || r.SentAt.After(prev) {
			out[r.Destination] = r.SentAt
		}
	}
	return out, nil
}

func (s *fileStore) RecentSent(_ context.Context, limit int) ([]SentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	out := append([]SentRecord(nil), s.sent...)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.After(out[j].SentAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PruneSent(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.sent[:0:0]
	for _, r := range s.sent {
		if !r.SentAt.Before(before) {
			kept = append(kept, r)
		}
	}
	removed := int64(len(s.sent) - len(kept))
	if removed == 0 {
		return 0, nil
	}

	tmp := s.sentPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range kept {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	if s.sentFile != nil {
		_ = s.sentFile.Close()
	}
	if err := os.Rename(tmp, s.sentPath); err != nil {
		return 0, err
	}
	if s.sentFile, err = os.OpenFile(s.sentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return 0, err
	}
	s.sent = kept
	return removed, nil
}

func (s *fileStore) CreateTemplate(_ context.Context, name, body string) (Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTemplate++
	t := Template{ID: s.nextTemplate, Name: name, Body: body, CreatedAt: time.Now()}
	next := append(append([]Template(nil), s.templates...), t)
	if err := writeJSONAtomic(s.templatesPath, next); err != nil {
		return Template{}, err
	}
	s.templates = next
	return t, nil
}

func (s *fileStore) ListTemplates(context.Context) ([]Template, error) {
	s.mu.Lock()
	out := append([]Template{}, s.templates...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *fileStore) DeleteTemplate(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		if t.ID != id {
			next = append(next, t)
		}
	}
	if len(next) == len(s.templates) {
		return false, nil
	}
	if err := writeJSONAtomic(s.templatesPath, next); err != nil {
		return false, err
	}
	s.templates = next
	return true, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	for k, v := range s.dedup {
		if v < now {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until.UnixMilli()
	return writeJSONAtomic(s.dedupPath, s.dedup)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func loadSent(path string) ([]SentRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []SentRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r SentRecord
		// A torn last line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Destination == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
