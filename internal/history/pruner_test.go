package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	logx "bulksend/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeStore) PruneSent(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

func TestRunOnceUsesRetention(t *testing.T) {
	clk := clockwork.NewFakeClock()
	st := &fakeStore{n: 7}
	p := New(st, Config{Retention: 48 * time.Hour}, clk, logx.Nop())

	n, err := p.RunOnce(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("RunOnce=%d,%v", n, err)
	}
	if want := clk.Now().Add(-48 * time.Hour); !st.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff=%v want %v", st.cutoffs[0], want)
	}
	if at, got := p.LastRun(); got != 7 || !at.Equal(clk.Now()) {
		t.Fatalf("LastRun=%v,%d", at, got)
	}

	st.err = errors.New("disk full")
	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaults(t *testing.T) {
	clk := clockwork.NewFakeClock()
	st := &fakeStore{}
	p := New(st, Config{}, clk, logx.Nop())
	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if want := clk.Now().Add(-DefaultRetention); !st.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff=%v want %v", st.cutoffs[0], want)
	}
}

func TestValidateSchedule(t *testing.T) {
	cases := []struct {
		spec string
		ok   bool
	}{
		{"", true},
		{"off", true},
		{"@daily", true},
		{"0 3 * * *", true},
		{"*/30 * * * * *", true},
		{"every tuesday", false},
		{"61 * * * *", false},
	}
	for _, tc := range cases {
		if err := ValidateSchedule(tc.spec); (err == nil) != tc.ok {
			t.Fatalf("ValidateSchedule(%q) err=%v want ok=%v", tc.spec, err, tc.ok)
		}
	}
}

func TestScheduleLifecycle(t *testing.T) {
	p := New(&fakeStore{}, Config{Schedule: "off"}, nil, logx.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !p.Next().IsZero() {
		t.Fatalf("off schedule has a next run")
	}

	if err := p.Apply(context.Background(), Config{Schedule: "@hourly"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Next().IsZero() {
		t.Fatalf("expected a scheduled run after enabling")
	}

	if err := p.Apply(context.Background(), Config{Schedule: "bogus"}); err == nil {
		t.Fatalf("expected invalid schedule error")
	}

	p.Stop(context.Background())
	if !p.Next().IsZero() {
		t.Fatalf("stopped pruner still scheduled")
	}
}
