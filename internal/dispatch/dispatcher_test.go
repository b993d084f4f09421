package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"bulksend/internal/transport"
	"bulksend/internal/transport/transporttest"
	logx "bulksend/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func blockUntil(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d clock waiters: %v", n, err)
	}
}

type harness struct {
	clk  *clockwork.FakeClock
	tr   *transporttest.Fake
	hist *memHistory
	d    *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:  clockwork.NewFakeClock(),
		tr:   transporttest.New(),
		hist: newMemHistory(),
	}
	h.d = New(Deps{Transport: h.tr, History: h.hist, Clock: h.clk, Log: nopLog()}, DefaultSettings())
	return h
}

type runResult struct {
	res *Result
	err error
}

func (h *harness) start(req Request) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		res, err := h.d.Run(context.Background(), req)
		out <- runResult{res, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan runResult) *Result {
	t.Helper()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("run: %v", r.err)
		}
		return r.res
	case <-time.After(3 * time.Second):
		t.Fatalf("batch did not finish")
	}
	return nil
}

func TestRunMixedOutcomes(t *testing.T) {
	h := newHarness(t)
	h.tr.Unregister("5551234567")

	res, err := h.d.Run(context.Background(), Request{
		Destinations: []string{"abc", "5551234567", "555-987-6543"},
		Message:      "hello",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	p := res.Progress
	if p.Total != 3 || p.Current != 3 || p.SuccessCount != 1 || p.ErrorCount != 2 || p.IsActive {
		t.Fatalf("progress=%+v", p)
	}
	if len(res.Results) != 3 {
		t.Fatalf("results=%+v", res.Results)
	}
	if res.Results[0].Status != StatusError || !errors.Is(res.Results[0].Err, ErrInvalidDestination) {
		t.Fatalf("invalid entry: %+v", res.Results[0])
	}
	if res.Results[1].Error != "not on transport" {
		t.Fatalf("unregistered entry: %+v", res.Results[1])
	}
	if !res.Results[2].Success || res.Results[2].Normalized != "5559876543" {
		t.Fatalf("delivered entry: %+v", res.Results[2])
	}

	recs := h.hist.records()
	if len(recs) != 1 || recs[0].Destination != "5559876543" || recs[0].BatchID != res.BatchID {
		t.Fatalf("history=%+v", recs)
	}
	if got := h.tr.Sends(); len(got) != 1 {
		t.Fatalf("sends=%v", got)
	}
	if got := h.d.Progress(); got != p {
		t.Fatalf("progress after run=%+v want %+v", got, p)
	}
}

func TestRunSkipsRecentAndDuplicates(t *testing.T) {
	h := newHarness(t)
	h.hist.last["5550000001"] = h.clk.Now().Add(-5 * 24 * time.Hour)

	res, err := h.d.Run(context.Background(), Request{
		Destinations: []string{"5550000001", "5550000002", "555 000 0002"},
		Message:      "hi",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.hist.queryCount() != 1 {
		t.Fatalf("history queries=%d want 1", h.hist.queryCount())
	}
	if len(res.SkippedNumbers) != 1 || res.SkippedNumbers[0].Number != "5550000001" {
		t.Fatalf("skipped=%+v", res.SkippedNumbers)
	}
	if len(res.Duplicates) != 1 || res.Duplicates[0] != "555 000 0002" {
		t.Fatalf("duplicates=%+v", res.Duplicates)
	}
	if res.Progress.SkippedCount != 1 || res.Progress.SuccessCount != 1 || res.Progress.Current != 3 {
		t.Fatalf("progress=%+v", res.Progress)
	}
	if got := h.tr.Sends(); len(got) != 1 || got[0] != "5550000002" {
		t.Fatalf("sends=%v", got)
	}
}

func TestRunAllInvalidMakesNoTransportCalls(t *testing.T) {
	h := newHarness(t)
	res, err := h.d.Run(context.Background(), Request{Destinations: []string{"abc", "12-34"}, Message: "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.tr.Sends()) != 0 || h.hist.queryCount() != 0 {
		t.Fatalf("sends=%v queries=%d", h.tr.Sends(), h.hist.queryCount())
	}
	if res.Progress.ErrorCount != 2 || res.Progress.Current != 2 {
		t.Fatalf("progress=%+v", res.Progress)
	}
}

func TestRunRejections(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		req  Request
	}{
		{"no destinations", Request{Message: "x"}},
		{"blank message", Request{Destinations: []string{"5550000001"}, Message: "  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.d.Run(context.Background(), tc.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("err=%v want ErrValidation", err)
			}
		})
	}

	h.tr.SetConnected(false)
	h.d.Control().Pause("")
	before := h.d.Control().State()
	if _, err := h.d.Run(context.Background(), Request{Destinations: []string{"5550000001"}, Message: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v want ErrNotConnected", err)
	}
	if after := h.d.Control().State(); after != before {
		t.Fatalf("control changed by rejected batch: %+v -> %+v", before, after)
	}
	if p := h.d.Progress(); p.BatchID != "" || p.Total != 0 {
		t.Fatalf("progress changed by rejected batch: %+v", p)
	}
}

func TestRunRejectsConcurrentBatch(t *testing.T) {
	h := newHarness(t)
	done := h.start(Request{Destinations: []string{"5550000001", "5550000002"}, Message: "x", Delay: 10 * time.Second})
	blockUntil(t, h.clk, 1)

	if !h.d.Progress().IsActive {
		t.Fatalf("expected an active batch")
	}
	if _, err := h.d.Run(context.Background(), Request{Destinations: []string{"5550000003"}, Message: "y"}); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("err=%v want ErrBatchActive", err)
	}

	h.clk.Advance(10 * time.Second)
	res := await(t, done)
	if res.Progress.SuccessCount != 2 {
		t.Fatalf("progress=%+v", res.Progress)
	}
}

func TestRunTransientRetry(t *testing.T) {
	h := newHarness(t)
	h.tr.FailNext("5551234567", transport.WrapTransient(errors.New("Session closed")))

	var mu sync.Mutex
	var at []time.Time
	h.tr.OnSend = func(id string, attempt int) {
		mu.Lock()
		at = append(at, h.clk.Now())
		mu.Unlock()
	}

	done := h.start(Request{Destinations: []string{"5551234567"}, Message: "x"})
	blockUntil(t, h.clk, 1)
	h.clk.Advance(DefaultRetryBackoff)
	res := await(t, done)

	if !res.Results[0].Success {
		t.Fatalf("outcome=%+v", res.Results[0])
	}
	if n := len(h.tr.Sends()); n != 2 {
		t.Fatalf("send attempts=%d want 2", n)
	}
	if h.tr.Probes() != 1 {
		t.Fatalf("probes=%d want 1", h.tr.Probes())
	}
	mu.Lock()
	defer mu.Unlock()
	if gap := at[1].Sub(at[0]); gap < DefaultRetryBackoff {
		t.Fatalf("retry after %v, want >= %v", gap, DefaultRetryBackoff)
	}
}

func TestRunTransientRetryFailsOnce(t *testing.T) {
	h := newHarness(t)
	boom := transport.WrapTransient(errors.New("Target closed"))
	h.tr.FailNext("5551234567", boom, boom, boom)

	done := h.start(Request{Destinations: []string{"5551234567"}, Message: "x"})
	blockUntil(t, h.clk, 1)
	h.clk.Advance(DefaultRetryBackoff)
	res := await(t, done)

	if res.Results[0].Success || res.Progress.ErrorCount != 1 {
		t.Fatalf("result=%+v", res)
	}
	if n := len(h.tr.Sends()); n != 2 {
		t.Fatalf("send attempts=%d want exactly 2", n)
	}
}

func TestRunCooldownAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.FailNext("5550000001", errors.New("rejected"))

	done := h.start(Request{Destinations: []string{"5550000001", "5550000002"}, Message: "x", Delay: 0})
	blockUntil(t, h.clk, 1)
	if n := len(h.tr.Sends()); n != 1 {
		t.Fatalf("second send before cooldown: %d sends", n)
	}
	h.clk.Advance(DefaultErrorCooldown)
	res := await(t, done)
	if res.Progress.ErrorCount != 1 || res.Progress.SuccessCount != 1 {
		t.Fatalf("progress=%+v", res.Progress)
	}
}

func TestRunStopDuringDelay(t *testing.T) {
	h := newHarness(t)
	done := h.start(Request{Destinations: []string{"5550000001", "5550000002", "5550000003"}, Message: "x", Delay: 10 * time.Second})
	blockUntil(t, h.clk, 1)

	h.d.Control().Stop("")
	res := await(t, done)

	if !res.Stopped || res.Truncated != 2 {
		t.Fatalf("stopped=%v truncated=%d", res.Stopped, res.Truncated)
	}
	if n := len(h.tr.Sends()); n != 1 {
		t.Fatalf("sends=%d want 1", n)
	}
	p := h.d.Progress()
	if p.IsActive || !p.IsStopped || p.Current != 1 {
		t.Fatalf("progress=%+v", p)
	}
}

func TestRunPauseFreezesDelay(t *testing.T) {
	h := newHarness(t)
	done := h.start(Request{Destinations: []string{"5550000001", "5550000002"}, Message: "x", Delay: 10 * time.Second})
	blockUntil(t, h.clk, 1)

	h.clk.Advance(4 * time.Second)
	h.d.Control().Pause("")
	// The delay timer is released once the loop sees the pause.
	blockUntil(t, h.clk, 0)
	if !h.d.Progress().IsPaused {
		t.Fatalf("progress does not report pause")
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(h.tr.Sends()); n != 1 {
		t.Fatalf("send while paused: %d sends", n)
	}

	h.d.Control().Resume()
	blockUntil(t, h.clk, 1)
	h.clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := len(h.tr.Sends()); n != 1 {
		t.Fatalf("remaining delay not honoured: %d sends", n)
	}
	h.clk.Advance(time.Second)

	res := await(t, done)
	if res.Progress.SuccessCount != 2 || res.Stopped {
		t.Fatalf("progress=%+v", res.Progress)
	}
}

func TestRunWithoutHistory(t *testing.T) {
	clk := clockwork.NewFakeClock()
	tr := transporttest.New()
	d := New(Deps{Transport: tr, Clock: clk}, DefaultSettings())

	res, err := d.Run(context.Background(), Request{Destinations: []string{"5550000001"}, Message: "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Progress.SuccessCount != 1 {
		t.Fatalf("progress=%+v", res.Progress)
	}
}

func TestRunSendTimeout(t *testing.T) {
	h := newHarness(t)
	s := DefaultSettings()
	s.SendTimeout = 50 * time.Millisecond
	h.d.Apply(s)
	h.tr.SendDelay = 5 * time.Second

	res, err := h.d.Run(context.Background(), Request{Destinations: []string{"5550000001"}, Message: "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := res.Results[0]
	if out.Success || !errors.Is(out.Err, ErrTimeout) {
		t.Fatalf("outcome=%+v want ErrTimeout", out)
	}
	if res.Progress.ErrorCount != 1 || len(h.hist.records()) != 0 {
		t.Fatalf("progress=%+v history=%d", res.Progress, len(h.hist.records()))
	}
}

func TestRunHistoryWriteFailureKeepsSuccess(t *testing.T) {
	h := newHarness(t)
	h.hist.writeErr = errors.New("disk I/O error")

	res, err := h.d.Run(context.Background(), Request{Destinations: []string{"5550000001", "5550000002"}, Message: "x"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Progress.SuccessCount != 2 || res.Progress.ErrorCount != 0 {
		t.Fatalf("progress=%+v", res.Progress)
	}
	for _, out := range res.Results {
		if !out.Success || out.Err != nil {
			t.Fatalf("outcome=%+v", out)
		}
	}
	if n := len(h.hist.records()); n != 0 {
		t.Fatalf("records=%d", n)
	}
}

func TestRunPauseWithoutDelayHoldsNextSend(t *testing.T) {
	h := newHarness(t)
	h.tr.OnSend = func(id string, attempt int) {
		if id == "5550000001" {
			h.d.Control().Pause("")
		}
	}

	done := h.start(Request{Destinations: []string{"5550000001", "5550000002"}, Message: "x", Delay: 0})
	waitFor(t, func() bool {
		p := h.d.Progress()
		return p.Current == 1 && p.IsPaused
	})
	time.Sleep(20 * time.Millisecond)
	if n := len(h.tr.Sends()); n != 1 {
		t.Fatalf("send while paused: %d sends", n)
	}

	h.d.Control().Resume()
	res := await(t, done)
	if res.Progress.SuccessCount != 2 || len(h.tr.Sends()) != 2 {
		t.Fatalf("progress=%+v sends=%v", res.Progress, h.tr.Sends())
	}
}

func TestRunStopDuringRetryBackoff(t *testing.T) {
	h := newHarness(t)
	h.tr.FailNext("5550000001", transport.WrapTransient(errors.New("Session closed")))

	done := h.start(Request{Destinations: []string{"5550000001", "5550000002", "5550000003"}, Message: "x"})
	// The retry backoff timer.
	blockUntil(t, h.clk, 1)
	h.d.Control().Stop("")
	res := await(t, done)

	if !res.Stopped || res.Truncated != 2 {
		t.Fatalf("stopped=%v truncated=%d", res.Stopped, res.Truncated)
	}
	if len(res.Results) != 1 || res.Results[0].Success || !transport.IsTransient(res.Results[0].Err) {
		t.Fatalf("results=%+v", res.Results)
	}
	if res.Progress.ErrorCount != 1 || res.Progress.Current != 1 {
		t.Fatalf("progress=%+v", res.Progress)
	}
	if n := len(h.tr.Sends()); n != 1 {
		t.Fatalf("send attempts=%d want 1", n)
	}
	if h.tr.Probes() != 0 {
		t.Fatalf("probes=%d want 0", h.tr.Probes())
	}
}
