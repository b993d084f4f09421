package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"bulksend/internal/transport"
	logx "bulksend/pkg/logx"
)

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}

	// No newline: hard cut at the limit.
	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("got %q", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"net error", timeoutErr{}, true},
		{"flood", errors.New("telegram: Too Many Requests: retry after 5 (429)"), true},
		{"bad gateway", errors.New("telegram: Bad Gateway (502)"), true},
		{"blocked", tele.ErrBlockedByUser, false},
		{"bad request", errors.New("telegram: Bad Request: message is too long (400)"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := transport.IsTransient(classify(tc.err)); got != tc.transient {
				t.Fatalf("transient=%v, want %v", got, tc.transient)
			}
		})
	}
}

func TestIsChatMissing(t *testing.T) {
	if !isChatMissing(tele.ErrChatNotFound) {
		t.Fatalf("ErrChatNotFound not detected")
	}
	if !isChatMissing(errors.New("telegram: Bad Request: chat not found (400)")) {
		t.Fatalf("string form not detected")
	}
	if isChatMissing(errors.New("Forbidden: bot was blocked by the user")) {
		t.Fatalf("blocked is not missing")
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	err := await(ctx, func() error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

// botAPI is a minimal Bot API server. getMe fails while failGetMe > 0.
type botAPI struct {
	failGetMe atomic.Int32
	getMe     atomic.Int32
	sent      atomic.Int32
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	switch method {
	case "getMe":
		b.getMe.Add(1)
		if b.failGetMe.Add(-1) >= 0 {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"b","username":"bulk_bot"}}`))
	case "getUpdates":
		select {
		case <-r.Context().Done():
		case <-time.After(20 * time.Millisecond):
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	case "sendMessage":
		b.sent.Add(1)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1001,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func waitConnected(t *testing.T, a *Adapter, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for a.Connected() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connected=%v not reached", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdapterReconnectsAfterFailedCheck(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a, err := New(Config{Token: "42:test", PollTimeout: time.Second, APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()
	waitConnected(t, a, true)

	api.failGetMe.Store(1)
	if err := a.Probe(ctx); err == nil {
		t.Fatalf("session check succeeded against a failing server")
	}
	// The connect loop recovers without another Probe call.
	waitConnected(t, a, true)
	if n := api.getMe.Load(); n < 3 {
		t.Fatalf("getMe calls = %d, want a reconnect attempt", n)
	}

	if err := a.Send(ctx, "1001", "hello"); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if api.sent.Load() != 1 {
		t.Fatalf("sendMessage calls = %d", api.sent.Load())
	}
}

func TestSendWhileDisconnectedIsTransient(t *testing.T) {
	api := &botAPI{}
	api.failGetMe.Store(1 << 20)
	srv := httptest.NewServer(api)
	defer srv.Close()

	a, err := New(Config{Token: "42:test", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = a.Send(context.Background(), "1001", "hello")
	if !errors.Is(err, transport.ErrNotConnected) || !transport.IsTransient(err) {
		t.Fatalf("Send while down: %v", err)
	}
}
