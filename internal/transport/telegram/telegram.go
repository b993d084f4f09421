package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "bulksend/internal/runtime/supervisor"
	"bulksend/internal/transport"
	logx "bulksend/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint. Empty means api.telegram.org.
	APIURL string
}

// Adapter delivers batches through the Telegram Bot API. Destinations are
// chat ids; inbound text updates become inbound-message events.
type Adapter struct {
	cfg Config
	log logx.Logger

	state *transport.StatusTracker
	tb    *tele.Bot
	meID  atomic.Int64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// connecting is set while a connect loop is scheduled or running.
	connecting atomic.Bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline skips the getMe call; Start performs it so a bad network at boot
	// surfaces as a disconnected state instead of a startup failure.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:   cfg,
		log:   log,
		state: transport.NewStatusTracker("telegram", 128),
		tb:    b,
	}
	a.tb.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Name() string                   { return "telegram" }
func (a *Adapter) Connected() bool                { return a.state.Connected() }
func (a *Adapter) Status() transport.Status       { return a.state.Status() }
func (a *Adapter) Events() <-chan transport.Event { return a.state.Events() }

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	fromSelf := m.Sender != nil && m.Sender.ID == a.meID.Load()
	a.state.Emit(transport.Event{
		Kind:     transport.EventInbound,
		From:     strconv.FormatInt(m.Chat.ID, 10),
		FromSelf: fromSelf,
	})
	return nil
}

// Start authenticates (getMe) and runs the long-poll loop under a restart
// supervisor. Polling failures reconnect out of band.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	// A loop canceled during its backoff sleep never clears the flag.
	a.connecting.Store(false)
	a.connectLocked()
	a.runMu.Unlock()

	// The only caller of tb.Stop: telebot panics when stopped twice.
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.tb.Stop()
	})

	// Start blocks until Stop; restart it if it returns while ctx is live.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Debug("polling started")
		a.tb.Start()
		a.log.Debug("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	sup.Go0("telegram.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := a.state.TakeDrops(); n > 0 {
					a.log.Warn("transport events dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()

	// The getUpdates long poll may still be waiting; keep shutdown snappy.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	a.state.Emit(transport.Event{Kind: transport.EventDisconnected, Detail: "stopped"})
	return nil
}

// reconnect schedules a connect loop unless one is already running or the
// adapter is stopped.
func (a *Adapter) reconnect() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		a.connectLocked()
	}
}

// connectLocked retries getMe with backoff until it succeeds, then marks the
// session ready. Callers hold runMu.
func (a *Adapter) connectLocked() {
	if a.sup == nil || !a.connecting.CompareAndSwap(false, true) {
		return
	}
	a.sup.GoRestart("telegram.connect", func(c context.Context) error {
		var me *tele.User
		err := await(c, func() error {
			var err error
			me, err = a.getMe()
			return err
		})
		if c.Err() != nil {
			a.connecting.Store(false)
			return c.Err()
		}
		if err != nil {
			a.state.Emit(transport.Event{Kind: transport.EventError, Detail: err.Error()})
			return err
		}
		a.connecting.Store(false)
		if !a.Connected() {
			a.state.Emit(transport.Event{Kind: transport.EventAuthenticated})
			a.state.Emit(transport.Event{Kind: transport.EventReady})
			a.log.Info("telegram connected", logx.String("bot", me.Username))
		}
		return nil
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

// markDown records a lost session and starts reconnecting.
func (a *Adapter) markDown(detail string) {
	if a.Connected() {
		a.state.Emit(transport.Event{Kind: transport.EventDisconnected, Detail: detail})
		a.log.Warn("telegram disconnected; reconnecting", logx.String("reason", detail))
	}
	a.reconnect()
}

func (a *Adapter) getMe() (*tele.User, error) {
	raw, err := a.tb.Raw("getMe", nil)
	if err != nil {
		return nil, classify(err)
	}
	var resp struct {
		Result *tele.User `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, errors.New("getMe: empty result")
	}
	a.meID.Store(resp.Result.ID)
	return resp.Result, nil
}

// Probe re-checks the session with getMe and updates the connection state.
// A failed check marks the session down and leaves recovery to the connect
// loop.
func (a *Adapter) Probe(ctx context.Context) error {
	err := await(ctx, func() error {
		_, err := a.getMe()
		return err
	})
	switch {
	case err != nil && ctx.Err() == nil:
		a.markDown(err.Error())
	case err == nil && !a.Connected():
		a.state.Emit(transport.Event{Kind: transport.EventReady})
	}
	return err
}

// Resolve looks the chat up with getChat.
func (a *Adapter) Resolve(ctx context.Context, address string) (string, bool, error) {
	id, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return "", false, nil
	}
	err = await(ctx, func() error {
		_, err := a.tb.ChatByID(id)
		return err
	})
	if err != nil {
		if isChatMissing(err) {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	return address, true, nil
}

func (a *Adapter) Send(ctx context.Context, id string, body string) error {
	if !a.Connected() {
		a.reconnect()
		return transport.WrapTransient(transport.ErrNotConnected)
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return err
	}
	return a.sendChunks(ctx, chatID, 0, body)
}

// Notify implements logx.Sender for operator-chat logging and notifications.
func (a *Adapter) Notify(ctx context.Context, chatID int64, threadID int, text string) error {
	return a.sendChunks(ctx, chatID, threadID, text)
}

func (a *Adapter) sendChunks(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: threadID}
		err := await(ctx, func() error {
			_, err := a.tb.Send(chat, chunk, opts)
			return err
		})
		if err != nil {
			if isChatMissing(err) {
				return transport.ErrNotRegistered
			}
			return classify(err)
		}
	}
	return nil
}

// await runs fn and returns early when ctx ends. The telebot call itself
// keeps running in the background; its result is discarded.
func await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isChatMissing(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "chat not found") || strings.Contains(msg, "user not found")
}

// classify tags network failures, flood control and server-side errors as
// transient. Everything else (blocked, forbidden, bad request) is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return transport.WrapTransient(err)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"too many requests", "retry after", "timeout", "connection reset",
		"connection refused", "eof", "bad gateway", "internal server error",
		"service unavailable", "gateway timeout",
	} {
		if strings.Contains(msg, s) {
			return transport.WrapTransient(err)
		}
	}
	return err
}
