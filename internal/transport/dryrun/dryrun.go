// Package dryrun is a transport that is always connected, treats every address
// as routable and only logs what it would send.
package dryrun

import (
	"context"
	"sync/atomic"

	"bulksend/internal/transport"
	logx "bulksend/pkg/logx"
)

type Transport struct {
	log   logx.Logger
	state *transport.StatusTracker
	sent  atomic.Int64
}

func New(log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{log: log, state: transport.NewStatusTracker("dryrun", 16)}
}

func (t *Transport) Name() string                    { return "dryrun" }
func (t *Transport) Connected() bool                 { return t.state.Connected() }
func (t *Transport) Status() transport.Status        { return t.state.Status() }
func (t *Transport) Events() <-chan transport.Event  { return t.state.Events() }
func (t *Transport) Probe(ctx context.Context) error { return ctx.Err() }
func (t *Transport) Stop(ctx context.Context) error  { return nil }
func (t *Transport) Sent() int64                     { return t.sent.Load() }

func (t *Transport) Start(ctx context.Context) error {
	t.state.Emit(transport.Event{Kind: transport.EventAuthenticated})
	t.state.Emit(transport.Event{Kind: transport.EventReady})
	t.log.Info("dryrun transport ready")
	return nil
}

func (t *Transport) Resolve(ctx context.Context, address string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return address, true, nil
}

func (t *Transport) Send(ctx context.Context, id string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.sent.Add(1)
	t.log.Info("dryrun send", logx.Dest(id), logx.Int("bytes", len(body)))
	return nil
}

// Notify implements logx.Sender.
func (t *Transport) Notify(ctx context.Context, chatID int64, threadID int, text string) error {
	t.log.Debug("dryrun notify", logx.Int64("chat_id", chatID), logx.Int("thread_id", threadID), logx.Int("bytes", len(text)))
	return nil
}
