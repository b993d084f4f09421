package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulksend/internal/eventbus"
	logx "bulksend/pkg/logx"
)

// watch turns dispatcher bus events into notifications until ctx ends.
func (s *Service) watch(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n, ok := fromEvent(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
				s.log.Debug("notification not queued", logx.String("channel", n.Channel), logx.Err(err))
			}
		}
	}
}

// fromEvent maps one bus event to a notification. Events that operators do
// not need to see map to ok=false.
func fromEvent(ev eventbus.Event) (Notification, bool) {
	switch d := ev.Data.(type) {
	case eventbus.BatchStarted:
		return Notification{
			Channel:  "batch",
			Priority: 3,
			Text: fmt.Sprintf("Batch %s started: %d destinations, %d eligible, delay %s",
				shortID(d.BatchID), d.Total, d.Eligible, d.Delay),
		}, true

	case eventbus.BatchFinished:
		var b strings.Builder
		verb := "finished"
		prio := 5
		if d.Stopped {
			verb = "stopped"
			prio = 7
		}
		fmt.Fprintf(&b, "Batch %s %s in %s\n", shortID(d.BatchID), verb, d.Elapsed.Round(time.Second))
		fmt.Fprintf(&b, "sent %d, failed %d, skipped %d of %d", d.Success, d.Errors, d.Skipped, d.Total)
		if d.Truncated > 0 {
			fmt.Fprintf(&b, "\nnot attempted: %d", d.Truncated)
		}
		return Notification{Channel: "batch", Priority: prio, Text: b.String()}, true

	case eventbus.AutoPause:
		if ev.Type == eventbus.TypeAutoResumed {
			return Notification{Channel: "autopause", Priority: 5, Text: "Quiet period elapsed; sending resumed"}, true
		}
		return Notification{
			Channel:  "autopause",
			Priority: 7,
			Text: fmt.Sprintf("Inbound message detected; sending paused until %s",
				d.Until.Format("15:04:05")),
		}, true

	case eventbus.ControlChanged:
		if d.Action != "stop" {
			return Notification{}, false
		}
		return Notification{Channel: "control", Priority: 7, Text: "Batch stop requested: " + d.Reason}, true

	case eventbus.TransportState:
		switch d.Kind {
		case "disconnected", "error":
			text := "Transport " + d.Kind
			if d.Detail != "" {
				text += ": " + d.Detail
			}
			return Notification{Channel: "transport", Priority: 9, Text: text}, true
		case "qr-ready":
			return Notification{Channel: "transport", Priority: 7, Text: "Transport needs authentication"}, true
		}
	}
	return Notification{}, false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
