package systemd

import (
	"context"
	"testing"
	"time"

	logx "bulksend/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if Ready() || Stopping() || Status("x") {
		t.Fatalf("notification reported delivered without NOTIFY_SOCKET")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		Watchdog(ctx, logx.Nop(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("Watchdog blocked with the watchdog disabled")
	}
}
