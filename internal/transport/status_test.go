package transport

import "testing"

func TestStatusTrackerFoldsEvents(t *testing.T) {
	tr := NewStatusTracker("test", 1)

	tr.Emit(Event{Kind: EventQRReady})
	if st := tr.Status(); !st.NeedsQR || st.Connected {
		t.Fatalf("after qr: %+v", st)
	}
	tr.Emit(Event{Kind: EventReady})
	if st := tr.Status(); st.NeedsQR || !st.Connected || !st.Authenticated || st.LastEvent != EventReady {
		t.Fatalf("after ready: %+v", st)
	}
	tr.Emit(Event{Kind: EventInbound, From: "1"})
	if st := tr.Status(); st.LastEvent != EventReady {
		t.Fatalf("inbound should not change last event: %+v", st)
	}
	tr.Emit(Event{Kind: EventDisconnected})
	if tr.Connected() {
		t.Fatalf("still connected after disconnect")
	}

	// Buffer of 1: the qr event is queued, the rest were dropped.
	if got := tr.TakeDrops(); got != 3 {
		t.Fatalf("drops=%d, want 3", got)
	}
	if ev := <-tr.Events(); ev.Kind != EventQRReady || ev.Time.IsZero() {
		t.Fatalf("event=%+v", ev)
	}
}
