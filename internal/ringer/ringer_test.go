package ringer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"peercall/internal/signal"
	"peercall/internal/store"
)

func newRig(t *testing.T, timeout time.Duration) (*store.MemoryStore, *signal.Mailbox, *Watcher) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	mb := signal.NewMailbox(st, nil)
	w := NewWatcher(mb, "u2", nil, WithRingTimeout(timeout))
	t.Cleanup(w.Stop)
	return st, mb, w
}

func TestWatcherSurfacesDistinctInvitations(t *testing.T) {
	ctx := context.Background()
	_, mb, w := newRig(t, time.Minute)

	calls := make(chan IncomingCall, 4)
	w.Start(ctx, func(ic IncomingCall) { calls <- ic })

	if err := mb.SendInvitation(ctx, "u2", signal.Invitation{RoomID: "r1", From: "u1", Type: "video"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case ic := <-calls:
		if ic.RoomID != "r1" || ic.From != "u1" || ic.Type != "video" {
			t.Fatalf("unexpected incoming call: %+v", ic)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for incoming call")
	}

	// A different invitation overwrites and is surfaced again.
	if err := mb.SendInvitation(ctx, "u2", signal.Invitation{RoomID: "r2", From: "u3", Type: "audio"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case ic := <-calls:
		if ic.RoomID != "r2" {
			t.Fatalf("unexpected second call: %+v", ic)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for second call")
	}
}

func TestWatcherClearedMailboxIsNoOp(t *testing.T) {
	ctx := context.Background()
	_, mb, w := newRig(t, time.Minute)

	calls := make(chan IncomingCall, 4)
	w.Start(ctx, func(ic IncomingCall) { calls <- ic })

	if err := mb.SendInvitation(ctx, "u2", signal.Invitation{RoomID: "r1", From: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-calls

	if err := mb.ClearInvitation(ctx, "u2"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	select {
	case ic := <-calls:
		t.Fatalf("cleared mailbox must not produce an event, got %+v", ic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeoutFiresOnceAndClearsInvitation(t *testing.T) {
	ctx := context.Background()
	st, mb, w := newRig(t, 30*time.Millisecond)

	w.Start(ctx, func(IncomingCall) {})
	if err := mb.SendInvitation(ctx, "u2", signal.Invitation{RoomID: "r1", From: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var fired atomic.Int32
	done := make(chan struct{})
	w.Arm(func() {
		fired.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout never fired")
	}
	// Give a second (impossible) firing a moment to happen.
	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("timeout callback invoked %d times, want 1", n)
	}
	if got := w.TimeoutState(); got != TimeoutFired {
		t.Fatalf("state = %v, want fired", got)
	}
	if v, _ := st.Get(ctx, signal.InvitationPath("u2")); v != nil {
		t.Fatalf("invitation must be deleted on timeout")
	}
}

func TestCancelBeforeExpiryPreventsCallback(t *testing.T) {
	_, _, w := newRig(t, 40*time.Millisecond)

	fired := make(chan struct{}, 1)
	w.Arm(func() { fired <- struct{}{} })
	w.CancelTimeout()

	select {
	case <-fired:
		t.Fatalf("cancelled timer must not fire")
	case <-time.After(100 * time.Millisecond):
	}
	if got := w.TimeoutState(); got != TimeoutCancelled {
		t.Fatalf("state = %v, want cancelled", got)
	}
}

func TestReArmCancelsPreviousTimer(t *testing.T) {
	_, _, w := newRig(t, 50*time.Millisecond)

	firstFired := make(chan struct{}, 1)
	w.Arm(func() { firstFired <- struct{}{} })

	time.Sleep(20 * time.Millisecond)
	secondFired := make(chan struct{}, 1)
	w.Arm(func() { secondFired <- struct{}{} })

	select {
	case <-firstFired:
		t.Fatalf("re-arming must cancel the previous timer")
	case <-secondFired:
	case <-time.After(time.Second):
		t.Fatalf("latest timer never fired")
	}
}

func TestStopDisarmsTimer(t *testing.T) {
	_, _, w := newRig(t, 30*time.Millisecond)

	fired := make(chan struct{}, 1)
	w.Arm(func() { fired <- struct{}{} })
	w.Stop()

	select {
	case <-fired:
		t.Fatalf("stopped watcher must not fire its timer")
	case <-time.After(80 * time.Millisecond):
	}

	// Stop again: idempotent.
	w.Stop()
}
