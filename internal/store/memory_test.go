package store

import (
	"context"
	"testing"
	"time"
)

func recvUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

func recvChild(t *testing.T, ch <-chan ChildUpdate) ChildUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for child update")
		return ChildUpdate{}
	}
}

func TestWatchDeliversCurrentThenChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Set(ctx, "presence/u1", []byte("true")); err != nil {
		t.Fatalf("set: %v", err)
	}

	ch, cancel := s.Watch(ctx, "presence/u1")
	defer cancel()

	if u := recvUpdate(t, ch); string(u.Value) != "true" {
		t.Fatalf("expected current value first, got %q", u.Value)
	}

	if err := s.Set(ctx, "presence/u1", []byte("false")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if u := recvUpdate(t, ch); string(u.Value) != "false" {
		t.Fatalf("expected change, got %q", u.Value)
	}

	if err := s.Delete(ctx, "presence/u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if u := recvUpdate(t, ch); u.Value != nil {
		t.Fatalf("expected absent after delete, got %q", u.Value)
	}
}

func TestWatchAbsentPathSeesLaterWrite(t *testing.T) {
	// A directory mapping written after the watch starts must still be observed.
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	ch, cancel := s.Watch(ctx, "directory/a@x,com")
	defer cancel()

	if u := recvUpdate(t, ch); u.Value != nil {
		t.Fatalf("expected initial absent, got %q", u.Value)
	}
	if err := s.Set(ctx, "directory/a@x,com", []byte(`"u1"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if u := recvUpdate(t, ch); string(u.Value) != `"u1"` {
		t.Fatalf("expected mapping, got %q", u.Value)
	}
}

func TestSetCollapsesIdenticalWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	ch, cancel := s.Watch(ctx, "p")
	defer cancel()
	recvUpdate(t, ch) // initial absent

	if err := s.Set(ctx, "p", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	recvUpdate(t, ch)
	if err := s.Set(ctx, "p", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}

	select {
	case u := <-ch:
		t.Fatalf("expected no event for identical write, got %q", u.Value)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteAbsentIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Delete(ctx, "nope"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if err := s.DeleteTree(ctx, "sessions/nope"); err != nil {
		t.Fatalf("delete absent tree: %v", err)
	}
}

func TestPushPreservesAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	const parent = "sessions/r1/candidates/u1"
	k1, err := s.Push(ctx, parent, []byte("c1"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	k2, err := s.Push(ctx, parent, []byte("c2"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("push keys must be unique")
	}

	ch, cancel := s.WatchChildren(ctx, parent)
	defer cancel()

	// Existing children replayed in order, then live pushes.
	if c := recvChild(t, ch); c.Key != k1 || string(c.Value) != "c1" {
		t.Fatalf("unexpected first child: %+v", c)
	}
	if c := recvChild(t, ch); c.Key != k2 || string(c.Value) != "c2" {
		t.Fatalf("unexpected second child: %+v", c)
	}

	k3, err := s.Push(ctx, parent, []byte("c3"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if c := recvChild(t, ch); c.Key != k3 || string(c.Value) != "c3" {
		t.Fatalf("unexpected live child: %+v", c)
	}
}

func TestDeleteTreeRemovesSubtreeAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Set(ctx, "sessions/r1/description", []byte("sdp")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Push(ctx, "sessions/r1/candidates/u1", []byte("c")); err != nil {
		t.Fatalf("push: %v", err)
	}

	ch, cancel := s.Watch(ctx, "sessions/r1/description")
	defer cancel()
	recvUpdate(t, ch) // current

	if err := s.DeleteTree(ctx, "sessions/r1"); err != nil {
		t.Fatalf("delete tree: %v", err)
	}
	if u := recvUpdate(t, ch); u.Value != nil {
		t.Fatalf("expected absent after tree delete, got %q", u.Value)
	}

	v, err := s.Get(ctx, "sessions/r1/description")
	if err != nil || v != nil {
		t.Fatalf("expected subtree gone, got %q err %v", v, err)
	}

	// A second DeleteTree on the now-absent subtree must be a no-op.
	if err := s.DeleteTree(ctx, "sessions/r1"); err != nil {
		t.Fatalf("second delete tree: %v", err)
	}
}

func TestOnDisconnectAppliesOnClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "presence/u1", []byte("true")); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.OnDisconnect("presence/u1", []byte("false"))

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The store is closed, but the value map reflects the rule having run.
	s.mu.Lock()
	v := s.values["presence/u1"]
	s.mu.Unlock()
	if string(v) != "false" {
		t.Fatalf("expected disconnect rule to write false, got %q", v)
	}
}

func TestCloseClosesWatchChannels(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ch, cancel := s.Watch(ctx, "p")
	defer cancel()
	recvUpdate(t, ch)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected watch channel closed after store close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
