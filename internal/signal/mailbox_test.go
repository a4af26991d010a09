package signal

import (
	"context"
	"testing"
	"time"

	"peercall/internal/store"
)

func waitInvitation(t *testing.T, ch <-chan *Invitation) *Invitation {
	t.Helper()
	select {
	case inv := <-ch:
		return inv
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for invitation")
		return nil
	}
}

func TestMailboxInvitationLastWriterWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	mb := NewMailbox(st, nil)

	ch, cancel := mb.WatchInvitation(ctx, "u2")
	defer cancel()

	if inv := waitInvitation(t, ch); inv != nil {
		t.Fatalf("expected empty mailbox first, got %+v", inv)
	}

	if err := mb.SendInvitation(ctx, "u2", Invitation{RoomID: "r1", From: "u1", Type: CallTypeVideo}); err != nil {
		t.Fatalf("send: %v", err)
	}
	inv := waitInvitation(t, ch)
	if inv == nil || inv.RoomID != "r1" || inv.From != "u1" || inv.Type != CallTypeVideo {
		t.Fatalf("unexpected invitation: %+v", inv)
	}

	// A second caller overwrites the first invitation.
	if err := mb.SendInvitation(ctx, "u2", Invitation{RoomID: "r2", From: "u3", Type: CallTypeAudio}); err != nil {
		t.Fatalf("send: %v", err)
	}
	inv = waitInvitation(t, ch)
	if inv == nil || inv.RoomID != "r2" || inv.From != "u3" {
		t.Fatalf("expected overwrite, got %+v", inv)
	}

	if err := mb.ClearInvitation(ctx, "u2"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if inv := waitInvitation(t, ch); inv != nil {
		t.Fatalf("expected cleared mailbox, got %+v", inv)
	}
}

func TestMailboxDropsMalformedInvitation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	mb := NewMailbox(st, nil)

	ch, cancel := mb.WatchInvitation(ctx, "u2")
	defer cancel()
	waitInvitation(t, ch) // initial empty

	if err := st.Set(ctx, InvitationPath("u2"), []byte(`{"type":"video"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case inv := <-ch:
		t.Fatalf("malformed invitation must be dropped, got %+v", inv)
	case <-time.After(50 * time.Millisecond):
	}

	// A valid invitation after the malformed one still gets through.
	if err := mb.SendInvitation(ctx, "u2", Invitation{RoomID: "r1", From: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	inv := waitInvitation(t, ch)
	if inv == nil || inv.Type != CallTypeAudio {
		t.Fatalf("expected valid invitation with audio default, got %+v", inv)
	}
}

func TestMailboxDescriptionSlot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	mb := NewMailbox(st, nil)

	ch, cancel := mb.WatchDescription(ctx, "r1")
	defer cancel()
	if d := <-ch; d != nil {
		t.Fatalf("expected empty slot, got %+v", d)
	}

	if err := mb.PublishDescription(ctx, "r1", Description{Type: DescriptionOffer, SDP: "o"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d := <-ch
	if d == nil || d.Type != DescriptionOffer {
		t.Fatalf("expected offer, got %+v", d)
	}

	if err := mb.PublishDescription(ctx, "r1", Description{Type: DescriptionAnswer, SDP: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d = <-ch
	if d == nil || d.Type != DescriptionAnswer || d.SDP != "a" {
		t.Fatalf("expected answer to supersede offer, got %+v", d)
	}
}

func TestMailboxCandidatesOrderedPerIdentity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	mb := NewMailbox(st, nil)

	for i, c := range []Candidate{
		{Mid: "0", MLineIndex: 0, Candidate: "cand-a"},
		{Mid: "0", MLineIndex: 0, Candidate: "cand-b"},
	} {
		if err := mb.PublishCandidate(ctx, "r1", "u1", c); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	ch, cancel := mb.WatchCandidates(ctx, "r1", "u1")
	defer cancel()

	got1 := <-ch
	got2 := <-ch
	if got1.Candidate != "cand-a" || got2.Candidate != "cand-b" {
		t.Fatalf("candidates out of order: %q then %q", got1.Candidate, got2.Candidate)
	}

	if err := mb.PublishCandidate(ctx, "r1", "u1", Candidate{Candidate: "cand-c"}); err != nil {
		t.Fatalf("publish live: %v", err)
	}
	select {
	case got3 := <-ch:
		if got3.Candidate != "cand-c" {
			t.Fatalf("unexpected live candidate %q", got3.Candidate)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live candidate")
	}
}

func TestMailboxClearSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defer st.Close()
	mb := NewMailbox(st, nil)

	if err := mb.PublishDescription(ctx, "r1", Description{Type: DescriptionOffer, SDP: "o"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := mb.PublishCandidate(ctx, "r1", "u1", Candidate{Candidate: "c"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := mb.ClearSession(ctx, "r1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if v, _ := st.Get(ctx, DescriptionPath("r1")); v != nil {
		t.Fatalf("expected description gone")
	}
	if err := mb.ClearSession(ctx, "r1"); err != nil {
		t.Fatalf("second clear must be a no-op: %v", err)
	}
}
