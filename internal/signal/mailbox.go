package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"peercall/internal/store"
)

// Mailbox is the typed read/write/subscribe surface the call engine uses.
// It owns serialization and fail-closed decoding; malformed remote payloads
// are dropped and logged, never surfaced as crashes.
type Mailbox struct {
	st  store.Store
	log *slog.Logger
}

func NewMailbox(st store.Store, log *slog.Logger) *Mailbox {
	if log == nil {
		log = slog.Default()
	}
	return &Mailbox{st: st, log: log.With("component", "mailbox")}
}

// SendInvitation writes the invitation at the recipient's mailbox,
// overwriting any previous one (last writer wins).
func (m *Mailbox) SendInvitation(ctx context.Context, recipient string, inv Invitation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("signal: encode invitation: %w", err)
	}
	return m.st.Set(ctx, InvitationPath(recipient), data)
}

// ClearInvitation removes the invitation at identity's mailbox.
// Safe to call when no invitation exists.
func (m *Mailbox) ClearInvitation(ctx context.Context, identity string) error {
	return m.st.Delete(ctx, InvitationPath(identity))
}

// WatchInvitation delivers the decoded invitation at identity's mailbox:
// the current state immediately, then every change. A nil element means the
// mailbox is empty. Malformed payloads are dropped.
func (m *Mailbox) WatchInvitation(ctx context.Context, identity string) (<-chan *Invitation, func()) {
	updates, cancel := m.st.Watch(ctx, InvitationPath(identity))
	out := make(chan *Invitation, 8)
	go func() {
		defer close(out)
		for u := range updates {
			if u.Value == nil {
				out <- nil
				continue
			}
			inv, err := DecodeInvitation(u.Value)
			if err != nil {
				m.log.Warn("dropping malformed invitation", "identity", identity, "err", err)
				continue
			}
			out <- &inv
		}
	}()
	return out, cancel
}

// PublishDescription writes the session description slot for roomID.
// The slot is last-writer-wins; concurrent offer/offer is not disambiguated
// here (see DESIGN.md on glare).
func (m *Mailbox) PublishDescription(ctx context.Context, roomID string, d Description) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("signal: encode description: %w", err)
	}
	return m.st.Set(ctx, DescriptionPath(roomID), data)
}

// WatchDescription delivers the decoded description slot for roomID.
// nil means the slot is empty. Malformed payloads are dropped.
func (m *Mailbox) WatchDescription(ctx context.Context, roomID string) (<-chan *Description, func()) {
	updates, cancel := m.st.Watch(ctx, DescriptionPath(roomID))
	out := make(chan *Description, 8)
	go func() {
		defer close(out)
		for u := range updates {
			if u.Value == nil {
				out <- nil
				continue
			}
			d, err := DecodeDescription(u.Value)
			if err != nil {
				m.log.Warn("dropping malformed description", "room", roomID, "err", err)
				continue
			}
			out <- &d
		}
	}()
	return out, cancel
}

// PublishCandidate appends a locally discovered candidate under the
// publisher's own identity for roomID.
func (m *Mailbox) PublishCandidate(ctx context.Context, roomID, identity string, c Candidate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("signal: encode candidate: %w", err)
	}
	_, err = m.st.Push(ctx, CandidatesPath(roomID, identity), data)
	return err
}

// WatchCandidates delivers candidates published by identity for roomID,
// each exactly once, in append order. Malformed payloads are dropped.
func (m *Mailbox) WatchCandidates(ctx context.Context, roomID, identity string) (<-chan Candidate, func()) {
	children, cancel := m.st.WatchChildren(ctx, CandidatesPath(roomID, identity))
	out := make(chan Candidate, 32)
	go func() {
		defer close(out)
		for cu := range children {
			c, err := DecodeCandidate(cu.Value)
			if err != nil {
				m.log.Warn("dropping malformed candidate", "room", roomID, "from", identity, "err", err)
				continue
			}
			out <- c
		}
	}()
	return out, cancel
}

// ClearSession deletes the whole sessions/<roomId> subtree. This is the only
// garbage collection signaling state gets, so both participants call it on
// teardown; deleting an absent subtree is a no-op.
func (m *Mailbox) ClearSession(ctx context.Context, roomID string) error {
	return m.st.DeleteTree(ctx, SessionPath(roomID))
}
