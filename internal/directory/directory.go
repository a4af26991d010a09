// Package directory maps human-readable emails to routable identities and
// publishes per-identity presence.
//
// Everything here is advisory: read and watch failures degrade to safe
// defaults (unresolved / offline) instead of propagating, because neither
// resolution nor presence is safety-critical to an established call.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"peercall/internal/signal"
	"peercall/internal/store"
)

var (
	// ErrNotFound means the email has no directory mapping.
	ErrNotFound = errors.New("directory: email not mapped")
	// ErrEmailTaken means the email is already mapped to a different identity.
	// Mappings are write-once; an email is never remapped.
	ErrEmailTaken = errors.New("directory: email already mapped")
)

type Service struct {
	st  store.Store
	log *slog.Logger
}

func NewService(st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{st: st, log: log.With("component", "directory")}
}

// RegisterEmail records the email → identity mapping at signup time.
// First write wins; registering the same identity again is a no-op.
//
// The substrate has no transactions, so two racing signups for the same email
// are resolved by whoever the store orders last. Signup runs through a single
// API process in practice, which keeps this a non-issue.
func (s *Service) RegisterEmail(ctx context.Context, email, identity string) error {
	path := signal.DirectoryPath(email)
	cur, err := s.st.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("directory: register %s: %w", email, err)
	}
	if cur != nil {
		var existing string
		if json.Unmarshal(cur, &existing) == nil && existing == identity {
			return nil
		}
		return ErrEmailTaken
	}
	data, _ := json.Marshal(identity)
	return s.st.Set(ctx, path, data)
}

// ResolveOnce returns the identity mapped to email, or ErrNotFound.
func (s *Service) ResolveOnce(ctx context.Context, email string) (string, error) {
	v, err := s.st.Get(ctx, signal.DirectoryPath(email))
	if err != nil {
		s.log.Warn("resolve degraded to not-found", "email", email, "err", err)
		return "", ErrNotFound
	}
	identity := decodeIdentity(v)
	if identity == "" {
		return "", ErrNotFound
	}
	return identity, nil
}

// Resolve is the live variant of ResolveOnce: it emits the currently mapped
// identity ("" while unmapped) and keeps emitting on changes, so a subscriber
// that starts before the mapping exists still observes it.
func (s *Service) Resolve(ctx context.Context, email string) (<-chan string, func()) {
	updates, cancel := s.st.Watch(ctx, signal.DirectoryPath(email))
	out := make(chan string, 4)
	go func() {
		defer close(out)
		for u := range updates {
			out <- decodeIdentity(u.Value)
		}
	}()
	return out, cancel
}

// SetPresence publishes the online state for identity. Going online also
// registers the store-side rule that flips presence back off when this
// client's connection is lost, so presence self-heals after a crash without
// any peer involvement. Best-effort; there is no delivery acknowledgment.
func (s *Service) SetPresence(ctx context.Context, identity string, online bool) error {
	path := signal.PresencePath(identity)
	if online {
		s.st.OnDisconnect(path, []byte("false"))
	}
	data, _ := json.Marshal(online)
	if err := s.st.Set(ctx, path, data); err != nil {
		return fmt.Errorf("directory: set presence %s: %w", identity, err)
	}
	return nil
}

// WatchPresence emits identity's presence as a lazy infinite sequence.
// An absent or malformed record reads as offline.
func (s *Service) WatchPresence(ctx context.Context, identity string) (<-chan bool, func()) {
	updates, cancel := s.st.Watch(ctx, signal.PresencePath(identity))
	out := make(chan bool, 4)
	go func() {
		defer close(out)
		for u := range updates {
			var online bool
			if u.Value != nil {
				if err := json.Unmarshal(u.Value, &online); err != nil {
					online = false
				}
			}
			out <- online
		}
	}()
	return out, cancel
}

func decodeIdentity(v []byte) string {
	if v == nil {
		return ""
	}
	var identity string
	if err := json.Unmarshal(v, &identity); err != nil {
		return ""
	}
	return identity
}
