// Package session is the authoritative call-lifecycle controller: it creates
// call instances, drives outbound and inbound negotiation over the signaling
// mailbox, and sequences teardown so that cleanup is race-free and
// idempotent.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"peercall/internal/directory"
	"peercall/internal/media"
	"peercall/internal/ringer"
	"peercall/internal/signal"
)

// TransportFactory builds a fresh media transport for one call attempt.
// callType is signal.CallTypeAudio or signal.CallTypeVideo.
type TransportFactory func(callType string) (media.Transport, error)

// Engine owns the active sessions of one local identity.
type Engine struct {
	self         string
	mb           *signal.Mailbox
	dir          *directory.Service
	newTransport TransportFactory
	log          *slog.Logger

	// newRoomID is injectable so allocation failure is testable.
	newRoomID func() (string, error)

	mu       sync.Mutex
	sessions map[string]*Session
	issued   map[string]bool // room ids handed out in this run; never reused
}

func NewEngine(selfIdentity string, mb *signal.Mailbox, dir *directory.Service, tf TransportFactory, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		self:         selfIdentity,
		mb:           mb,
		dir:          dir,
		newTransport: tf,
		log:          log.With("component", "session", "identity", selfIdentity),
		newRoomID: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
		sessions: make(map[string]*Session),
		issued:   make(map[string]bool),
	}
}

// StartCall resolves calleeEmail, allocates a fresh room, publishes exactly
// one invitation at the callee's mailbox and begins initiator-side
// negotiation. Any failure short-circuits with no invitation left behind.
func (e *Engine) StartCall(ctx context.Context, calleeEmail, callType string) (*Session, error) {
	if e.self == "" {
		return nil, ErrNotAuthenticated
	}
	if callType != signal.CallTypeVideo {
		callType = signal.CallTypeAudio
	}

	calleeID, err := e.dir.ResolveOnce(ctx, calleeEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResolution, calleeEmail)
	}

	roomID, err := e.allocateRoom()
	if err != nil {
		return nil, err
	}

	if err := e.mb.SendInvitation(ctx, calleeID, signal.Invitation{
		RoomID: roomID,
		From:   e.self,
		Type:   callType,
	}); err != nil {
		return nil, fmt.Errorf("%w: invitation: %v", ErrPublish, err)
	}

	sess, err := e.openSession(ctx, RoleInitiator, roomID, calleeID, callType)
	if err != nil {
		// The invitation is already out; withdraw it so the callee does not
		// ring for a call that can never be negotiated.
		if cerr := e.mb.ClearInvitation(ctx, calleeID); cerr != nil {
			e.log.Warn("withdrawing dead invitation failed", "room", roomID, "err", cerr)
		}
		return nil, err
	}
	e.log.Info("call started", "room", roomID, "callee", calleeID, "type", callType)
	return sess, nil
}

// Accept answers an incoming invitation: it creates the responder-side
// session for the invitation's room and starts negotiation. The callee's
// own invitation mailbox entry is cleared, ending the ring.
func (e *Engine) Accept(ctx context.Context, inv ringer.IncomingCall) (*Session, error) {
	if e.self == "" {
		return nil, ErrNotAuthenticated
	}
	if err := e.mb.ClearInvitation(ctx, e.self); err != nil {
		e.log.Warn("clearing accepted invitation failed", "room", inv.RoomID, "err", err)
	}
	sess, err := e.openSession(ctx, RoleResponder, inv.RoomID, inv.From, inv.Type)
	if err != nil {
		return nil, err
	}
	e.log.Info("call accepted", "room", inv.RoomID, "caller", inv.From)
	return sess, nil
}

// Reject declines an incoming invitation by deleting it. No session is
// created and nothing is signaled beyond the deletion; the caller observes
// the ring ending when it tears its side down.
func (e *Engine) Reject(ctx context.Context, inv ringer.IncomingCall) error {
	e.log.Info("call rejected", "room", inv.RoomID, "caller", inv.From)
	return e.mb.ClearInvitation(ctx, e.self)
}

// Get returns the active session for roomID, if any.
func (e *Engine) Get(roomID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[roomID]
	return s, ok
}

// Hangup ends the session for roomID if it is active. Unknown rooms are a
// no-op: teardown must be safely repeatable.
func (e *Engine) Hangup(ctx context.Context, roomID string) {
	e.mu.Lock()
	s, ok := e.sessions[roomID]
	delete(e.sessions, roomID)
	e.mu.Unlock()
	if ok {
		s.Hangup(ctx)
	}
}

// Close hangs up every active session.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()
	for _, s := range sessions {
		s.Hangup(ctx)
	}
}

func (e *Engine) allocateRoom() (string, error) {
	roomID, err := e.newRoomID()
	if err != nil || roomID == "" {
		return "", fmt.Errorf("%w: %v", ErrRoomAllocation, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.issued[roomID] {
		return "", fmt.Errorf("%w: duplicate room id %s", ErrRoomAllocation, roomID)
	}
	e.issued[roomID] = true
	return roomID, nil
}

func (e *Engine) openSession(ctx context.Context, role Role, roomID, peer, callType string) (*Session, error) {
	transport, err := e.newTransport(callType)
	if err != nil {
		return nil, fmt.Errorf("%w: transport: %v", ErrNegotiation, err)
	}
	sess := newSession(e.mb, transport, e.log, role, roomID, e.self, peer, callType)

	e.mu.Lock()
	e.sessions[roomID] = sess
	e.mu.Unlock()

	if err := sess.negotiate(ctx); err != nil {
		e.mu.Lock()
		delete(e.sessions, roomID)
		e.mu.Unlock()
		return nil, err
	}
	return sess, nil
}
