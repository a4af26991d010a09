package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peercall/internal/media"
	"peercall/internal/signal"
)

// State is the call session lifecycle. Ended is terminal and reachable from
// every state via the failure edge.
type State int

const (
	StateIdle State = iota
	StateCreated
	StateNegotiating
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role distinguishes the two negotiation paths.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Session is one call attempt bound to one room id. It drives the
// offer/answer/candidate exchange against a media.Transport and owns the
// race-free teardown of both local resources and shared signaling state.
type Session struct {
	RoomID   string
	Peer     string // remote identity
	CallType string

	role      Role
	self      string
	mb        *signal.Mailbox
	transport media.Transport
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	cancels     []func()
	onError     func(error)
	onConnected func()

	endOnce sync.Once
}

func newSession(mb *signal.Mailbox, transport media.Transport, log *slog.Logger, role Role, roomID, self, peer, callType string) *Session {
	return &Session{
		RoomID:    roomID,
		Peer:      peer,
		CallType:  callType,
		role:      role,
		self:      self,
		mb:        mb,
		transport: transport,
		log:       log.With("room", roomID, "peer", peer),
		state:     StateCreated,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnError registers the sink for asynchronous session failures. Each failure
// forces the session to Ended; call attempts fail in isolation.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// OnConnected registers the sink invoked when the transport reports the call
// as live.
func (s *Session) OnConnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// negotiate wires the transport to the signaling mailbox and runs the
// role-appropriate half of the offer/answer exchange. Candidates flow both
// ways for either role.
func (s *Session) negotiate(ctx context.Context) error {
	s.setState(StateNegotiating)

	// ctx bounds only the synchronous setup below. Candidates and the
	// responder's answer are published after the caller has moved on, and a
	// networked store aborts writes on a dead context, so the watches and
	// every asynchronous publish run on a context that lives until teardown
	// cancels it.
	lifetime, cancelLifetime := context.WithCancel(context.WithoutCancel(ctx))
	s.addCancel(cancelLifetime)

	s.transport.OnConnectionState(func(st media.ConnectionState) {
		if st == media.StateConnected {
			s.setState(StateConnected)
			s.mu.Lock()
			fn := s.onConnected
			s.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	// Every locally discovered candidate is published under our own identity.
	// Publish failures here are logged, not fatal: negotiation can succeed on
	// the candidates that do get through.
	s.transport.OnCandidate(func(c signal.Candidate) {
		if err := s.mb.PublishCandidate(lifetime, s.RoomID, s.self, c); err != nil {
			s.log.Warn("candidate publish failed", "err", err)
		}
	})

	// Consume the peer's candidates, applying each exactly once in arrival
	// order. Arrival relative to the remote description is unconstrained;
	// the transport tolerates late application.
	cands, cancelCands := s.mb.WatchCandidates(lifetime, s.RoomID, s.Peer)
	s.addCancel(cancelCands)
	go func() {
		for c := range cands {
			if err := s.transport.AddCandidate(c); err != nil {
				s.log.Warn("dropping unusable remote candidate", "err", err)
			}
		}
	}()

	descs, cancelDescs := s.mb.WatchDescription(lifetime, s.RoomID)
	s.addCancel(cancelDescs)
	go s.consumeDescriptions(lifetime, descs)

	if s.role == RoleInitiator {
		offer, err := s.transport.CreateOffer(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrNegotiation, err)
			s.fail(err)
			return err
		}
		if err := s.mb.PublishDescription(ctx, s.RoomID, offer); err != nil {
			err = fmt.Errorf("%w: offer: %v", ErrPublish, err)
			s.fail(err)
			return err
		}
	}
	return nil
}

// consumeDescriptions applies remote descriptions from the shared slot.
// The slot is last-writer-wins and also carries our own publishes back to
// us, so each role applies only the type the peer produces. A failing remote
// description is dropped, never fatal.
func (s *Session) consumeDescriptions(ctx context.Context, descs <-chan *signal.Description) {
	for d := range descs {
		if d == nil {
			continue
		}
		switch {
		case s.role == RoleInitiator && d.Type == signal.DescriptionAnswer:
			if err := s.transport.SetRemoteDescription(ctx, *d); err != nil {
				s.log.Warn("dropping unusable remote answer", "err", err)
			}
		case s.role == RoleResponder && d.Type == signal.DescriptionOffer:
			if err := s.transport.SetRemoteDescription(ctx, *d); err != nil {
				s.log.Warn("dropping unusable remote offer", "err", err)
				continue
			}
			answer, err := s.transport.CreateAnswer(ctx)
			if err != nil {
				s.fail(fmt.Errorf("%w: answer: %v", ErrNegotiation, err))
				return
			}
			if err := s.mb.PublishDescription(ctx, s.RoomID, answer); err != nil {
				s.fail(fmt.Errorf("%w: answer: %v", ErrPublish, err))
				return
			}
		}
	}
}

// Hangup tears the session down. Teardown is unilateral: no "ended" message
// is published; each side independently deletes the shared session subtree
// and its own invitation mailbox entry. The initiator additionally clears
// the invitation it published at the peer's mailbox, so a cancelled ring
// does not keep ringing. Safe to call any number of times.
func (s *Session) Hangup(ctx context.Context) {
	s.endOnce.Do(func() {
		s.setState(StateEnded)

		// Fixed-order release. Every step runs regardless of earlier
		// failures; a fault in step k must never leak the resources of
		// step k+1.
		steps := []struct {
			name string
			fn   func() error
		}{
			{"cancel subscriptions", func() error {
				s.mu.Lock()
				cancels := s.cancels
				s.cancels = nil
				s.mu.Unlock()
				for _, c := range cancels {
					c()
				}
				return nil
			}},
			{"close transport", s.transport.Close},
			{"clear session subtree", func() error { return s.mb.ClearSession(ctx, s.RoomID) }},
			{"clear own invitation", func() error { return s.mb.ClearInvitation(ctx, s.self) }},
		}
		if s.role == RoleInitiator {
			steps = append(steps, struct {
				name string
				fn   func() error
			}{"clear peer invitation", func() error { return s.mb.ClearInvitation(ctx, s.Peer) }})
		}

		for _, step := range steps {
			if err := guard(step.fn); err != nil {
				s.log.Warn("teardown step failed", "step", step.name, "err", err)
			}
		}
		s.log.Info("session ended")
	})
}

// fail reports err to the error sink and forces teardown.
func (s *Session) fail(err error) {
	s.log.Error("session failed", "err", err)
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Hangup(ctx)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	s.state = st
}

func (s *Session) addCancel(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, fn)
}

// guard converts a panicking teardown step into an error so the remaining
// steps still run.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
