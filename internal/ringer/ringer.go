// Package ringer watches a user's invitation mailbox and enforces the ring
// timeout that turns an unanswered invitation into a missed call.
package ringer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"peercall/internal/signal"
)

// DefaultRingTimeout is how long an invitation rings before it is
// auto-cancelled and reported as missed.
const DefaultRingTimeout = 30 * time.Second

// TimeoutState is the lifecycle of the ring timer.
type TimeoutState int

const (
	TimeoutIdle TimeoutState = iota
	TimeoutArmed
	TimeoutFired
	TimeoutCancelled
)

func (s TimeoutState) String() string {
	switch s {
	case TimeoutIdle:
		return "idle"
	case TimeoutArmed:
		return "armed"
	case TimeoutFired:
		return "fired"
	case TimeoutCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IncomingCall is one surfaced invitation.
type IncomingCall struct {
	RoomID string
	From   string
	Type   string
}

// Watcher subscribes to the invitation mailbox of one identity and surfaces
// each distinct invitation exactly once. An emptied mailbox produces no
// event: the caller keeps ringing until accept, reject or timeout. That the
// remote side can yank an invitation without the callee noticing is a known,
// deliberate gap inherited from the protocol.
type Watcher struct {
	mb   *signal.Mailbox
	self string
	log  *slog.Logger

	ringTimeout time.Duration

	mu          sync.Mutex
	timer       *time.Timer
	timeoutSt   TimeoutState
	cancelWatch func()
	stopped     bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRingTimeout overrides DefaultRingTimeout. Tests use millisecond values.
func WithRingTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.ringTimeout = d }
}

func NewWatcher(mb *signal.Mailbox, selfIdentity string, log *slog.Logger, opts ...Option) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		mb:          mb,
		self:        selfIdentity,
		log:         log.With("component", "ringer", "identity", selfIdentity),
		ringTimeout: DefaultRingTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to the mailbox and invokes onIncoming for each distinct
// invitation observed. It returns immediately; delivery happens on the
// watcher's own goroutine until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context, onIncoming func(IncomingCall)) {
	ch, cancel := w.mb.WatchInvitation(ctx, w.self)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		cancel()
		return
	}
	w.cancelWatch = cancel
	w.mu.Unlock()

	go func() {
		var last *signal.Invitation
		for inv := range ch {
			if inv == nil {
				// Mailbox emptied out from under us: deliberate no-op.
				last = nil
				continue
			}
			if last != nil && *last == *inv {
				continue
			}
			cp := *inv
			last = &cp
			w.log.Info("incoming call", "room", inv.RoomID, "from", inv.From, "type", inv.Type)
			onIncoming(IncomingCall{RoomID: inv.RoomID, From: inv.From, Type: inv.Type})
		}
	}()
}

// Arm starts (or restarts) the ring timer. When it fires, the watcher deletes
// the pending invitation, unsubscribes, and invokes onTimeout exactly once.
// Arming while already armed cancels the previous timer first: at most one
// timer is ever live.
func (w *Watcher) Arm(onTimeout func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timeoutSt = TimeoutArmed
	w.timer = time.AfterFunc(w.ringTimeout, func() {
		w.mu.Lock()
		if w.timeoutSt != TimeoutArmed {
			w.mu.Unlock()
			return
		}
		w.timeoutSt = TimeoutFired
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.mb.ClearInvitation(ctx, w.self); err != nil {
			w.log.Warn("clearing timed-out invitation failed", "err", err)
		}
		w.Stop()
		w.log.Info("ring timeout fired")
		onTimeout()
	})
}

// CancelTimeout disarms the ring timer. Called on accept and reject, strictly
// before the timer fires; after firing it has no effect.
func (w *Watcher) CancelTimeout() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeoutSt != TimeoutArmed {
		return
	}
	w.timeoutSt = TimeoutCancelled
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// TimeoutState reports the ring timer's lifecycle state.
func (w *Watcher) TimeoutState() TimeoutState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeoutSt
}

// Stop unsubscribes from the mailbox and disarms any pending timer.
// Idempotent; the watcher owns its timer, so stopping the watcher can never
// leak one.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.timeoutSt == TimeoutArmed {
		w.timeoutSt = TimeoutCancelled
	}
	cancel := w.cancelWatch
	w.cancelWatch = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
