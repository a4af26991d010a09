package session

import "errors"

var (
	// ErrNotAuthenticated means the local identity is unknown; no call can be
	// attributed to a caller.
	ErrNotAuthenticated = errors.New("session: local identity unknown")

	// ErrResolution means the callee email has no directory mapping.
	ErrResolution = errors.New("session: callee email not mapped")

	// ErrRoomAllocation means a fresh room id could not be generated.
	ErrRoomAllocation = errors.New("session: room id allocation failed")

	// ErrPublish is a transient store write failure. It is surfaced to the
	// caller and not retried automatically.
	ErrPublish = errors.New("session: signaling publish failed")

	// ErrNegotiation wraps failures applying or producing session
	// descriptions. Malformed remote messages are dropped rather than
	// surfaced; this error marks local negotiation failures.
	ErrNegotiation = errors.New("session: negotiation failed")
)
