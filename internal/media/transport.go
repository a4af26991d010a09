// Package media defines the capability surface the call engine negotiates
// against, plus a Pion-backed implementation. The engine never touches
// packetization, encoding or NAT traversal; it only feeds session parameters
// in and out of a Transport.
package media

import (
	"context"

	"peercall/internal/signal"
)

// ConnectionState mirrors the transport's connection lifecycle. Connected is
// how the engine infers a call went live; no "connected" message exists on
// the signaling wire.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteTrack describes a media track the remote side added.
type RemoteTrack struct {
	ID   string
	Kind string // "audio" or "video"
}

// Transport is one call attempt's negotiation target. Implementations own
// local capture and the peer connection; the engine owns when each method is
// called. Callback registration must happen before negotiation starts.
type Transport interface {
	// CreateOffer produces the local offer description and installs it locally.
	CreateOffer(ctx context.Context) (signal.Description, error)
	// CreateAnswer produces the local answer to a previously applied remote
	// offer and installs it locally.
	CreateAnswer(ctx context.Context) (signal.Description, error)
	// SetRemoteDescription applies the peer's description.
	SetRemoteDescription(ctx context.Context, d signal.Description) error
	// AddCandidate applies one remote connectivity candidate. Safe to call
	// after the remote description is set; late candidates are tolerated.
	AddCandidate(c signal.Candidate) error

	// OnCandidate registers the sink for locally discovered candidates.
	OnCandidate(fn func(signal.Candidate))
	// OnConnectionState registers the sink for connection-state changes.
	OnConnectionState(fn func(ConnectionState))
	// OnRemoteTrack registers the sink for remote media tracks.
	OnRemoteTrack(fn func(RemoteTrack))

	// Close releases the transport's resources. Idempotent.
	Close() error
}
