package store

import "context"

// Store is a path-keyed value store with live watches. It is the signaling
// substrate for the whole platform: directory mappings, presence records,
// call invitations and per-room negotiation state all live under slash-separated
// paths (see internal/signal for the path schema).
//
// Delivery semantics are deliberately weak: at-least-once per path, ordered
// within one watch, no ordering across independent paths. Consumers must
// tolerate that; the negotiation protocol does.

type Store interface {
	// Get returns the value at path, or (nil, nil) when the path is absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// Set writes value at path, replacing any previous value (last writer wins).
	Set(ctx context.Context, path string, value []byte) error

	// Delete removes the value at path. Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error

	// DeleteTree removes path and everything beneath it. No-op on an absent subtree.
	DeleteTree(ctx context.Context, path string) error

	// Push appends a child under path with a generated, time-ordered key and
	// returns that key. Pushed children are append-only; they are removed only
	// by DeleteTree on an ancestor.
	Push(ctx context.Context, path string, value []byte) (string, error)

	// Watch delivers the current value-or-absent at path immediately, then every
	// subsequent change, until the returned cancel func is called or ctx ends.
	// Identical consecutive states are collapsed into one delivery.
	Watch(ctx context.Context, path string) (<-chan Update, func())

	// WatchChildren replays the children already pushed under path in append
	// order, then delivers each later push exactly once.
	WatchChildren(ctx context.Context, path string) (<-chan ChildUpdate, func())

	// OnDisconnect registers a write that the store applies on behalf of this
	// client when its connection is lost or Close is called. A nil value means
	// delete. Registering again for the same path replaces the previous rule.
	OnDisconnect(path string, value []byte)

	// Close revokes all watches and applies registered disconnect writes.
	Close() error
}

// Update is one observed state of a watched path.
// Value is nil when the path is absent.
type Update struct {
	Path  string
	Value []byte
}

// ChildUpdate is one child observed under a watched parent path.
type ChildUpdate struct {
	Parent string
	Key    string
	Value  []byte
}
