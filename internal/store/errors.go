package store

import "errors"

// ErrClosed is returned by writes against a store client that has already
// been closed. Reads and watches degrade instead: Get reports absent and
// watch channels are closed.
var ErrClosed = errors.New("store: client closed")
