package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// watchBuffer bounds per-watch channel capacity. Signaling traffic per path is
// tiny (one invitation, one description, tens of candidates); a consumer that
// falls this far behind has already lost the call.
const watchBuffer = 64

// MemoryStore is an in-process Store. It backs tests and single-node
// deployments; RedisStore is the multi-node implementation.
type MemoryStore struct {
	mu sync.Mutex

	values   map[string][]byte
	children map[string][]string // parent path -> pushed child keys, append order

	watchers      map[string][]chan Update
	childWatchers map[string][]chan ChildUpdate

	disconnects map[string][]byte // path -> value written on Close (nil = delete)

	pushSeq uint64
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:        make(map[string][]byte),
		children:      make(map[string][]string),
		watchers:      make(map[string][]chan Update),
		childWatchers: make(map[string][]chan ChildUpdate),
		disconnects:   make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[path]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, path string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if prev, ok := s.values[path]; ok && bytes.Equal(prev, value) {
		return nil
	}
	s.values[path] = value
	s.notifyLocked(path, value)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.deleteLocked(path)
	return nil
}

func (s *MemoryStore) DeleteTree(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prefix := path + "/"
	// Collect first: deleteLocked mutates the maps we range over.
	doomed := []string{}
	if _, ok := s.values[path]; ok {
		doomed = append(doomed, path)
	}
	for p := range s.values {
		if strings.HasPrefix(p, prefix) {
			doomed = append(doomed, p)
		}
	}
	sort.Strings(doomed)
	for _, p := range doomed {
		s.deleteLocked(p)
	}
	for p := range s.children {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.children, p)
		}
	}
	return nil
}

func (s *MemoryStore) Push(_ context.Context, path string, value []byte) (string, error) {
	if value == nil {
		value = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.pushSeq++
	key := fmt.Sprintf("%016x", s.pushSeq)
	s.values[path+"/"+key] = value
	s.children[path] = append(s.children[path], key)
	for _, ch := range s.childWatchers[path] {
		send(ch, ChildUpdate{Parent: path, Key: key, Value: value})
	}
	return key, nil
}

func (s *MemoryStore) Watch(_ context.Context, path string) (<-chan Update, func()) {
	ch := make(chan Update, watchBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.watchers[path] = append(s.watchers[path], ch)
	// Current state first, inside the lock so no write can slip in between.
	ch <- Update{Path: path, Value: s.values[path]}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers[path] = removeChan(s.watchers[path], ch)
	}
}

func (s *MemoryStore) WatchChildren(_ context.Context, path string) (<-chan ChildUpdate, func()) {
	ch := make(chan ChildUpdate, watchBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.childWatchers[path] = append(s.childWatchers[path], ch)
	for _, key := range s.children[path] {
		ch <- ChildUpdate{Parent: path, Key: key, Value: s.values[path+"/"+key]}
	}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.childWatchers[path] = removeChan(s.childWatchers[path], ch)
	}
}

func (s *MemoryStore) OnDisconnect(path string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects[path] = value
}

// Close applies disconnect rules, then closes every watch channel.
// It models the owning client going away, gracefully or not.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	paths := make([]string, 0, len(s.disconnects))
	for p := range s.disconnects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if v := s.disconnects[p]; v == nil {
			s.deleteLocked(p)
		} else {
			s.values[p] = v
			s.notifyLocked(p, v)
		}
	}
	s.closed = true
	for _, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, chans := range s.childWatchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.watchers = map[string][]chan Update{}
	s.childWatchers = map[string][]chan ChildUpdate{}
	return nil
}

func (s *MemoryStore) deleteLocked(path string) {
	if _, ok := s.values[path]; !ok {
		return
	}
	delete(s.values, path)
	s.notifyLocked(path, nil)
}

func (s *MemoryStore) notifyLocked(path string, value []byte) {
	for _, ch := range s.watchers[path] {
		send(ch, Update{Path: path, Value: value})
	}
}

func send[T any](ch chan T, u T) {
	select {
	case ch <- u:
	default:
		// Watch buffer overrun; the consumer is hopelessly behind.
	}
}

func removeChan[T any](chans []chan T, target chan T) []chan T {
	for i, c := range chans {
		if c == target {
			close(c)
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}
