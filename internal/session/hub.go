package session

import (
	"context"
	"log/slog"
	"sync"

	"peercall/internal/directory"
	"peercall/internal/signal"
)

// Hub hands out one Engine per local identity. Engines are created lazily
// on first use and live until the hub closes.
type Hub struct {
	mb  *signal.Mailbox
	dir *directory.Service
	tf  TransportFactory
	log *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewHub(mb *signal.Mailbox, dir *directory.Service, tf TransportFactory, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		mb:      mb,
		dir:     dir,
		tf:      tf,
		log:     log,
		engines: make(map[string]*Engine),
	}
}

// Engine returns the engine owned by identity, creating it if needed.
func (h *Hub) Engine(identity string) *Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.engines[identity]; ok {
		return e
	}
	e := NewEngine(identity, h.mb, h.dir, h.tf, h.log)
	h.engines[identity] = e
	return e
}

// Close hangs up every session of every engine.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	engines := h.engines
	h.engines = make(map[string]*Engine)
	h.mu.Unlock()
	for _, e := range engines {
		e.Close(ctx)
	}
}
