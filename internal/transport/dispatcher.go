package transport

import (
	"log/slog"
	"sync"

	"quorumkv/internal/domain"
	"quorumkv/internal/message"
)

// Dispatcher hands each inbound message to the component that owns its
// kind.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[message.Kind]domain.Handler

	log *slog.Logger
}

func NewDispatcher(nodeID uint64) *Dispatcher {
	return &Dispatcher{
		routes: make(map[message.Kind]domain.Handler),
		log:    slog.With("component", "dispatcher", "node_id", nodeID),
	}
}

// Route registers h for kinds, replacing any earlier registration.
func (d *Dispatcher) Route(h domain.Handler, kinds ...message.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range kinds {
		d.routes[k] = h
	}
}

func (d *Dispatcher) Handle(msg message.Message) {
	d.mu.RLock()
	h, ok := d.routes[msg.Kind]
	d.mu.RUnlock()

	if !ok {
		d.log.Warn("no handler for message", "kind", msg.Kind, "from", msg.From)
		return
	}
	h.Handle(msg)
}
