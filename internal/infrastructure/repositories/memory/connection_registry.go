package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"
)

// ConnectionRegistry keeps the live signaling connections in accept order.
// Writers are serialized by mu and publish a fresh slice on every change, so a
// snapshot handed to a reader is never mutated afterwards.
type ConnectionRegistry struct {
	mu    sync.Mutex
	index map[domain.ConnectionID]struct{}
	peers atomic.Pointer[[]ports.Peer]
}

var _ ports.ConnectionRegistry = (*ConnectionRegistry)(nil)

func NewConnectionRegistry() *ConnectionRegistry {
	r := &ConnectionRegistry{
		index: make(map[domain.ConnectionID]struct{}),
	}
	empty := make([]ports.Peer, 0)
	r.peers.Store(&empty)
	return r
}

func (r *ConnectionRegistry) Add(peer ports.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := peer.ID()
	if _, exists := r.index[id]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateConnection, id)
	}

	current := *r.peers.Load()
	next := make([]ports.Peer, len(current), len(current)+1)
	copy(next, current)
	next = append(next, peer)

	r.index[id] = struct{}{}
	r.peers.Store(&next)
	return nil
}

// Remove reports whether id was registered. Removing an absent id is a no-op.
func (r *ConnectionRegistry) Remove(id domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[id]; !exists {
		return false
	}

	current := *r.peers.Load()
	next := make([]ports.Peer, 0, len(current)-1)
	for _, p := range current {
		if p.ID() != id {
			next = append(next, p)
		}
	}

	delete(r.index, id)
	r.peers.Store(&next)
	return true
}

func (r *ConnectionRegistry) Snapshot() []ports.Peer {
	return *r.peers.Load()
}

func (r *ConnectionRegistry) Count() int {
	return len(*r.peers.Load())
}
