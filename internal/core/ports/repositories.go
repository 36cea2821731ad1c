package ports

import (
	"telesignal/internal/core/domain"
)

// Peer is one live signaling connection as seen by the registry and router.
// Send must not block: it either queues the message or fails.
type Peer interface {
	ID() domain.ConnectionID
	Send(message []byte) error
	Close() error
}

type ConnectionRegistry interface {
	Add(peer Peer) error
	Remove(id domain.ConnectionID) bool
	Snapshot() []Peer
	Count() int
}
