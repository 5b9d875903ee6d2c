package core

import "github.com/harborchat/harbor/internal/domain"

// Frame is a raw signaling payload.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ConnectionDirectory resolves a connection id to its live transport.
// A missing entry means the connection has already gone away, which the
// caller treats as a benign race.
type ConnectionDirectory interface {
	Lookup(domain.ConnectionID) (SignalConnection, bool)
}
