package hybrid

import (
	m "github.com/Meander-Cloud/go-hybrid/message"
)

// Connection is an established (or establishing) link owned by the engine.
type Connection interface {
	RemoteAddress() string
	Status() Status
	Disconnect(reason string)
	SendMessage(msg *m.Outgoing, method m.DeliveryMethod, channel uint8) SendResult
}

// Handshake is an unresolved connection negotiation owned by the engine.
type Handshake interface {
	RemoteAddress() string
	Outbound() bool
	Abort(reason string)
}

// ConnectionSet is the engine's connection collection as seen under its lock.
// Outbound is the single link this endpoint dialed, nil when there is none.
type ConnectionSet struct {
	Outbound Connection
	Inbound  []Connection
}

func (s ConnectionSet) Len() int {
	n := len(s.Inbound)
	if s.Outbound != nil {
		n++
	}
	return n
}

// All returns a copy with the outbound link first, then inbound links in accept order.
func (s ConnectionSet) All() []Connection {
	all := make([]Connection, 0, s.Len())
	if s.Outbound != nil {
		all = append(all, s.Outbound)
	}
	all = append(all, s.Inbound...)
	return all
}

// Engine is the peer engine the Coordinator drives.
//
// WithConnections and WithHandshakes invoke f while holding the same mutex the
// engine takes to mutate that collection. f must not call back into the engine.
type Engine interface {
	WithConnections(f func(ConnectionSet))
	WithHandshakes(f func([]Handshake))

	// Connections returns a snapshot taken under the connection lock.
	Connections() []Connection
	// ConnectionCount may be read without the connection lock and can be stale.
	ConnectionCount() int

	// Connect starts an outbound handshake, returning nil when the engine refuses.
	Connect(address string, hail []byte) Connection
	SendToMany(msg *m.Outgoing, recipients []Connection, method m.DeliveryMethod, channel uint8)
	Recycle(msg *m.Outgoing)

	LogWarning(format string, args ...any)
	LogVerbose(format string, args ...any)
}
