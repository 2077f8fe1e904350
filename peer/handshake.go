package peer

import (
	"sync/atomic"
	"time"

	tp "github.com/Meander-Cloud/go-hybrid/net/tcp/protocol"
)

// Handshake is a connection negotiation that has not yet produced a Link.
type Handshake struct {
	engine    *Engine
	outbound  bool
	address   string
	createdAt time.Time

	// outbound only
	link   *Link
	client *tp.Client

	// inbound only
	server *tp.Server

	// socket once opened
	connState atomic.Pointer[tp.ConnState]

	// guarded by engine hsMutex
	timer *time.Timer
}

func newHandshake(e *Engine, outbound bool, address string) *Handshake {
	return &Handshake{
		engine:    e,
		outbound:  outbound,
		address:   address,
		createdAt: time.Now().UTC(),
	}
}

func (h *Handshake) RemoteAddress() string {
	return h.address
}

func (h *Handshake) Outbound() bool {
	return h.outbound
}

func (h *Handshake) Age() time.Duration {
	return time.Since(h.createdAt)
}

func (h *Handshake) Abort(reason string) {
	h.engine.abortHandshake(h, reason)
}
