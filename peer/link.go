package peer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-hybrid/hybrid"
	m "github.com/Meander-Cloud/go-hybrid/message"
	"github.com/Meander-Cloud/go-hybrid/metrics"
	tp "github.com/Meander-Cloud/go-hybrid/net/tcp/protocol"
)

// Link is one remote endpoint, either dialed by this peer or accepted by it.
type Link struct {
	engine    *Engine
	id        uint32
	outbound  bool
	address   string
	createdAt time.Time

	writer tp.Writer
	client *tp.Client // outbound only
	hail   []byte     // inbound only, as received on LinkInit

	connState  atomic.Pointer[tp.ConnState]
	status     atomic.Uint32
	peer       atomic.Pointer[m.Participant]
	exitReason atomic.Pointer[string]
}

func newLink(e *Engine, id uint32, outbound bool, address string) *Link {
	l := &Link{
		engine:    e,
		id:        id,
		outbound:  outbound,
		address:   address,
		createdAt: time.Now().UTC(),
	}
	l.status.Store(uint32(hybrid.StatusDisconnected))
	return l
}

func (l *Link) ID() uint32 {
	return l.id
}

func (l *Link) RemoteAddress() string {
	return l.address
}

func (l *Link) Outbound() bool {
	return l.outbound
}

func (l *Link) Hail() []byte {
	return l.hail
}

// Peer is nil until the handshake completes.
func (l *Link) Peer() *m.Participant {
	return l.peer.Load()
}

func (l *Link) Status() hybrid.Status {
	return hybrid.Status(l.status.Load())
}

func (l *Link) String() string {
	return fmt.Sprintf("[%d]%s(%s)", l.id, l.address, l.Status())
}

func (l *Link) setStatus(status hybrid.Status, reason string) {
	old := hybrid.Status(l.status.Swap(uint32(status)))
	if old == status {
		return
	}
	l.engine.LogVerbose("%s: %s -> %s, reason=%s", l, old, status, reason)
	l.engine.notifyStatus(l, status, reason)
}

func (l *Link) setExitReason(reason string) {
	l.exitReason.Store(&reason)
}

func (l *Link) exitReasonOr(fallback string) string {
	reason := l.exitReason.Load()
	if reason == nil {
		return fallback
	}
	return *reason
}

// Disconnect sends LinkExit with reason and closes. A link still connecting
// has its handshake aborted instead.
func (l *Link) Disconnect(reason string) {
	if l.status.CompareAndSwap(uint32(hybrid.StatusConnected), uint32(hybrid.StatusDisconnecting)) {
		l.setExitReason(reason)
		l.engine.notifyStatus(l, hybrid.StatusDisconnecting, reason)

		cs := l.connState.Load()
		l.writer.ExitAsync(
			cs,
			&m.LinkExit{
				Reason:     reason,
				InShutdown: l.engine.inShutdown.Load(),
			},
		)
		return
	}

	if l.outbound && l.Status() == hybrid.StatusConnecting {
		h := l.engine.handshakeForClient(l.client)
		if h != nil {
			l.engine.abortHandshake(h, reason)
			return
		}
	}

	l.engine.LogWarning("Disconnect: %s not connected, reason=%s", l, reason)
}

// SendMessage queues msg and takes ownership of it once sent. A msg that
// could not be sent stays with the caller.
func (l *Link) SendMessage(msg *m.Outgoing, method m.DeliveryMethod, channel uint8) hybrid.SendResult {
	result := l.send(msg, method, channel)
	if msg.IsSent() {
		l.engine.Recycle(msg)
	}
	return result
}

// encodes on the calling goroutine so msg can be recycled right after
func (l *Link) send(msg *m.Outgoing, method m.DeliveryMethod, channel uint8) hybrid.SendResult {
	if l.Status() != hybrid.StatusConnected {
		return hybrid.SendResultFailedNotConnected
	}

	cs := l.connState.Load()
	if cs == nil {
		return hybrid.SendResultFailedNotConnected
	}

	frame, err := l.writer.Encode(
		cs,
		&m.Message{
			Payload: &m.Payload{
				Method:  method,
				Channel: channel,
				Data:    msg.Data,
			},
		},
	)
	if err != nil {
		metrics.MessagesDroppedTotal.Inc()
		return hybrid.SendResultDropped
	}
	msg.MarkSent()

	err = l.writer.WriteAsync(cs, frame)
	if err != nil {
		metrics.MessagesDroppedTotal.Inc()
		return hybrid.SendResultDropped
	}

	metrics.MessagesSentTotal.WithLabelValues(method.String()).Inc()
	return hybrid.SendResultQueued
}
