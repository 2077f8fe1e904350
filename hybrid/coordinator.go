package hybrid

import (
	"fmt"
	"sync"

	m "github.com/Meander-Cloud/go-hybrid/message"
	"github.com/Meander-Cloud/go-hybrid/metrics"
)

// Coordinator is a peer that accepts many inbound links while holding at most
// one outbound link of its own, the server link.
//
// It keeps no state besides a connect mutex; everything is derived from the
// engine's connection and handshake collections.
type Coordinator struct {
	engine Engine

	// serializes Connect so two callers cannot both observe an idle engine
	connectMutex sync.Mutex
}

func NewCoordinator(engine Engine) *Coordinator {
	return &Coordinator{
		engine:       engine,
		connectMutex: sync.Mutex{},
	}
}

// ServerLink returns the outbound link, or nil when not connected. A link
// removed concurrently with this read is reported as nil.
func (c *Coordinator) ServerLink() Connection {
	var link Connection
	c.engine.WithConnections(
		func(set ConnectionSet) {
			link = set.Outbound
		},
	)
	return link
}

func (c *Coordinator) LinkStatus() Status {
	link := c.ServerLink()
	if link == nil {
		return StatusDisconnected
	}
	return link.Status()
}

// Connect dials address with hail as the handshake payload. It returns nil
// without side effects when any link exists or any handshake is in progress;
// the caller keeps ownership of hail in that case.
func (c *Coordinator) Connect(address string, hail []byte) Connection {
	c.connectMutex.Lock()
	defer c.connectMutex.Unlock()

	connected := false
	c.engine.WithConnections(
		func(set ConnectionSet) {
			connected = set.Len() > 0
		},
	)
	if connected {
		c.engine.LogWarning("Connect: already connected, must disconnect before connecting to %s", address)
		metrics.ConnectRejectedTotal.WithLabelValues("connected").Inc()
		return nil
	}

	connecting := false
	c.engine.WithHandshakes(
		func(handshakes []Handshake) {
			connecting = len(handshakes) > 0
		},
	)
	if connecting {
		c.engine.LogWarning("Connect: handshake already in progress, cannot connect to %s", address)
		metrics.ConnectRejectedTotal.WithLabelValues("connecting").Inc()
		return nil
	}

	return c.engine.Connect(address, hail)
}

// Disconnect tears down the server link if there is one, otherwise aborts any
// outbound handshake. With neither it only logs.
func (c *Coordinator) Disconnect(reason string) {
	link := c.ServerLink()
	if link != nil {
		link.Disconnect(reason)
		return
	}

	// copy under the lock, abort outside it since Abort mutates the set
	var pending []Handshake
	c.engine.WithHandshakes(
		func(handshakes []Handshake) {
			for _, handshake := range handshakes {
				if handshake.Outbound() {
					pending = append(pending, handshake)
				}
			}
		},
	)
	if len(pending) > 0 {
		for _, handshake := range pending {
			handshake.Abort(reason)
		}
		return
	}

	c.engine.LogWarning("Disconnect: not connected, reason=%s", reason)
	metrics.NotConnectedTotal.WithLabelValues("disconnect").Inc()
}

// BroadcastAll sends msg on channel 0 to every link. With no links an unsent
// msg is returned to the pool.
func (c *Coordinator) BroadcastAll(msg *m.Outgoing, method m.DeliveryMethod) {
	conns := c.engine.Connections()
	if len(conns) == 0 {
		c.reclaimUnsent(msg, "broadcast_all")
		return
	}

	c.engine.SendToMany(msg, conns, method, 0)
}

// BroadcastAllExcept sends msg to every link but excluded, nil excluding none.
//
// When excluded is the only link, msg is sent to nobody and is NOT returned to
// the pool; the caller still owns it.
func (c *Coordinator) BroadcastAllExcept(msg *m.Outgoing, method m.DeliveryMethod, channel uint8, excluded Connection) {
	conns := c.engine.Connections()
	if len(conns) == 0 {
		c.reclaimUnsent(msg, "broadcast_all_except")
		return
	}

	if excluded == nil {
		c.engine.SendToMany(msg, conns, method, channel)
		return
	}

	recipients := make([]Connection, 0, len(conns))
	for _, conn := range conns {
		if conn == excluded {
			continue
		}
		recipients = append(recipients, conn)
	}

	if len(recipients) == 0 {
		c.engine.LogVerbose("BroadcastAllExcept: no recipients after exclusion of %s", excluded.RemoteAddress())
		return
	}

	c.engine.SendToMany(msg, recipients, method, channel)
}

// SendToServer sends msg on channel 0 over the server link. When not connected
// the caller keeps ownership of msg.
func (c *Coordinator) SendToServer(msg *m.Outgoing, method m.DeliveryMethod) SendResult {
	link := c.ServerLink()
	if link == nil {
		c.engine.LogWarning("SendToServer: not connected")
		metrics.NotConnectedTotal.WithLabelValues("send_to_server").Inc()
		return SendResultFailedNotConnected
	}

	return link.SendMessage(msg, method, 0)
}

// SendToServerChannel sends msg on channel over the server link. When not
// connected msg is returned to the pool, unlike SendToServer.
func (c *Coordinator) SendToServerChannel(msg *m.Outgoing, method m.DeliveryMethod, channel uint8) SendResult {
	link := c.ServerLink()
	if link == nil {
		c.engine.LogWarning("SendToServerChannel: not connected, channel=%d", channel)
		metrics.NotConnectedTotal.WithLabelValues("send_to_server_channel").Inc()
		c.engine.Recycle(msg)
		metrics.MessagesReclaimTotal.WithLabelValues("send_to_server_channel").Inc()
		return SendResultFailedNotConnected
	}

	return link.SendMessage(msg, method, channel)
}

func (c *Coordinator) Describe() string {
	return fmt.Sprintf("[Hybrid %d connections]", c.engine.ConnectionCount())
}

func (c *Coordinator) String() string {
	return c.Describe()
}

func (c *Coordinator) reclaimUnsent(msg *m.Outgoing, path string) {
	if msg.IsSent() {
		return
	}
	c.engine.Recycle(msg)
	metrics.MessagesReclaimTotal.WithLabelValues(path).Inc()
}
