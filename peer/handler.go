package peer

import (
	"github.com/Meander-Cloud/go-hybrid/hybrid"
	m "github.com/Meander-Cloud/go-hybrid/message"
	"github.com/Meander-Cloud/go-hybrid/metrics"
	tp "github.com/Meander-Cloud/go-hybrid/net/tcp/protocol"
)

// protocol handlers, all invoked on a ReadLoop goroutine

func (e *Engine) handshakeForClient(client *tp.Client) *Handshake {
	if client == nil {
		return nil
	}

	e.hsMutex.Lock()
	defer e.hsMutex.Unlock()

	return e.hsByClient[client]
}

func (e *Engine) outboundForClient(client *tp.Client) *Link {
	e.connMutex.Lock()
	defer e.connMutex.Unlock()

	if e.outbound == nil || e.outbound.client != client {
		return nil
	}
	return e.outbound
}

func (e *Engine) inboundForConn(cs *tp.ConnState) *Link {
	e.connMutex.Lock()
	defer e.connMutex.Unlock()

	return e.inboundMap[cs]
}

func (e *Engine) OutboundOpened(p *tp.Client, cs *tp.ConnState) {
	e.hsMutex.Lock()
	defer e.hsMutex.Unlock()

	h, found := e.hsByClient[p]
	if !found {
		e.LogWarning("%s: no pending handshake, closing", cs.Descriptor())
		cs.Conn.Close()
		return
	}

	h.connState.Store(cs)
	h.link.connState.Store(cs)
}

func (e *Engine) OutboundAccept(p *tp.Client, cs *tp.ConnState, accept *m.LinkAccept) {
	var link *Link
	func() {
		e.hsMutex.Lock()
		defer e.hsMutex.Unlock()

		h, found := e.hsByClient[p]
		if !found || !e.removeHandshakeLocked(h) {
			return
		}
		link = h.link
		link.peer.Store(accept.Participant)
		link.setStatus(hybrid.StatusConnected, "")

		e.connMutex.Lock()
		defer e.connMutex.Unlock()

		if e.outbound != nil {
			e.LogWarning("%s: replacing stale outbound link %s", cs.Descriptor(), e.outbound)
		} else {
			e.linkCount.Add(1)
		}
		e.outbound = link
		metrics.OutboundLinks.Set(1)
	}()

	if link == nil {
		e.LogWarning("%s: accepted after handshake was aborted, exiting", cs.Descriptor())
		p.ExitAsync(cs, &m.LinkExit{Reason: "handshake aborted"})
		return
	}

	e.LogVerbose("%s: outbound link established", cs.Descriptor())
}

func (e *Engine) OutboundExit(p *tp.Client, cs *tp.ConnState, exit *m.LinkExit) {
	link := e.outboundForClient(p)
	if link == nil {
		h := e.handshakeForClient(p)
		if h == nil {
			return
		}
		link = h.link
	}
	link.setExitReason(exit.Reason)
}

func (e *Engine) OutboundPayload(p *tp.Client, cs *tp.ConnState, payload *m.Payload) {
	link := e.outboundForClient(p)
	if link == nil {
		e.LogWarning("%s: payload without outbound link", cs.Descriptor())
		return
	}
	e.notifyReceived(link, payload)
}

func (e *Engine) OutboundClosed(p *tp.Client, cs *tp.ConnState) {
	// closed before LinkAccept, the attempt failed
	h := e.handshakeForClient(p)
	if h != nil && e.removeHandshake(h) {
		e.dialer.Hangup(p)
		h.link.setStatus(hybrid.StatusDisconnected, h.link.exitReasonOr("connection closed during handshake"))
		return
	}

	var link *Link
	func() {
		e.connMutex.Lock()
		defer e.connMutex.Unlock()

		if e.outbound == nil || e.outbound.client != p {
			return
		}
		link = e.outbound
		e.outbound = nil
		e.linkCount.Add(-1)
		metrics.OutboundLinks.Set(0)
	}()
	if link == nil {
		return
	}

	e.dialer.Hangup(p)
	link.setStatus(hybrid.StatusDisconnected, link.exitReasonOr("connection closed"))
}

func (e *Engine) InboundOpened(p *tp.Server, cs *tp.ConnState) {
	h := newHandshake(e, false, cs.RemoteAddress())
	h.server = p
	h.connState.Store(cs)

	e.hsMutex.Lock()
	defer e.hsMutex.Unlock()

	e.handshakes = append(e.handshakes, h)
	e.hsByConn[cs] = h
	e.armHandshakeTimer(h)
	metrics.PendingHandshakes.WithLabelValues(metrics.DirectionInbound).Inc()
}

func (e *Engine) InboundInit(p *tp.Server, cs *tp.ConnState, linkInit *m.LinkInit) {
	pending := func() bool {
		e.hsMutex.Lock()
		defer e.hsMutex.Unlock()

		h, found := e.hsByConn[cs]
		if !found {
			return false
		}
		return e.removeHandshakeLocked(h)
	}()
	if !pending {
		p.ExitAsync(cs, &m.LinkExit{Reason: "handshake timeout"})
		return
	}

	if e.inShutdown.Load() {
		p.ExitAsync(cs, &m.LinkExit{Reason: "shutting down", InShutdown: true})
		return
	}

	maximumConnections := int(e.c.GetMaximumConnections())
	full := false
	var link *Link
	func() {
		e.connMutex.Lock()
		defer e.connMutex.Unlock()

		if len(e.inbound) >= maximumConnections {
			full = true
			return
		}

		candidate := newLink(e, e.getNextLinkID(), false, cs.RemoteAddress())
		candidate.writer = p
		candidate.hail = linkInit.Hail
		candidate.connState.Store(cs)
		candidate.peer.Store(linkInit.Participant)
		candidate.status.Store(uint32(hybrid.StatusConnected))

		// queued while holding connMutex, so any send to this link is written after LinkAccept
		err := p.AcceptAsync(cs)
		if err != nil {
			return
		}

		link = candidate
		e.inbound = append(e.inbound, link)
		e.inboundMap[cs] = link
		e.linkCount.Add(1)
		metrics.InboundLinks.Inc()
	}()

	if full {
		e.LogWarning("%s: refusing link, maximumConnections=%d reached", cs.Descriptor(), maximumConnections)
		p.ExitAsync(cs, &m.LinkExit{Reason: "server full"})
		return
	}

	if link == nil {
		cs.Conn.Close()
		return
	}

	e.LogVerbose("%s: inbound link established", cs.Descriptor())
	e.notifyStatus(link, hybrid.StatusConnected, "")
}

func (e *Engine) InboundExit(p *tp.Server, cs *tp.ConnState, exit *m.LinkExit) {
	link := e.inboundForConn(cs)
	if link == nil {
		return
	}
	link.setExitReason(exit.Reason)
}

func (e *Engine) InboundPayload(p *tp.Server, cs *tp.ConnState, payload *m.Payload) {
	link := e.inboundForConn(cs)
	if link == nil {
		e.LogWarning("%s: payload without inbound link", cs.Descriptor())
		return
	}
	e.notifyReceived(link, payload)
}

func (e *Engine) InboundClosed(p *tp.Server, cs *tp.ConnState) {
	pending := func() bool {
		e.hsMutex.Lock()
		defer e.hsMutex.Unlock()

		h, found := e.hsByConn[cs]
		if !found {
			return false
		}
		return e.removeHandshakeLocked(h)
	}()
	if pending {
		return
	}

	var link *Link
	func() {
		e.connMutex.Lock()
		defer e.connMutex.Unlock()

		link = e.inboundMap[cs]
		if link == nil {
			return
		}
		delete(e.inboundMap, cs)
		for i, cached := range e.inbound {
			if cached == link {
				e.inbound = append(e.inbound[:i:i], e.inbound[i+1:]...)
				break
			}
		}
		e.linkCount.Add(-1)
		metrics.InboundLinks.Dec()
	}()
	if link == nil {
		return
	}

	link.setStatus(hybrid.StatusDisconnected, link.exitReasonOr("connection closed"))
}
