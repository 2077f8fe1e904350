package peer

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-hybrid/arbiter"
	"github.com/Meander-Cloud/go-hybrid/config"
	"github.com/Meander-Cloud/go-hybrid/hybrid"
	m "github.com/Meander-Cloud/go-hybrid/message"
	"github.com/Meander-Cloud/go-hybrid/metrics"
	ntcp "github.com/Meander-Cloud/go-hybrid/net/tcp"
	tp "github.com/Meander-Cloud/go-hybrid/net/tcp/protocol"
)

// Dialer starts and stops the socket behind an outbound protocol client.
type Dialer interface {
	Dial(*tp.Client) error
	// must not block, may be invoked on the client's ReadLoop goroutine
	Hangup(*tp.Client)
}

type Options struct {
	Config  *config.Config
	Arbiter *arbiter.Arbiter
	// optional
	Callback Callback

	SelfParticipant *m.Participant
	SelfID          string
}

// Engine owns the connection set and the handshake set, each behind its own
// mutex. Lock order is handshake set, then connection set.
type Engine struct {
	options *Options
	c       *config.Config
	a       *arbiter.Arbiter
	pool    *m.Pool
	dialer  Dialer

	// if increment overflow will wrap to zero
	linkIDGen  atomic.Uint32
	linkCount  atomic.Int32
	inShutdown atomic.Bool

	connMutex  sync.Mutex
	outbound   *Link
	inbound    []*Link
	inboundMap map[*tp.ConnState]*Link

	hsMutex    sync.Mutex
	handshakes []*Handshake
	hsByClient map[*tp.Client]*Handshake
	hsByConn   map[*tp.ConnState]*Handshake
}

func NewEngine(options *Options) (*Engine, error) {
	if options.Config == nil {
		err := fmt.Errorf("nil Config")
		log.Printf("%s", err.Error())
		return nil, err
	}
	logPrefix := options.Config.LogPrefix

	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", logPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfParticipant == nil {
		err := fmt.Errorf("%s: nil SelfParticipant", logPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfID == "" {
		err := fmt.Errorf("%s: invalid SelfID", logPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	e := &Engine{
		options: options,
		c:       options.Config,
		a:       options.Arbiter,
		pool:    m.NewPool(logPrefix),
		dialer:  nil,

		linkIDGen:  atomic.Uint32{},
		linkCount:  atomic.Int32{},
		inShutdown: atomic.Bool{},

		connMutex:  sync.Mutex{},
		outbound:   nil,
		inbound:    nil,
		inboundMap: make(map[*tp.ConnState]*Link),

		hsMutex:    sync.Mutex{},
		handshakes: nil,
		hsByClient: make(map[*tp.Client]*Handshake),
		hsByConn:   make(map[*tp.ConnState]*Handshake),
	}

	return e, nil
}

// SetDialer must be invoked before the first Connect.
func (e *Engine) SetDialer(dialer Dialer) {
	e.dialer = dialer
}

// Shutdown disconnects the outbound link and aborts pending handshakes.
// Inbound links are closed by the transport.
func (e *Engine) Shutdown(reason string) {
	if e.inShutdown.Swap(true) {
		return
	}

	var pending []*Handshake
	func() {
		e.hsMutex.Lock()
		defer e.hsMutex.Unlock()

		pending = append(pending, e.handshakes...)
	}()
	for _, h := range pending {
		e.abortHandshake(h, reason)
	}

	var outbound *Link
	func() {
		e.connMutex.Lock()
		defer e.connMutex.Unlock()

		outbound = e.outbound
	}()
	if outbound != nil {
		outbound.Disconnect(reason)
	}
}

func (e *Engine) CreateMessage() *m.Outgoing {
	return e.pool.Get()
}

func (e *Engine) WithConnections(f func(hybrid.ConnectionSet)) {
	e.connMutex.Lock()
	defer e.connMutex.Unlock()

	f(e.connectionSetLocked())
}

// connMutex must be held
func (e *Engine) connectionSetLocked() hybrid.ConnectionSet {
	set := hybrid.ConnectionSet{
		Outbound: nil,
		Inbound:  make([]hybrid.Connection, 0, len(e.inbound)),
	}
	if e.outbound != nil {
		set.Outbound = e.outbound
	}
	for _, link := range e.inbound {
		set.Inbound = append(set.Inbound, link)
	}
	return set
}

func (e *Engine) WithHandshakes(f func([]hybrid.Handshake)) {
	e.hsMutex.Lock()
	defer e.hsMutex.Unlock()

	handshakes := make([]hybrid.Handshake, 0, len(e.handshakes))
	for _, h := range e.handshakes {
		handshakes = append(handshakes, h)
	}
	f(handshakes)
}

func (e *Engine) Connections() []hybrid.Connection {
	e.connMutex.Lock()
	defer e.connMutex.Unlock()

	return e.connectionSetLocked().All()
}

func (e *Engine) ConnectionCount() int {
	return int(e.linkCount.Load())
}

func (e *Engine) HandshakeCount() int {
	e.hsMutex.Lock()
	defer e.hsMutex.Unlock()

	return len(e.handshakes)
}

// Connect refuses while an outbound handshake or outbound link exists,
// otherwise returns a link in StatusConnecting and starts dialing.
func (e *Engine) Connect(address string, hail []byte) hybrid.Connection {
	if e.inShutdown.Load() {
		e.LogWarning("Connect: in shutdown, cannot connect to %s", address)
		return nil
	}

	if e.dialer == nil {
		e.LogWarning("Connect: no dialer, cannot connect to %s", address)
		return nil
	}

	e.hsMutex.Lock()
	defer e.hsMutex.Unlock()

	for _, h := range e.handshakes {
		if h.outbound {
			e.LogWarning("Connect: outbound handshake to %s in progress, cannot connect to %s", h.address, address)
			metrics.ConnectRejectedTotal.WithLabelValues("engine_connecting").Inc()
			return nil
		}
	}

	hasOutbound := func() bool {
		e.connMutex.Lock()
		defer e.connMutex.Unlock()

		return e.outbound != nil
	}()
	if hasOutbound {
		e.LogWarning("Connect: outbound link exists, cannot connect to %s", address)
		metrics.ConnectRejectedTotal.WithLabelValues("engine_connected").Inc()
		return nil
	}

	link := newLink(e, e.getNextLinkID(), true, address)
	client, err := tp.NewClient(
		&tp.ClientOptions{
			Options:       ntcp.NewOptions(e.c, address, fmt.Sprintf("%s-Client-%d", e.c.LogPrefix, link.id)),
			Arbiter:       e.a,
			ClientHandler: e,
			Txid:          tp.ClientSenderID,
			RxidMap: map[byte]struct{}{
				tp.ServerSenderID: {},
			},
			SelfParticipant: e.options.SelfParticipant,
			SelfID:          e.options.SelfID,
			Hail:            hail,
		},
	)
	if err != nil {
		return nil
	}
	link.client = client
	link.writer = client

	h := newHandshake(e, true, address)
	h.link = link
	h.client = client

	e.handshakes = append(e.handshakes, h)
	e.hsByClient[client] = h
	metrics.PendingHandshakes.WithLabelValues(metrics.DirectionOutbound).Inc()
	link.setStatus(hybrid.StatusConnecting, "")

	err = e.dialer.Dial(client)
	if err != nil {
		e.removeHandshakeLocked(h)
		link.setStatus(hybrid.StatusDisconnected, err.Error())
		return nil
	}

	e.armHandshakeTimer(h)
	return link
}

func (e *Engine) SendToMany(msg *m.Outgoing, recipients []hybrid.Connection, method m.DeliveryMethod, channel uint8) {
	for _, recipient := range recipients {
		link, ok := recipient.(*Link)
		if !ok {
			e.LogWarning("SendToMany: foreign connection %s", recipient.RemoteAddress())
			continue
		}
		link.send(msg, method, channel)
	}

	if !msg.IsSent() {
		metrics.MessagesReclaimTotal.WithLabelValues("send_to_many").Inc()
	}
	e.Recycle(msg)
}

func (e *Engine) Recycle(msg *m.Outgoing) {
	e.pool.Put(msg)
}

func (e *Engine) LogWarning(format string, args ...any) {
	log.Printf("%s: WARN %s", e.c.LogPrefix, fmt.Sprintf(format, args...))
}

func (e *Engine) LogVerbose(format string, args ...any) {
	if !e.c.LogDebug {
		return
	}
	log.Printf("%s: VERBOSE %s", e.c.LogPrefix, fmt.Sprintf(format, args...))
}

func (e *Engine) getNextLinkID() uint32 {
	return e.linkIDGen.Add(1)
}

func (e *Engine) armHandshakeTimer(h *Handshake) {
	h.timer = time.AfterFunc(
		e.c.GetHandshakeTimeout(),
		func() {
			// invoked on timer goroutine
			if e.removeHandshake(h) {
				metrics.HandshakeTimeoutTotal.Inc()
				e.LogWarning("handshake with %s timed out", h.address)
				e.teardownHandshake(h, "handshake timeout")
			}
		},
	)
}

// reports whether h was still pending
func (e *Engine) removeHandshake(h *Handshake) bool {
	e.hsMutex.Lock()
	defer e.hsMutex.Unlock()

	return e.removeHandshakeLocked(h)
}

// hsMutex must be held
func (e *Engine) removeHandshakeLocked(h *Handshake) bool {
	for i, cached := range e.handshakes {
		if cached != h {
			continue
		}

		e.handshakes = append(e.handshakes[:i:i], e.handshakes[i+1:]...)
		if h.client != nil {
			delete(e.hsByClient, h.client)
		}
		cs := h.connState.Load()
		if cs != nil {
			delete(e.hsByConn, cs)
		}
		if h.timer != nil {
			h.timer.Stop()
		}

		if h.outbound {
			metrics.PendingHandshakes.WithLabelValues(metrics.DirectionOutbound).Dec()
		} else {
			metrics.PendingHandshakes.WithLabelValues(metrics.DirectionInbound).Dec()
		}
		return true
	}
	return false
}

func (e *Engine) abortHandshake(h *Handshake, reason string) {
	if !e.removeHandshake(h) {
		e.LogVerbose("handshake with %s already resolved", h.address)
		return
	}
	e.teardownHandshake(h, reason)
}

// h must already be removed from the handshake set
func (e *Engine) teardownHandshake(h *Handshake, reason string) {
	cs := h.connState.Load()

	if !h.outbound {
		if cs != nil {
			h.server.ExitAsync(cs, &m.LinkExit{Reason: reason})
		}
		return
	}

	if cs != nil {
		h.client.ExitAsync(cs, &m.LinkExit{Reason: reason})
	}
	e.hangupAfterWrites(h.client)
	h.link.setStatus(hybrid.StatusDisconnected, reason)
}

// hangs up once every write queued so far on the arbiter has run
func (e *Engine) hangupAfterWrites(client *tp.Client) {
	err := e.a.Dispatch(
		arbiter.GroupHandshake,
		func() {
			// invoked on arbiter goroutine
			e.dialer.Hangup(client)
		},
	)
	if err != nil {
		e.dialer.Hangup(client)
	}
}

func (e *Engine) notifyStatus(link *Link, status hybrid.Status, reason string) {
	callback := e.options.Callback
	if callback == nil {
		return
	}

	changed := &StatusChanged{
		Link:   link,
		Status: status,
		Reason: reason,
		Time:   time.Now().UTC(),
	}
	e.a.Dispatch(
		arbiter.GroupCallback,
		func() {
			// invoked on arbiter goroutine
			callback.StatusChanged(changed)
		},
	)
}

func (e *Engine) notifyReceived(link *Link, payload *m.Payload) {
	callback := e.options.Callback
	if callback == nil {
		return
	}

	received := &Received{
		Link:    link,
		Payload: payload,
		Time:    time.Now().UTC(),
	}
	e.a.Dispatch(
		arbiter.GroupCallback,
		func() {
			// invoked on arbiter goroutine
			callback.Received(received)
		},
	)
}
