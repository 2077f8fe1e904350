package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-hybrid/arbiter"
	m "github.com/Meander-Cloud/go-hybrid/message"
)

// ClientHandler receives outbound link events, invoked on the ReadLoop goroutine.
type ClientHandler interface {
	OutboundOpened(*Client, *ConnState)
	OutboundAccept(*Client, *ConnState, *m.LinkAccept)
	OutboundExit(*Client, *ConnState, *m.LinkExit)
	OutboundPayload(*Client, *ConnState, *m.Payload)
	OutboundClosed(*Client, *ConnState)
}

type ClientOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	ClientHandler

	Txid    byte
	RxidMap map[byte]struct{}

	SelfParticipant *m.Participant
	SelfID          string

	// carried on LinkInit
	Hail []byte
}

// Client drives a single outbound connection attempt. Once closed it refuses
// any further connection the transport may redial.
type Client struct {
	options           *ClientOptions
	defaultDescriptor string
	inShutdown        atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32
	txseqGen  atomic.Uint64

	mutex     sync.Mutex
	connState *ConnState // current active tcp connection, if any
}

func NewClient(options *ClientOptions) (*Client, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ClientHandler == nil {
		err := fmt.Errorf("%s: nil ClientHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfParticipant == nil {
		err := fmt.Errorf("%s: nil SelfParticipant", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfID == "" {
		err := fmt.Errorf("%s: invalid SelfID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Client{
		options: options,
		defaultDescriptor: fmt.Sprintf(
			"%s-><%s>",
			options.SelfID,
			options.Address,
		),
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},
		txseqGen:  atomic.Uint64{},

		mutex:     sync.Mutex{},
		connState: nil,
	}

	return p, nil
}

func (p *Client) Options() *ClientOptions {
	return p.options
}

func (p *Client) Address() string {
	return p.options.Address
}

func (p *Client) InShutdown() bool {
	return p.inShutdown.Load()
}

// Close stops the client from serving any connection and closes the current one.
func (p *Client) Close() {
	if p.inShutdown.Swap(true) {
		return
	}
	log.Printf("%s: %s: protocol closing", p.options.LogPrefix, p.defaultDescriptor)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState == nil {
			log.Printf("%s: %s: no active connection", p.options.LogPrefix, p.defaultDescriptor)
			return
		}

		p.connState.Ready.Store(false)
		p.connState.Conn.Close()
	}()

	log.Printf("%s: %s: protocol closed", p.options.LogPrefix, p.defaultDescriptor)
}

func (p *Client) ReadLoop(conn net.Conn) {
	connState := &ConnState{
		ConnID: p.getNextConnID(),
		Conn:   conn,
		Data:   atomic.Pointer[ConnVolatileData]{},
		Ready:  atomic.Bool{},
	}
	cvd := &ConnVolatileData{
		// to be communicated by peer in LinkAccept
		PeerParticipant: nil,
		PeerID:          "",

		Descriptor: fmt.Sprintf(
			"[%d]%s-><%s>",
			connState.ConnID,
			p.options.SelfID,
			conn.RemoteAddr().String(),
		),
	}
	connState.Data.Store(cvd)

	network := conn.RemoteAddr().Network()
	peerInShutdown := false

	if p.inShutdown.Load() {
		log.Printf("%s: %s: in shutdown, dropping redialed %s connection", p.options.LogPrefix, cvd.Descriptor, network)
		conn.Close()
		return
	}

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, cvd.Descriptor, network)

	defer func() {
		log.Printf("%s: %s: closing %s connection", p.options.LogPrefix, cvd.Descriptor, network)
		connState.Ready.Store(false)

		selfInShutdown := p.inShutdown.Load()

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			if p.connState == nil {
				log.Printf("%s: %s: no connection cached, state corrupt", p.options.LogPrefix, cvd.Descriptor)
				return
			}

			if connState.ConnID != p.connState.ConnID {
				log.Printf("%s: %s: connID mismatch stack<%d>:cached<%d>, state corrupt", p.options.LogPrefix, cvd.Descriptor, connState.ConnID, p.connState.ConnID)
				return
			}

			p.connState = nil
		}()

		conn.Close()
		p.options.OutboundClosed(p, connState)
		log.Printf("%s: %s: %s connection closed, selfInShutdown=%t, peerInShutdown=%t", p.options.LogPrefix, cvd.Descriptor, network, selfInShutdown, peerInShutdown)
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState != nil {
			log.Printf("%s: %s: overriding stale connection %s", p.options.LogPrefix, cvd.Descriptor, p.connState.Descriptor())
		}
		p.connState = connState
	}()

	p.options.OutboundOpened(p, connState)

	// initiate LinkInit
	err := p.options.Arbiter.Dispatch(
		arbiter.GroupHandshake,
		func() {
			// invoked on arbiter goroutine
			writeWireData(
				p.options.LogPrefix,
				p.options.Txid,
				connState,
				p.newMessage(
					&m.Message{
						LinkInit: &m.LinkInit{
							Participant: p.options.SelfParticipant,
							Hail:        p.options.Hail,
						},
					},
				),
			)
		},
	)
	if err != nil {
		return
	}

	handleMessage := func(messageStruct *m.Message) error {
		if messageStruct.LinkAccept != nil {
			peerParticipant := messageStruct.LinkAccept.Participant
			if peerParticipant == nil {
				err := fmt.Errorf("%s: %s: invalid LinkAccept=%+v", p.options.LogPrefix, cvd.Descriptor, messageStruct.LinkAccept)
				log.Printf("%s", err.Error())
				return err
			}

			err := peerParticipant.Validate()
			if err != nil {
				err = fmt.Errorf("%s: %s: %s", p.options.LogPrefix, cvd.Descriptor, err.Error())
				log.Printf("%s", err.Error())
				return err
			}

			if cvd.PeerID != "" {
				err := fmt.Errorf("%s: %s: already processed LinkAccept, incoming Participant=%+v", p.options.LogPrefix, cvd.Descriptor, *peerParticipant)
				log.Printf("%s", err.Error())
				return err
			}

			// update volatile data
			cvd = &ConnVolatileData{
				PeerParticipant: peerParticipant,
				PeerID:          peerParticipant.ID(),

				// populated next
				Descriptor: "",
			}
			cvd.Descriptor = fmt.Sprintf(
				"[%d]%s->%s<%s>",
				connState.ConnID,
				p.options.SelfID,
				cvd.PeerID,
				conn.RemoteAddr().String(),
			)
			connState.Data.Store(cvd) // atomic

			connState.Ready.Store(true)
			log.Printf("%s: %s: connection now ready", p.options.LogPrefix, cvd.Descriptor)

			p.options.OutboundAccept(p, connState, messageStruct.LinkAccept)
			return nil
		} else if messageStruct.LinkExit != nil {
			peerInShutdown = messageStruct.LinkExit.InShutdown
			connState.Ready.Store(false)
			log.Printf("%s: %s: connection no longer ready, reason=%s, peerInShutdown=%t", p.options.LogPrefix, cvd.Descriptor, messageStruct.LinkExit.Reason, peerInShutdown)

			p.options.OutboundExit(p, connState, messageStruct.LinkExit)

			// peer closes after LinkExit, stop reading
			return fmt.Errorf("%s: %s: peer exited", p.options.LogPrefix, cvd.Descriptor)
		} else if messageStruct.Payload != nil {
			if !connState.Ready.Load() {
				err := fmt.Errorf("%s: %s: connection not ready, cannot process Payload", p.options.LogPrefix, cvd.Descriptor)
				log.Printf("%s", err.Error())
				return err
			}

			p.options.OutboundPayload(p, connState, messageStruct.Payload)
			return nil
		} else {
			err := fmt.Errorf("%s: %s: unsupported messageStruct=%+v", p.options.LogPrefix, cvd.Descriptor, messageStruct)
			log.Printf("%s", err.Error())
			return err
		}
	}

	for {
		messageStruct, err := readWireData(p.options.LogPrefix, p.options.RxidMap, p.options.LogDebug, connState)
		if err != nil {
			return
		}

		err = handleMessage(messageStruct)
		if err != nil {
			return
		}
	}
}

// invoked on ReadLoop goroutine
func (p *Client) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Client) GetNextTxseq() uint64 {
	return p.txseqGen.Add(1)
}

func (p *Client) newMessage(messageStruct *m.Message) *m.Message {
	messageStruct.Txseq = p.GetNextTxseq()
	messageStruct.Txtime = time.Now().UTC().UnixMilli()
	return messageStruct
}

// invoked on any goroutine
func (p *Client) CheckConnection() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState == nil {
		return false
	}

	return p.connState.Ready.Load()
}

// invoked on any goroutine
func (p *Client) Encode(connState *ConnState, messageStruct *m.Message) ([]byte, error) {
	return encodeWireData(
		p.options.LogPrefix,
		p.options.Txid,
		connState.Descriptor(),
		p.newMessage(messageStruct),
	)
}

// invoked on any goroutine
func (p *Client) WriteAsync(connState *ConnState, frame []byte) error {
	return p.options.Arbiter.Dispatch(
		arbiter.GroupWrite,
		func() {
			// invoked on arbiter goroutine
			writeFrame(p.options.LogPrefix, connState, frame)
		},
	)
}

// invoked on any goroutine
func (p *Client) ExitAsync(connState *ConnState, exit *m.LinkExit) error {
	connState.Ready.Store(false)
	err := p.options.Arbiter.Dispatch(
		arbiter.GroupHandshake,
		func() {
			// invoked on arbiter goroutine
			writeWireData(
				p.options.LogPrefix,
				p.options.Txid,
				connState,
				p.newMessage(
					&m.Message{
						LinkExit: exit,
					},
				),
			)
			connState.Conn.Close()
		},
	)
	if err != nil {
		connState.Conn.Close()
	}
	return err
}
