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

// ServerHandler receives inbound link events, invoked on the ReadLoop goroutine.
type ServerHandler interface {
	// a new inbound connection is negotiating
	InboundOpened(*Server, *ConnState)
	// handler must reply via AcceptAsync or refuse via ExitAsync
	InboundInit(*Server, *ConnState, *m.LinkInit)
	InboundExit(*Server, *ConnState, *m.LinkExit)
	InboundPayload(*Server, *ConnState, *m.Payload)
	InboundClosed(*Server, *ConnState)
}

type ServerOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	ServerHandler

	Txid    byte
	RxidMap map[byte]struct{}

	SelfParticipant *m.Participant
	SelfID          string
}

type Server struct {
	options    *ServerOptions
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32
	txseqGen  atomic.Uint64

	mutex   sync.Mutex
	connMap map[uint32]*ConnState // connID -> tcp connection state
}

func NewServer(options *ServerOptions) (*Server, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ServerHandler == nil {
		err := fmt.Errorf("%s: nil ServerHandler", options.LogPrefix)
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

	p := &Server{
		options:    options,
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},
		txseqGen:  atomic.Uint64{},

		mutex:   sync.Mutex{},
		connMap: make(map[uint32]*ConnState),
	}

	return p, nil
}

func (p *Server) Options() *ServerOptions {
	return p.options
}

func (p *Server) Close() {
	log.Printf("%s: protocol closing", p.options.LogPrefix)
	p.inShutdown.Store(true)

	var exitwg sync.WaitGroup

	// send LinkExit
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, volatileConnState := range p.connMap {
			scopedConnState := volatileConnState
			scopedConnState.Ready.Store(false)

			exitwg.Add(1)
			err := p.options.Arbiter.Dispatch(
				arbiter.GroupWrite,
				func() {
					// invoked on arbiter goroutine
					defer exitwg.Done()

					writeWireData(
						p.options.LogPrefix,
						p.options.Txid,
						scopedConnState,
						p.newMessage(
							&m.Message{
								LinkExit: &m.LinkExit{
									Reason:     "server shutdown",
									InShutdown: true,
								},
							},
						),
					)
				},
			)
			if err != nil {
				exitwg.Done()
			}
		}
	}()

	// wait until all peer updates are sent
	exitwg.Wait()

	// close connections
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, connState := range p.connMap {
			connState.Conn.Close()
		}
	}()

	log.Printf("%s: protocol closed", p.options.LogPrefix)
}

func (p *Server) ReadLoop(conn net.Conn) {
	connState := &ConnState{
		ConnID: p.getNextConnID(),
		Conn:   conn,
		Data:   atomic.Pointer[ConnVolatileData]{},
		Ready:  atomic.Bool{},
	}
	cvd := &ConnVolatileData{
		// to be communicated by peer during link init
		PeerParticipant: nil,
		PeerID:          "",

		Descriptor: fmt.Sprintf(
			"[%d]%s<-<%s>",
			connState.ConnID,
			p.options.SelfID,
			conn.RemoteAddr().String(),
		),
	}
	connState.Data.Store(cvd)

	network := conn.RemoteAddr().Network()
	peerInShutdown := false

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, cvd.Descriptor, network)

	if p.inShutdown.Load() {
		log.Printf("%s: %s: in shutdown, rejecting %s connection", p.options.LogPrefix, cvd.Descriptor, network)
		conn.Close()
		return
	}

	defer func() {
		log.Printf("%s: %s: closing %s connection", p.options.LogPrefix, cvd.Descriptor, network)
		connState.Ready.Store(false)

		selfInShutdown := p.inShutdown.Load()

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			_, found := p.connMap[connState.ConnID]
			if !found {
				log.Printf("%s: %s: connID=%d not found in connection map", p.options.LogPrefix, cvd.Descriptor, connState.ConnID)
				return
			}
			delete(p.connMap, connState.ConnID)
		}()

		conn.Close()
		p.options.InboundClosed(p, connState)
		log.Printf("%s: %s: %s connection closed, selfInShutdown=%t, peerInShutdown=%t", p.options.LogPrefix, cvd.Descriptor, network, selfInShutdown, peerInShutdown)
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		cached, found := p.connMap[connState.ConnID]
		if found {
			log.Printf("%s: %s: overriding duplicate connection %s", p.options.LogPrefix, cvd.Descriptor, cached.Descriptor())
		}
		p.connMap[connState.ConnID] = connState
	}()

	p.options.InboundOpened(p, connState)

	handleMessage := func(messageStruct *m.Message) error {
		if messageStruct.LinkInit != nil {
			peerParticipant := messageStruct.LinkInit.Participant
			if peerParticipant == nil {
				err := fmt.Errorf("%s: %s: invalid LinkInit=%+v", p.options.LogPrefix, cvd.Descriptor, messageStruct.LinkInit)
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
				err := fmt.Errorf("%s: %s: already processed LinkInit, incoming Participant=%+v", p.options.LogPrefix, cvd.Descriptor, *peerParticipant)
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
				"[%d]%s<-%s<%s>",
				connState.ConnID,
				p.options.SelfID,
				cvd.PeerID,
				conn.RemoteAddr().String(),
			)
			connState.Data.Store(cvd) // atomic

			p.options.InboundInit(p, connState, messageStruct.LinkInit)
			return nil
		} else if messageStruct.LinkExit != nil {
			if cvd.PeerID == "" {
				err := fmt.Errorf("%s: %s: peer unknown, cannot process LinkExit=%+v", p.options.LogPrefix, cvd.Descriptor, *messageStruct.LinkExit)
				log.Printf("%s", err.Error())
				return err
			}

			peerInShutdown = messageStruct.LinkExit.InShutdown
			connState.Ready.Store(false)
			log.Printf("%s: %s: connection no longer ready, reason=%s, peerInShutdown=%t", p.options.LogPrefix, cvd.Descriptor, messageStruct.LinkExit.Reason, peerInShutdown)

			p.options.InboundExit(p, connState, messageStruct.LinkExit)

			// peer closes after LinkExit, stop reading
			return fmt.Errorf("%s: %s: peer exited", p.options.LogPrefix, cvd.Descriptor)
		} else if messageStruct.Payload != nil {
			if !connState.Ready.Load() {
				err := fmt.Errorf("%s: %s: connection not ready, cannot process Payload", p.options.LogPrefix, cvd.Descriptor)
				log.Printf("%s", err.Error())
				return err
			}

			p.options.InboundPayload(p, connState, messageStruct.Payload)
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
func (p *Server) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Server) GetNextTxseq() uint64 {
	return p.txseqGen.Add(1)
}

func (p *Server) newMessage(messageStruct *m.Message) *m.Message {
	messageStruct.Txseq = p.GetNextTxseq()
	messageStruct.Txtime = time.Now().UTC().UnixMilli()
	return messageStruct
}

// invoked on any goroutine
func (p *Server) ConnectionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.connMap)
}

// invoked on any goroutine
func (p *Server) Encode(connState *ConnState, messageStruct *m.Message) ([]byte, error) {
	return encodeWireData(
		p.options.LogPrefix,
		p.options.Txid,
		connState.Descriptor(),
		p.newMessage(messageStruct),
	)
}

// invoked on any goroutine
func (p *Server) WriteAsync(connState *ConnState, frame []byte) error {
	return p.options.Arbiter.Dispatch(
		arbiter.GroupWrite,
		func() {
			// invoked on arbiter goroutine
			writeFrame(p.options.LogPrefix, connState, frame)
		},
	)
}

// invoked on any goroutine
func (p *Server) AcceptAsync(connState *ConnState) error {
	return p.options.Arbiter.Dispatch(
		arbiter.GroupHandshake,
		func() {
			// invoked on arbiter goroutine
			// ready before the write, peer may send payload as soon as it reads LinkAccept
			connState.Ready.Store(true)

			err := writeWireData(
				p.options.LogPrefix,
				p.options.Txid,
				connState,
				p.newMessage(
					&m.Message{
						LinkAccept: &m.LinkAccept{
							Participant: p.options.SelfParticipant,
						},
					},
				),
			)
			if err != nil {
				connState.Ready.Store(false)
				connState.Conn.Close()
				return
			}

			log.Printf("%s: %s: connection now ready", p.options.LogPrefix, connState.Descriptor())
		},
	)
}

// invoked on any goroutine
func (p *Server) ExitAsync(connState *ConnState, exit *m.LinkExit) error {
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
