package protocol

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-hybrid/arbiter"
	"github.com/Meander-Cloud/go-hybrid/config"
	m "github.com/Meander-Cloud/go-hybrid/message"
)

const testTimeout = 5 * time.Second

var (
	selfParticipant = &m.Participant{Host: "A", Instance: "1", Time: 1700000000000}
	peerParticipant = &m.Participant{Host: "B", Instance: "2", Time: 1700000000001}
)

func newTestArbiter(t *testing.T) *arbiter.Arbiter {
	t.Helper()
	a := arbiter.NewArbiter(&config.Config{LogPrefix: t.Name()})
	t.Cleanup(a.Shutdown)
	return a
}

// wraps the far end of a pipe so tests can speak the wire format directly
func newPeerState(conn net.Conn) *ConnState {
	cs := &ConnState{ConnID: 99, Conn: conn}
	cs.Data.Store(&ConnVolatileData{Descriptor: "peer"})
	return cs
}

func sendFrame(t *testing.T, txid byte, cs *ConnState, messageStruct *m.Message) {
	t.Helper()
	go func() {
		writeWireData("peer", txid, cs, messageStruct)
	}()
}

func readFrame(t *testing.T, rxid byte, cs *ConnState) *m.Message {
	t.Helper()
	cs.Conn.SetReadDeadline(time.Now().Add(testTimeout))
	messageStruct, err := readWireData("peer", map[byte]struct{}{rxid: {}}, false, cs)
	require.NoError(t, err)
	return messageStruct
}

type recordingHandler struct {
	opened   chan *ConnState
	inits    chan *m.LinkInit
	accepts  chan *m.LinkAccept
	exits    chan *m.LinkExit
	payloads chan *m.Payload
	closed   chan *ConnState

	// server side reply to LinkInit
	refuse string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened:   make(chan *ConnState, 4),
		inits:    make(chan *m.LinkInit, 4),
		accepts:  make(chan *m.LinkAccept, 4),
		exits:    make(chan *m.LinkExit, 4),
		payloads: make(chan *m.Payload, 4),
		closed:   make(chan *ConnState, 4),
	}
}

func (h *recordingHandler) InboundOpened(_ *Server, cs *ConnState) { h.opened <- cs }
func (h *recordingHandler) InboundInit(p *Server, cs *ConnState, linkInit *m.LinkInit) {
	h.inits <- linkInit
	if h.refuse != "" {
		p.ExitAsync(cs, &m.LinkExit{Reason: h.refuse})
		return
	}
	p.AcceptAsync(cs)
}
func (h *recordingHandler) InboundExit(_ *Server, _ *ConnState, exit *m.LinkExit) { h.exits <- exit }
func (h *recordingHandler) InboundPayload(_ *Server, _ *ConnState, payload *m.Payload) {
	h.payloads <- payload
}
func (h *recordingHandler) InboundClosed(_ *Server, cs *ConnState) { h.closed <- cs }

func (h *recordingHandler) OutboundOpened(_ *Client, cs *ConnState) { h.opened <- cs }
func (h *recordingHandler) OutboundAccept(_ *Client, _ *ConnState, accept *m.LinkAccept) {
	h.accepts <- accept
}
func (h *recordingHandler) OutboundExit(_ *Client, _ *ConnState, exit *m.LinkExit) { h.exits <- exit }
func (h *recordingHandler) OutboundPayload(_ *Client, _ *ConnState, payload *m.Payload) {
	h.payloads <- payload
}
func (h *recordingHandler) OutboundClosed(_ *Client, cs *ConnState) { h.closed <- cs }

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for handler event")
	}
	var zero T
	return zero
}

func newTestServer(t *testing.T, h *recordingHandler) *Server {
	t.Helper()
	s, err := NewServer(
		&ServerOptions{
			Options:         &tcp.Options{Address: "localhost:0", LogPrefix: "Server"},
			Arbiter:         newTestArbiter(t),
			ServerHandler:   h,
			Txid:            ServerSenderID,
			RxidMap:         map[byte]struct{}{ClientSenderID: {}},
			SelfParticipant: selfParticipant,
			SelfID:          selfParticipant.ID(),
		},
	)
	require.NoError(t, err)
	return s
}

func newTestClient(t *testing.T, h *recordingHandler, hail []byte) *Client {
	t.Helper()
	c, err := NewClient(
		&ClientOptions{
			Options:         &tcp.Options{Address: "peer:9000", LogPrefix: "Client"},
			Arbiter:         newTestArbiter(t),
			ClientHandler:   h,
			Txid:            ClientSenderID,
			RxidMap:         map[byte]struct{}{ServerSenderID: {}},
			SelfParticipant: selfParticipant,
			SelfID:          selfParticipant.ID(),
			Hail:            hail,
		},
	)
	require.NoError(t, err)
	return c
}

func TestWireRoundTrip(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	sendFrame(t, ClientSenderID, newPeerState(local), &m.Message{
		Txseq: 7,
		Payload: &m.Payload{
			Method:  m.DeliveryMethodReliableOrdered,
			Channel: 3,
			Data:    []byte("hello"),
		},
	})

	got := readFrame(t, ClientSenderID, newPeerState(remote))
	assert.Equal(t, uint64(7), got.Txseq)
	require.NotNil(t, got.Payload)
	assert.Equal(t, m.DeliveryMethodReliableOrdered, got.Payload.Method)
	assert.Equal(t, uint8(3), got.Payload.Channel)
	assert.Equal(t, []byte("hello"), got.Payload.Data)
	assert.Nil(t, got.LinkInit)
}

func TestEncodeHeader(t *testing.T) {
	frame, err := encodeWireData("test", ServerSenderID, "d", &m.Message{LinkExit: &m.LinkExit{Reason: "bye"}})
	require.NoError(t, err)

	require.Greater(t, len(frame), headerLen)
	assert.Equal(t, protocolPattern, frame[0])
	assert.Equal(t, protocolVersion, frame[1])
	assert.Equal(t, ServerSenderID, frame[2])
	assert.Equal(t, uint32(len(frame)-headerLen), binary.LittleEndian.Uint32(frame[3:headerLen]))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := encodeWireData("test", ServerSenderID, "d", &m.Message{
		Payload: &m.Payload{Data: make([]byte, maxPayloadLen+1)},
	})
	assert.Error(t, err)
}

func TestReadRejectsInvalidHeader(t *testing.T) {
	cases := map[string][]byte{
		"pattern":  {0x00, protocolVersion, ClientSenderID, 0, 0, 0, 0},
		"version":  {protocolPattern, 0x7F, ClientSenderID, 0, 0, 0, 0},
		"sender":   {protocolPattern, protocolVersion, 0x33, 0, 0, 0, 0},
		"oversize": {protocolPattern, protocolVersion, ClientSenderID, 0xFF, 0xFF, 0xFF, 0x7F},
	}

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			local, remote := net.Pipe()
			defer local.Close()
			defer remote.Close()

			go local.Write(header)

			cs := newPeerState(remote)
			cs.Conn.SetReadDeadline(time.Now().Add(testTimeout))
			_, err := readWireData("test", map[byte]struct{}{ClientSenderID: {}}, false, cs)
			assert.Error(t, err)
		})
	}
}

// TestServerAcceptsLink walks an inbound link from init to exit.
func TestServerAcceptsLink(t *testing.T) {
	h := newRecordingHandler()
	s := newTestServer(t, h)

	local, remote := net.Pipe()
	defer remote.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ReadLoop(local)
	}()

	cs := receive(t, h.opened)
	assert.Equal(t, 1, s.ConnectionCount())
	assert.False(t, cs.Ready.Load())

	peer := newPeerState(remote)
	sendFrame(t, ClientSenderID, peer, &m.Message{LinkInit: &m.LinkInit{Participant: peerParticipant, Hail: []byte("hi")}})

	linkInit := receive(t, h.inits)
	assert.Equal(t, []byte("hi"), linkInit.Hail)

	reply := readFrame(t, ServerSenderID, peer)
	require.NotNil(t, reply.LinkAccept)
	assert.Equal(t, *selfParticipant, *reply.LinkAccept.Participant)
	assert.True(t, cs.Ready.Load())
	assert.Contains(t, cs.Descriptor(), peerParticipant.ID())

	sendFrame(t, ClientSenderID, peer, &m.Message{Payload: &m.Payload{Method: m.DeliveryMethodUnreliable, Data: []byte("data")}})
	payload := receive(t, h.payloads)
	assert.Equal(t, []byte("data"), payload.Data)

	sendFrame(t, ClientSenderID, peer, &m.Message{LinkExit: &m.LinkExit{Reason: "done"}})
	exit := receive(t, h.exits)
	assert.Equal(t, "done", exit.Reason)

	assert.Same(t, cs, receive(t, h.closed))
	<-done
	assert.Equal(t, 0, s.ConnectionCount())
}

func TestServerRefusesLink(t *testing.T) {
	h := newRecordingHandler()
	h.refuse = "server full"
	s := newTestServer(t, h)

	local, remote := net.Pipe()
	defer remote.Close()
	go s.ReadLoop(local)

	receive(t, h.opened)
	peer := newPeerState(remote)
	sendFrame(t, ClientSenderID, peer, &m.Message{LinkInit: &m.LinkInit{Participant: peerParticipant}})
	receive(t, h.inits)

	reply := readFrame(t, ServerSenderID, peer)
	require.NotNil(t, reply.LinkExit)
	assert.Equal(t, "server full", reply.LinkExit.Reason)

	receive(t, h.closed)
}

func TestServerDropsPayloadBeforeInit(t *testing.T) {
	h := newRecordingHandler()
	s := newTestServer(t, h)

	local, remote := net.Pipe()
	defer remote.Close()
	go s.ReadLoop(local)

	receive(t, h.opened)
	sendFrame(t, ClientSenderID, newPeerState(remote), &m.Message{Payload: &m.Payload{Data: []byte("early")}})

	receive(t, h.closed)
	assert.Empty(t, h.payloads)
}

func TestClientHandshake(t *testing.T) {
	h := newRecordingHandler()
	c := newTestClient(t, h, []byte("hail"))

	local, remote := net.Pipe()
	defer remote.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ReadLoop(local)
	}()

	cs := receive(t, h.opened)
	assert.False(t, c.CheckConnection())

	peer := newPeerState(remote)
	linkInit := readFrame(t, ClientSenderID, peer)
	require.NotNil(t, linkInit.LinkInit)
	assert.Equal(t, []byte("hail"), linkInit.LinkInit.Hail)
	assert.Equal(t, *selfParticipant, *linkInit.LinkInit.Participant)

	sendFrame(t, ServerSenderID, peer, &m.Message{LinkAccept: &m.LinkAccept{Participant: peerParticipant}})
	accept := receive(t, h.accepts)
	assert.Equal(t, *peerParticipant, *accept.Participant)
	assert.True(t, c.CheckConnection())
	assert.Contains(t, cs.Descriptor(), peerParticipant.ID())

	sendFrame(t, ServerSenderID, peer, &m.Message{Payload: &m.Payload{Channel: 1, Data: []byte("pong")}})
	assert.Equal(t, []byte("pong"), receive(t, h.payloads).Data)

	c.Close()
	assert.True(t, c.InShutdown())
	assert.Same(t, cs, receive(t, h.closed))
	<-done
	assert.False(t, c.CheckConnection())
}

func TestClientDropsConnectionAfterClose(t *testing.T) {
	h := newRecordingHandler()
	c := newTestClient(t, h, nil)
	c.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	c.ReadLoop(local) // returns immediately

	assert.Empty(t, h.opened)
	assert.Empty(t, h.closed)
}

func TestClientExitAsync(t *testing.T) {
	h := newRecordingHandler()
	c := newTestClient(t, h, nil)

	local, remote := net.Pipe()
	defer remote.Close()
	go c.ReadLoop(local)

	cs := receive(t, h.opened)
	peer := newPeerState(remote)
	readFrame(t, ClientSenderID, peer) // LinkInit

	require.NoError(t, c.ExitAsync(cs, &m.LinkExit{Reason: "cancelled"}))
	exit := readFrame(t, ClientSenderID, peer)
	require.NotNil(t, exit.LinkExit)
	assert.Equal(t, "cancelled", exit.LinkExit.Reason)

	receive(t, h.closed)
}

func TestNewServerValidatesOptions(t *testing.T) {
	_, err := NewServer(&ServerOptions{Options: &tcp.Options{LogPrefix: "Server"}})
	assert.Error(t, err)

	_, err = NewClient(&ClientOptions{Options: &tcp.Options{LogPrefix: "Client"}, Arbiter: newTestArbiter(t)})
	assert.Error(t, err)
}
