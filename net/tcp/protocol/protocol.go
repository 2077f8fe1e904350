package protocol

import (
	"net"
	"sync/atomic"
	"time"

	m "github.com/Meander-Cloud/go-hybrid/message"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

const (
	headerLen        int    = 7
	typicalBufferLen int    = 1024  // 1 KB
	maxPayloadLen    uint32 = 65536 // 64 KB
)

const (
	protocolPattern byte = 0x5A
	protocolVersion byte = 0x01
)

const (
	ServerSenderID byte = 0x01
	ClientSenderID byte = 0x02
)

type ConnVolatileData struct {
	PeerParticipant *m.Participant
	PeerID          string
	Descriptor      string
}

type ConnState struct {
	ConnID uint32
	Conn   net.Conn
	// callers can set pointers but must not modify pointed data, to allow concurrent immutable read
	Data  atomic.Pointer[ConnVolatileData]
	Ready atomic.Bool
}

func (cs *ConnState) Descriptor() string {
	return cs.Data.Load().Descriptor
}

func (cs *ConnState) RemoteAddress() string {
	return cs.Conn.RemoteAddr().String()
}

// Writer is the write side shared by Server and Client.
type Writer interface {
	// Encode frames messageStruct on the calling goroutine.
	Encode(connState *ConnState, messageStruct *m.Message) ([]byte, error)
	// WriteAsync queues an encoded frame on the arbiter goroutine.
	WriteAsync(connState *ConnState, frame []byte) error
	// ExitAsync queues LinkExit then closes the connection.
	ExitAsync(connState *ConnState, exit *m.LinkExit) error
}
