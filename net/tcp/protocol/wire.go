package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	m "github.com/Meander-Cloud/go-hybrid/message"
)

// any goroutine
func encodeWireData(logPrefix string, txid byte, descriptor string, messageStruct *m.Message) ([]byte, error) {
	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	// write header of seven bytes
	// 0 - pre-designated bit pattern indicating valid message
	// 1 - protocol version
	// 2 - sender id
	// 3,4,5,6 - payload length of type uint32, little endian byte order
	buffer.WriteByte(protocolPattern)
	buffer.WriteByte(protocolVersion)
	buffer.WriteByte(txid)

	// placeholder for payload length
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)
	buffer.WriteByte(0x00)

	// write payload
	err := msgpack.NewEncoder(buffer).Encode(messageStruct)
	if err != nil {
		log.Printf("%s: %s: msgpack failed to encode messageStruct=%+v, err=%s", logPrefix, descriptor, messageStruct, err.Error())
		return nil, err
	}

	buf := buffer.Bytes()
	// do not access buffer beyond this point

	bufLen := len(buf)
	if bufLen < headerLen {
		err = fmt.Errorf("%s: %s: invalid written buf=%X", logPrefix, descriptor, buf)
		log.Printf("%s", err.Error())
		return nil, err
	}

	var payloadLen uint32 = uint32(bufLen - headerLen)
	if payloadLen > maxPayloadLen {
		err = fmt.Errorf("%s: %s: payloadLen=%d exceeds maxPayloadLen=%d", logPrefix, descriptor, payloadLen, maxPayloadLen)
		log.Printf("%s", err.Error())
		return nil, err
	}

	// update payload length placeholder
	binary.LittleEndian.PutUint32(buf[3:headerLen], payloadLen)

	return buf, nil
}

// invoked on arbiter goroutine
func writeFrame(logPrefix string, connState *ConnState, frame []byte) error {
	descriptor := connState.Descriptor()

	connState.Conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	n, err := connState.Conn.Write(frame)
	if err != nil {
		log.Printf("%s: %s: failed to write %d bytes, err=%s", logPrefix, descriptor, len(frame), err.Error())
		return err
	}
	log.Printf("%s: %s: wrote %d bytes, header %X", logPrefix, descriptor, n, frame[0:headerLen])

	return nil
}

// invoked on arbiter goroutine
func writeWireData(logPrefix string, txid byte, connState *ConnState, messageStruct *m.Message) error {
	frame, err := encodeWireData(logPrefix, txid, connState.Descriptor(), messageStruct)
	if err != nil {
		return err
	}
	return writeFrame(logPrefix, connState, frame)
}

// invoked on ReadLoop goroutine
func readWireData(logPrefix string, rxidMap map[byte]struct{}, logDebug bool, connState *ConnState) (*m.Message, error) {
	descriptor := connState.Descriptor()
	conn := connState.Conn

	// first read seven bytes
	// 0 - pre-designated bit pattern indicating valid message
	// 1 - protocol version
	// 2 - sender id
	// 3,4,5,6 - payload length of type uint32, little endian byte order
	buf1 := make([]byte, headerLen)
	if logDebug {
		log.Printf("%s: %s: reading header bytes", logPrefix, descriptor)
	}
	n1, err := io.ReadFull(conn, buf1)
	if err != nil {
		log.Printf("%s: %s: failed to read header bytes, err=%s", logPrefix, descriptor, err.Error())
		return nil, err
	}

	// protocol specific sanity check
	if buf1[0] != protocolPattern {
		err = fmt.Errorf("%s: %s: invalid protocol pattern in header bytes %X", logPrefix, descriptor, buf1[:n1])
		log.Printf("%s", err.Error())
		return nil, err
	}
	if buf1[1] != protocolVersion {
		err = fmt.Errorf("%s: %s: unsupported protocol version in header bytes %X", logPrefix, descriptor, buf1[:n1])
		log.Printf("%s", err.Error())
		return nil, err
	}
	_, found := rxidMap[buf1[2]]
	if !found {
		err = fmt.Errorf("%s: %s: unrecognized sender id in header bytes %X", logPrefix, descriptor, buf1[:n1])
		log.Printf("%s", err.Error())
		return nil, err
	}

	payloadLen := binary.LittleEndian.Uint32(buf1[3:headerLen])
	if payloadLen > maxPayloadLen {
		err = fmt.Errorf("%s: %s: payloadLen=%d in header bytes %X is too large", logPrefix, descriptor, payloadLen, buf1[:n1])
		log.Printf("%s", err.Error())
		return nil, err
	}

	buf2 := make([]byte, payloadLen)
	n2, err := io.ReadFull(conn, buf2)
	if err != nil {
		log.Printf("%s: %s: failed to read payload bytes, err=%s", logPrefix, descriptor, err.Error())
		return nil, err
	}
	if logDebug {
		log.Printf("%s: %s: read %d payload bytes", logPrefix, descriptor, n2)
	}

	messageStruct := new(m.Message)
	err = msgpack.Unmarshal(buf2, messageStruct)
	if err != nil {
		log.Printf("%s: %s: failed to unmarshal payload bytes %X, err=%s", logPrefix, descriptor, buf2[:n2], err.Error())
		return nil, err
	}
	if logDebug {
		log.Printf("%s: %s: received messageStruct=%+v", logPrefix, descriptor, messageStruct)
	}

	return messageStruct, nil
}
