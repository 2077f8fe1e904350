package tcp

import (
	"fmt"
	"log"
	"sync"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-hybrid/arbiter"
	"github.com/Meander-Cloud/go-hybrid/config"
	m "github.com/Meander-Cloud/go-hybrid/message"
	tp "github.com/Meander-Cloud/go-hybrid/net/tcp/protocol"
)

type ServerStruct struct {
	protocol  *tp.Server
	tcpServer *tcp.TcpServer
}

type ClientStruct struct {
	protocol  *tp.Client
	tcpClient *tcp.TcpClient
}

// Transport owns the listening server and the tcp client behind each outbound dial.
type Transport struct {
	c      *config.Config
	server *ServerStruct

	mutex     sync.Mutex
	clientMap map[*tp.Client]*ClientStruct
	hangupwg  sync.WaitGroup
}

// NewOptions resolves go-transport options for address from c.
func NewOptions(c *config.Config, address string, logPrefix string) *tcp.Options {
	return &tcp.Options{
		Address:           address,
		KeepAliveInterval: c.GetTcpKeepAliveInterval(),
		KeepAliveCount:    c.GetTcpKeepAliveCount(),
		DialTimeout:       c.GetTcpDialTimeout(),
		ReconnectInterval: c.GetTcpReconnectInterval(),
		ReconnectLogEvery: c.GetTcpReconnectLogEvery(),
		Protocol:          nil,
		LogPrefix:         logPrefix,
		LogDebug:          c.LogDebug,
	}
}

func NewTransport(
	c *config.Config,
	a *arbiter.Arbiter,
	sh tp.ServerHandler,
	selfParticipant *m.Participant,
	selfID string,
) (*Transport, error) {
	t := &Transport{
		c: c,
		server: &ServerStruct{
			protocol:  nil,
			tcpServer: nil,
		},
		mutex:     sync.Mutex{},
		clientMap: make(map[*tp.Client]*ClientStruct),
	}

	var err error
	defer func() {
		if err != nil {
			t.Shutdown() // wait
		}
	}()

	t.server.protocol, err = tp.NewServer(
		&tp.ServerOptions{
			Options:       NewOptions(c, c.SelfAddress, fmt.Sprintf("%s-Server", c.LogPrefix)),
			Arbiter:       a,
			ServerHandler: sh,
			Txid:          tp.ServerSenderID,
			RxidMap: map[byte]struct{}{
				tp.ClientSenderID: {},
			},
			SelfParticipant: selfParticipant,
			SelfID:          selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	t.server.protocol.Options().Protocol = t.server.protocol

	t.server.tcpServer, err = tcp.NewTcpServer(t.server.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// Dial starts a tcp client serving client; go-transport keeps redialing until Hangup.
func (t *Transport) Dial(client *tp.Client) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	_, found := t.clientMap[client]
	if found {
		err := fmt.Errorf("%s: already dialing address=%s", t.c.LogPrefix, client.Address())
		log.Printf("%s", err.Error())
		return err
	}

	client.Options().Protocol = client

	tcpClient, err := tcp.NewTcpClient(client.Options().Options)
	if err != nil {
		return err
	}

	t.clientMap[client] = &ClientStruct{
		protocol:  client,
		tcpClient: tcpClient,
	}
	return nil
}

// Hangup closes client and shuts its tcp client down in the background.
func (t *Transport) Hangup(client *tp.Client) {
	client.Close()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	cs, found := t.clientMap[client]
	if !found {
		log.Printf("%s: address=%s not dialed", t.c.LogPrefix, client.Address())
		return
	}
	delete(t.clientMap, client)

	// may be invoked from the client's own ReadLoop, so never wait here
	t.hangupwg.Add(1)
	go func() {
		defer t.hangupwg.Done()
		cs.tcpClient.Shutdown() // wait
	}()
}

func (t *Transport) Shutdown() {
	if t.server != nil &&
		t.server.tcpServer != nil {
		t.server.tcpServer.Shutdown() // wait
	}

	var clients []*ClientStruct
	func() {
		t.mutex.Lock()
		defer t.mutex.Unlock()

		for key, cs := range t.clientMap {
			clients = append(clients, cs)
			delete(t.clientMap, key)
		}
	}()

	for _, cs := range clients {
		cs.protocol.Close()
		cs.tcpClient.Shutdown() // wait
	}

	t.hangupwg.Wait()
}

func (t *Transport) Server() *tp.Server {
	return t.server.protocol
}
