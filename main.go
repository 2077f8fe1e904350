package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Meander-Cloud/go-hybrid/config"
	m "github.com/Meander-Cloud/go-hybrid/message"
	"github.com/Meander-Cloud/go-hybrid/node"
	"github.com/Meander-Cloud/go-hybrid/peer"
)

type UserCallback struct {
	LogPrefix string
}

func (uc *UserCallback) StatusChanged(changed *peer.StatusChanged) {
	log.Printf(
		"%s: StatusChanged: link=%s, status=%s, reason=%s, time=%s",
		uc.LogPrefix,
		changed.Link,
		changed.Status,
		changed.Reason,
		changed.Time.Format(time.RFC3339),
	)
}

func (uc *UserCallback) Received(received *peer.Received) {
	log.Printf(
		"%s: Received: link=%s, peer=%s, method=%s, channel=%d, data=%s",
		uc.LogPrefix,
		received.Link,
		func() string {
			participant := received.Link.Peer()
			if participant == nil {
				return "<nil>"
			}
			return participant.ID()
		}(),
		received.Payload.Method,
		received.Payload.Channel,
		string(received.Payload.Data),
	)
}

// instance 1 listens only, instances 2 and 3 dial instance 1 and broadcast
// to whoever is linked
func test1() {
	if len(os.Args) <= 1 {
		log.Printf("test1: must specify instance 1/2/3")
		return
	}

	instance := os.Args[1]
	c := &config.Config{
		Host:               "",
		Instance:           instance,
		EventChannelLength: 256,

		SelfAddress:          "",
		TcpKeepAliveInterval: 17,
		TcpKeepAliveCount:    2,
		TcpDialTimeout:       3,
		TcpReconnectInterval: 5,
		TcpReconnectLogEvery: 12,

		HandshakeTimeout:   5,
		MaximumConnections: 8,

		MetricsAddress: "",

		LogPrefix: "test1",
		LogDebug:  false,
	}

	serverAddress := ""
	switch instance {
	case "1":
		c.Host = "A"
		c.SelfAddress = "localhost:8911"
		c.MetricsAddress = "localhost:9911"
	case "2":
		c.Host = "B"
		c.SelfAddress = "localhost:8912"
		serverAddress = "localhost:8911"
	case "3":
		c.Host = "C"
		c.SelfAddress = "localhost:8913"
		serverAddress = "localhost:8911"
	default:
		log.Printf("test1: must specify instance 1/2/3")
		return
	}

	n, err := node.NewNode(
		c,
		&UserCallback{
			LogPrefix: "test1",
		},
	)
	if err != nil {
		panic(err)
	}

	coordinator := n.Coordinator()
	if serverAddress != "" {
		coordinator.Connect(serverAddress, []byte(c.Host))
	}

	ticker := time.NewTicker(time.Second * 3)
	defer ticker.Stop()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)

	var seq uint64
	for {
		select {
		case <-ticker.C:
			seq++
			msg := n.CreateMessage()
			msg.Write([]byte(fmt.Sprintf("%s#%d", c.Host, seq)))
			coordinator.BroadcastAll(msg, m.DeliveryMethodReliableOrdered)
			log.Printf("test1: %s", n)
		case sig := <-sigch:
			log.Printf("test1: received signal %s, exiting", sig.String())
			n.Shutdown()
			return
		}
	}
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	test1()
}
