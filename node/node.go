package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Meander-Cloud/go-hybrid/arbiter"
	"github.com/Meander-Cloud/go-hybrid/config"
	"github.com/Meander-Cloud/go-hybrid/hybrid"
	m "github.com/Meander-Cloud/go-hybrid/message"
	"github.com/Meander-Cloud/go-hybrid/net/tcp"
	"github.com/Meander-Cloud/go-hybrid/peer"
)

const metricsShutdownTimeout = time.Second * 3

// Node wires a listening transport, the peer engine and a coordinator for one
// hybrid peer.
type Node struct {
	c               *config.Config
	a               *arbiter.Arbiter
	selfParticipant *m.Participant
	selfID          string

	engine      *peer.Engine
	transport   *tcp.Transport
	coordinator *hybrid.Coordinator

	metricsServer *http.Server
}

// NewNode starts listening on c.SelfAddress. cb is optional.
func NewNode(c *config.Config, cb peer.Callback) (*Node, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	selfParticipant := &m.Participant{
		Host:     c.Host,
		Instance: c.Instance,
		Time:     time.Now().UTC().UnixMilli(),
	}

	n := &Node{
		c:               c,
		a:               arbiter.NewArbiter(c),
		selfParticipant: selfParticipant,
		selfID:          selfParticipant.ID(),

		engine:      nil,
		transport:   nil,
		coordinator: nil,

		metricsServer: nil,
	}

	defer func() {
		if err != nil {
			n.Shutdown() // wait
		}
	}()

	n.engine, err = peer.NewEngine(
		&peer.Options{
			Config:          c,
			Arbiter:         n.a,
			Callback:        cb,
			SelfParticipant: n.selfParticipant,
			SelfID:          n.selfID,
		},
	)
	if err != nil {
		return nil, err
	}

	n.transport, err = tcp.NewTransport(
		c,
		n.a,
		n.engine,
		n.selfParticipant,
		n.selfID,
	)
	if err != nil {
		return nil, err
	}
	n.engine.SetDialer(n.transport)

	n.coordinator = hybrid.NewCoordinator(n.engine)

	if c.MetricsAddress != "" {
		n.startMetricsServer(c.MetricsAddress)
	}

	log.Printf("%s: %s listening on %s", c.LogPrefix, n.selfID, c.SelfAddress)
	return n, nil
}

func (n *Node) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(n.coordinator.Describe()))
	})

	n.metricsServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		err := n.metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("%s: metrics server on %s failed, err=%s", n.c.LogPrefix, addr, err.Error())
		}
	}()
}

func (n *Node) Coordinator() *hybrid.Coordinator {
	return n.coordinator
}

func (n *Node) Engine() *peer.Engine {
	return n.engine
}

func (n *Node) SelfID() string {
	return n.selfID
}

func (n *Node) CreateMessage() *m.Outgoing {
	return n.engine.CreateMessage()
}

func (n *Node) String() string {
	return fmt.Sprintf("%s%s", n.selfID, n.coordinator)
}

func (n *Node) Shutdown() {
	if n.engine != nil {
		n.engine.Shutdown("node shutdown")
	}

	if n.transport != nil {
		n.transport.Shutdown() // wait
	}

	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		err := n.metricsServer.Shutdown(ctx)
		if err != nil {
			log.Printf("%s: metrics server shutdown, err=%s", n.c.LogPrefix, err.Error())
		}
	}

	if n.a != nil {
		n.a.Shutdown() // wait
	}
}
