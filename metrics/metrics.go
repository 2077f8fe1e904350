package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InboundLinks          = promauto.NewGauge(prometheus.GaugeOpts{Name: "hybrid_inbound_links", Help: "Established inbound links"})
	OutboundLinks         = promauto.NewGauge(prometheus.GaugeOpts{Name: "hybrid_outbound_links", Help: "Established outbound links, zero or one"})
	PendingHandshakes     = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "hybrid_pending_handshakes", Help: "Unresolved handshakes by direction"}, []string{"direction"})
	HandshakeTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "hybrid_handshake_timeout_total", Help: "Handshakes aborted on timeout"})
	ConnectRejectedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hybrid_connect_rejected_total", Help: "Connect requests rejected by reason"}, []string{"reason"})
	MessagesSentTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hybrid_messages_sent_total", Help: "Messages queued to links by delivery method"}, []string{"method"})
	MessagesDroppedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "hybrid_messages_dropped_total", Help: "Messages dropped on a full dispatch queue"})
	MessagesReclaimTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hybrid_messages_reclaimed_total", Help: "Unsent messages returned to the pool by path"}, []string{"path"})
	NotConnectedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hybrid_not_connected_total", Help: "Operations attempted without a server link"}, []string{"op"})
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
