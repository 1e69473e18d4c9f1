package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *poolMetrics
)

type poolMetrics struct {
	peerCount  *prometheus.GaugeVec
	peerScore  *prometheus.GaugeVec
	handshakes *prometheus.CounterVec
	packets    *prometheus.CounterVec
	closes     *prometheus.CounterVec

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	packetCounter    metric.Int64Counter
}

func newPoolMetrics() *poolMetrics {
	metricsInitOnce.Do(func() {
		pm := &poolMetrics{
			peerCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "opendex_p2p_peers",
				Help: "Connected peers by direction.",
			}, []string{"direction"}),
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "opendex_p2p_node_reputation",
				Help: "Reputation score per node.",
			}, []string{"node"}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "opendex_p2p_handshakes_total",
				Help: "Handshake outcomes.",
			}, []string{"result"}),
			packets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "opendex_p2p_packets_total",
				Help: "Packets by direction and type.",
			}, []string{"direction", "type"}),
			closes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "opendex_p2p_peer_closes_total",
				Help: "Peer closures by disconnection reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(pm.peerCount, pm.peerScore, pm.handshakes, pm.packets, pm.closes)
		pm.initMeter()
		sharedMetrics = pm
	})
	return sharedMetrics
}

func (m *poolMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("opendexd/p2p")
	handshakes, err := meter.Int64Counter("opendex.p2p.handshakes")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("opendexd/p2p")
		handshakes, _ = meter.Int64Counter("opendex.p2p.handshakes")
	}
	packets, err := meter.Int64Counter("opendex.p2p.packets")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("opendexd/p2p")
		packets, _ = meter.Int64Counter("opendex.p2p.packets")
	}
	m.meter = meter
	m.handshakeCounter = handshakes
	m.packetCounter = packets
}

func (m *poolMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakes.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *poolMetrics) recordPacket(direction string, t PacketType) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(direction, t.String()).Inc()
	if m.packetCounter != nil {
		m.packetCounter.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", t.String())))
	}
}

func (m *poolMetrics) recordClose(reason *DisconnectionReason) {
	if m == nil {
		return
	}
	label := "none"
	if reason != nil {
		label = reason.String()
	}
	m.closes.WithLabelValues(label).Inc()
}

func (m *poolMetrics) observePeerCounts(inbound, outbound int) {
	if m == nil {
		return
	}
	m.peerCount.WithLabelValues("inbound").Set(float64(inbound))
	m.peerCount.WithLabelValues("outbound").Set(float64(outbound))
}

func (m *poolMetrics) observeReputation(pubKey string, score int64) {
	if m == nil || pubKey == "" {
		return
	}
	m.peerScore.WithLabelValues(pubKey).Set(float64(score))
}

func (m *poolMetrics) forgetNode(pubKey string) {
	if m == nil || pubKey == "" {
		return
	}
	m.peerScore.DeleteLabelValues(pubKey)
}
