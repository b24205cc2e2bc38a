package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the broker-level counters and gauges a caller can register
// against its own prometheus.Registerer. A nil *Metrics is safe to call
// methods on: every method no-ops when the receiver is nil.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	packetsIn           *prometheus.CounterVec
	packetsOut          *prometheus.CounterVec
	publishesFannedOut  prometheus.Counter
	oversizePacketsDrop prometheus.Counter
	retainedMessages    prometheus.Gauge
}

// NewMetrics creates the broker's collectors and registers them against reg.
// Pass nil to skip registration; the returned Metrics still accumulates
// counts in memory but exposes nothing.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt", Subsystem: "broker", Name: "connections_accepted_total",
			Help: "Total TCP connections accepted by the listener.",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt", Subsystem: "broker", Name: "connections_rejected_total",
			Help: "Total CONNECT attempts rejected before reaching Connected state.",
		}),
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqtt", Subsystem: "broker", Name: "packets_in_total",
			Help: "Total control packets received, by packet type.",
		}, []string{"type"}),
		packetsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqtt", Subsystem: "broker", Name: "packets_out_total",
			Help: "Total control packets written, by packet type.",
		}, []string{"type"}),
		publishesFannedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt", Subsystem: "broker", Name: "publishes_fanned_out_total",
			Help: "Total PUBLISH deliveries made to subscribers.",
		}),
		oversizePacketsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqtt", Subsystem: "broker", Name: "oversize_packets_dropped_total",
			Help: "Total packets dropped for exceeding MaxPacketSize.",
		}),
		retainedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqtt", Subsystem: "broker", Name: "retained_messages",
			Help: "Current count of retained messages held by the broker.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsAccepted,
			m.connectionsRejected,
			m.packetsIn,
			m.packetsOut,
			m.publishesFannedOut,
			m.oversizePacketsDrop,
			m.retainedMessages,
		)
	}

	return m
}

func (m *Metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
}

func (m *Metrics) connectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) packetIn(packetType string) {
	if m == nil {
		return
	}
	m.packetsIn.WithLabelValues(packetType).Inc()
}

func (m *Metrics) packetOut(packetType string) {
	if m == nil {
		return
	}
	m.packetsOut.WithLabelValues(packetType).Inc()
}

func (m *Metrics) publishFannedOut() {
	if m == nil {
		return
	}
	m.publishesFannedOut.Inc()
}

func (m *Metrics) oversizePacketDropped() {
	if m == nil {
		return
	}
	m.oversizePacketsDrop.Inc()
}

func (m *Metrics) setRetainedCount(n float64) {
	if m == nil {
		return
	}
	m.retainedMessages.Set(n)
}
