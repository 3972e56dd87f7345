// Package metrics provides Prometheus metrics for the event bus, the network
// bridge and the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as label values.
const (
	ReasonQueueFull    = "queue_full"
	ReasonDisconnected = "disconnected"
	ReasonUnknownType  = "unknown_type"
	ReasonDecode       = "decode"
	ReasonEncode       = "encode"
	ReasonInboundFull  = "inbound_full"
	ReasonSendFailed   = "send_failed"
	ReasonNoBackend    = "no_backend"
	ReasonTargetAbsent = "target_unknown"
)

// Metrics holds all Prometheus metrics for one process.
type Metrics struct {
	// Bus metrics
	EventsPublished prometheus.Counter
	Dispatches      prometheus.Counter
	EventsInjected  prometheus.Counter

	// Bridge metrics
	NetSubmitted  prometheus.Counter
	NetSent       prometheus.Counter
	NetReceived   prometheus.Counter
	NetDropped    *prometheus.CounterVec
	SequenceGaps  prometheus.Counter
	OutboundQueue prometheus.Gauge
	Reconnects    prometheus.Counter
	BackendState  prometheus.Gauge

	// Relay metrics
	RelayConnections  prometheus.Gauge
	RelayHandshakes   *prometheus.CounterVec
	RelayRouted       *prometheus.CounterVec
	RelayDropped      *prometheus.CounterVec
	RelayPruned       prometheus.Counter
	RelayRouteLatency prometheus.Histogram
	RelayBatchSize    prometheus.Histogram
}

// DefaultMetrics registers on the default Prometheus registry.
var DefaultMetrics = NewMetrics("eventnet", prometheus.DefaultRegisterer)

// NewMetrics creates a new Metrics instance with the given namespace, registered on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total number of events published on the local bus",
		}),
		Dispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dispatches_total",
			Help:      "Total number of dispatch cycles",
		}),
		EventsInjected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_injected_total",
			Help:      "Total number of remote events injected into the local bus",
		}),

		NetSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "submitted_total",
			Help:      "Total number of networked events accepted into the outbound queue",
		}),
		NetSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sent_total",
			Help:      "Total number of networked events handed to the backend",
		}),
		NetReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "received_total",
			Help:      "Total number of raw events received from the backend",
		}),
		NetDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "dropped_total",
			Help:      "Networked events dropped at the bridge by reason",
		}, []string{"reason"}),
		SequenceGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sequence_gaps_total",
			Help:      "Total number of per-sender sequence gaps observed on inbound events",
		}),
		OutboundQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "outbound_queue_length",
			Help:      "Current number of networked events waiting in the outbound queue",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "reconnects_total",
			Help:      "Total number of backend reconnection attempts",
		}),
		BackendState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "backend_state",
			Help:      "Backend connection state (0 disconnected, 1 connecting, 2 connected)",
		}),

		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Current number of registered relay connections",
		}),
		RelayHandshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "handshakes_total",
			Help:      "Relay handshakes by result",
		}, []string{"result"}),
		RelayRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "routed_total",
			Help:      "Events routed by the relay by scope",
		}, []string{"scope"}),
		RelayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Per-peer deliveries dropped by the relay by reason",
		}, []string{"reason"}),
		RelayPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pruned_total",
			Help:      "Total number of stale relay connections pruned",
		}),
		RelayRouteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "route_latency_seconds",
			Help:      "Time spent routing one inbound frame",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
		RelayBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "batch_size",
			Help:      "Number of events per inbound frame",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
	}
}

// RecordDrop counts a dropped networked event at the bridge.
func (m *Metrics) RecordDrop(reason string) {
	m.NetDropped.WithLabelValues(reason).Inc()
}

// RecordRoute records one routed relay frame.
func (m *Metrics) RecordRoute(scope string, events int, duration time.Duration) {
	m.RelayRouted.WithLabelValues(scope).Add(float64(events))
	m.RelayRouteLatency.Observe(duration.Seconds())
}

// RecordHandshake counts a relay handshake outcome.
func (m *Metrics) RecordHandshake(result string) {
	m.RelayHandshakes.WithLabelValues(result).Inc()
}

// Or returns m, or DefaultMetrics when m is nil.
func Or(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics
	}
	return m
}
