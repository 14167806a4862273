// Package udpmetrics exposes Prometheus metrics for the UDP capacity
// measurement engine: per-connection sending-rate index, loss/ooo/dup
// totals, delay variation, RTT, and aggregate throughput.
package udpmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "udpcap"
	subsystem = "test"
)

// Label names for connection-scoped metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelLocalAddr = "local_addr"
	labelDirection = "direction"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Capacity-Test Metrics
// -------------------------------------------------------------------------

// Collector holds all capacity-test Prometheus metrics.
//
//   - SendingRateIndex tracks the rate-adjustment engine's current table
//     index per connection, for watching convergence live.
//   - RateMbps tracks the most recent sub-interval's L3 rate.
//   - Loss/Ooo/Dup are cumulative per-connection counters.
//   - DelayVariationMs and RTTMs are gauges of the most recent sample.
//   - ConnectionsActive tracks currently running connections.
type Collector struct {
	ConnectionsActive *prometheus.GaugeVec
	SendingRateIndex  *prometheus.GaugeVec
	RateMbps          *prometheus.GaugeVec
	Loss              *prometheus.CounterVec
	Ooo               *prometheus.CounterVec
	Dup               *prometheus.CounterVec
	DelayVariationMs  *prometheus.GaugeVec
	RTTMs             *prometheus.GaugeVec
	StatusPDUsLost    *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ConnectionsActive,
		c.SendingRateIndex,
		c.RateMbps,
		c.Loss,
		c.Ooo,
		c.Dup,
		c.DelayVariationMs,
		c.RTTMs,
		c.StatusPDUsLost,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	connLabels := []string{labelPeerAddr, labelLocalAddr, labelDirection}

	return &Collector{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of currently running capacity-test connections.",
		}, connLabels),

		SendingRateIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sending_rate_index",
			Help:      "Current sending-rate table index selected by the rate-adjustment engine.",
		}, connLabels),

		RateMbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_l3_mbps",
			Help:      "Most recent sub-interval's measured L3 throughput in Mbps.",
		}, connLabels),

		Loss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loss_total",
			Help:      "Cumulative datagram loss count.",
		}, connLabels),

		Ooo: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "out_of_order_total",
			Help:      "Cumulative out-of-order (reorder-tolerant) datagram count.",
		}, connLabels),

		Dup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicate_total",
			Help:      "Cumulative duplicate datagram count.",
		}, connLabels),

		DelayVariationMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delay_variation_ms",
			Help:      "Most recent one-way or round-trip delay variation sample, in milliseconds.",
		}, connLabels),

		RTTMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rtt_ms",
			Help:      "Most recent round-trip-time sample, in milliseconds.",
		}, connLabels),

		StatusPDUsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status_pdus_lost_total",
			Help:      "Total Status PDUs the receiving side never got, detected via sub-interval sequence gaps.",
		}, connLabels),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterConnection marks a connection as active.
func (c *Collector) RegisterConnection(peer, local netip.Addr, direction string) {
	c.ConnectionsActive.WithLabelValues(peer.String(), local.String(), direction).Inc()
}

// UnregisterConnection marks a connection as no longer active.
func (c *Collector) UnregisterConnection(peer, local netip.Addr, direction string) {
	c.ConnectionsActive.WithLabelValues(peer.String(), local.String(), direction).Dec()
}

// -------------------------------------------------------------------------
// Per-Sub-Interval Observations
// -------------------------------------------------------------------------

// SetSendingRateIndex records the rate-adjustment engine's current index.
func (c *Collector) SetSendingRateIndex(peer, local netip.Addr, direction string, idx int) {
	c.SendingRateIndex.WithLabelValues(peer.String(), local.String(), direction).Set(float64(idx))
}

// SetRateMbps records the most recent sub-interval's L3 rate.
func (c *Collector) SetRateMbps(peer, local netip.Addr, direction string, mbps float64) {
	c.RateMbps.WithLabelValues(peer.String(), local.String(), direction).Set(mbps)
}

// AddLoss/Ooo/Dup accumulate the sub-interval's sequence-error counts.
func (c *Collector) AddLoss(peer, local netip.Addr, direction string, n int) {
	c.Loss.WithLabelValues(peer.String(), local.String(), direction).Add(float64(n))
}

func (c *Collector) AddOoo(peer, local netip.Addr, direction string, n int) {
	c.Ooo.WithLabelValues(peer.String(), local.String(), direction).Add(float64(n))
}

func (c *Collector) AddDup(peer, local netip.Addr, direction string, n int) {
	c.Dup.WithLabelValues(peer.String(), local.String(), direction).Add(float64(n))
}

// SetDelayVariationMs records the most recent delay-variation sample.
func (c *Collector) SetDelayVariationMs(peer, local netip.Addr, direction string, ms float64) {
	c.DelayVariationMs.WithLabelValues(peer.String(), local.String(), direction).Set(ms)
}

// SetRTTMs records the most recent RTT sample.
func (c *Collector) SetRTTMs(peer, local netip.Addr, direction string, ms float64) {
	c.RTTMs.WithLabelValues(peer.String(), local.String(), direction).Set(ms)
}

// IncStatusPDUsLost increments the lost Status PDU counter.
func (c *Collector) IncStatusPDUsLost(peer, local netip.Addr, direction string) {
	c.StatusPDUsLost.WithLabelValues(peer.String(), local.String(), direction).Inc()
}
