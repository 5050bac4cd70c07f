// Package busmetrics exposes Prometheus metrics for the bus daemon's
// session core, route table, name-discovery cache, and advertise/discover
// registries.
package busmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "busd"
	subsystem = "bus"
)

// Label names.
const (
	labelTransport = "transport"
)

// Collector holds every Prometheus metric the bus core exposes.
type Collector struct {
	// Sessions tracks the number of live (id != 0) session-map entries.
	Sessions prometheus.Gauge

	// BindReservations tracks the number of outstanding bind reservations
	// (id == 0 entries).
	BindReservations prometheus.Gauge

	// Routes tracks the number of installed route-table entries.
	Routes prometheus.Gauge

	// VirtualEndpoints tracks the number of live virtual endpoints.
	VirtualEndpoints prometheus.Gauge

	// B2BLinks tracks the number of live bus-to-bus links.
	B2BLinks prometheus.Gauge

	// JoinAttempts counts JoinSession calls, labeled by resulting reply
	// code.
	JoinAttempts *prometheus.CounterVec

	// JoinDuration observes wall-clock latency of JoinSession.
	JoinDuration prometheus.Histogram

	// NameDiscoveryRecords tracks the number of live name-discovery map
	// records.
	NameDiscoveryRecords prometheus.Gauge

	// NameDiscoveryExpirations counts records reaped by the TTL reaper.
	NameDiscoveryExpirations prometheus.Counter

	// AdvertisedNames tracks the number of distinct (name, owner)
	// advertise-map entries, labeled by transport.
	AdvertisedNames *prometheus.GaugeVec

	// B2BLoss counts bus-to-bus link loss events.
	B2BLoss prometheus.Counter
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
 reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
 c.Sessions,
 c.BindReservations,
 c.Routes,
 c.VirtualEndpoints,
 c.B2BLinks,
 c.JoinAttempts,
 c.JoinDuration,
 c.NameDiscoveryRecords,
 c.NameDiscoveryExpirations,
 c.AdvertisedNames,
 c.B2BLoss,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
 Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "sessions", Help: "Number of live session-map entries with id != 0.",
 }),
 BindReservations: prometheus.NewGauge(prometheus.GaugeOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "bind_reservations", Help: "Number of outstanding bind reservations.",
 }),
 Routes: prometheus.NewGauge(prometheus.GaugeOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "routes", Help: "Number of installed route-table entries.",
 }),
 VirtualEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "virtual_endpoints", Help: "Number of live virtual endpoints.",
 }),
 B2BLinks: prometheus.NewGauge(prometheus.GaugeOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "b2b_links", Help: "Number of live bus-to-bus links.",
 }),
 JoinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "join_attempts_total", Help: "Total JoinSession calls by reply code.",
 }, []string{"reply"}),
 JoinDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "join_duration_seconds", Help: "JoinSession wall-clock latency.",
 Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
 }),
 NameDiscoveryRecords: prometheus.NewGauge(prometheus.GaugeOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "name_discovery_records", Help: "Number of live name-discovery map records.",
 }),
 NameDiscoveryExpirations: prometheus.NewCounter(prometheus.CounterOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "name_discovery_expirations_total", Help: "Total name-discovery records reaped by TTL.",
 }),
 AdvertisedNames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "advertised_names", Help: "Number of (name, owner) advertise-map entries.",
 }, []string{labelTransport}),
 B2BLoss: prometheus.NewCounter(prometheus.CounterOpts{
 Namespace: namespace, Subsystem: subsystem,
 Name: "b2b_loss_total", Help: "Total bus-to-bus link loss events.",
 }),
	}
}

// ObserveJoin records the outcome and latency of one JoinSession call.
func (c *Collector) ObserveJoin(reply string, seconds float64) {
	c.JoinAttempts.WithLabelValues(reply).Inc()
	c.JoinDuration.Observe(seconds)
}

// RecordB2BLoss increments the b2b-loss counter.
func (c *Collector) RecordB2BLoss() {
	c.B2BLoss.Inc()
}

// RecordNameExpired increments the name-discovery expiration counter.
func (c *Collector) RecordNameExpired() {
	c.NameDiscoveryExpirations.Inc()
}
