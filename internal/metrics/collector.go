// Package metrics exposes the core's statistics as Prometheus metrics.
// Component counters stay plain atomics; this collector adapts their
// snapshots at scrape time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/doublegate/wraith/internal/session"
	"github.com/doublegate/wraith/internal/transport"
	"github.com/doublegate/wraith/internal/transport/xdp"
)

const namespace = "wraith"

// Sources are the stats providers the collector scrapes. Nil fields are
// skipped, so partially assembled nodes (no XDP, no sessions yet) scrape
// cleanly.
type Sources struct {
	Transport *transport.UDPTransport
	XDP       *xdp.Socket
	Registry  *session.Registry
}

// Collector implements prometheus.Collector over the core's snapshots.
type Collector struct {
	sources Sources

	packetsSent     *prometheus.Desc
	packetsReceived *prometheus.Desc
	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc

	xdpRxPackets    *prometheus.Desc
	xdpTxPackets    *prometheus.Desc
	xdpRingFull     *prometheus.Desc
	xdpFillEmpty    *prometheus.Desc
	xdpInvalidDescs *prometheus.Desc
	xdpCompletions  *prometheus.Desc
	xdpWakeups      *prometheus.Desc

	activeSessions *prometheus.Desc
}

func NewCollector(sources Sources) *Collector {
	return &Collector{
		sources: sources,
		packetsSent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "packets_sent_total"),
			"Datagrams sent by the UDP transport.", nil, nil),
		packetsReceived: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "packets_received_total"),
			"Datagrams received by the UDP transport.", nil, nil),
		bytesSent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "bytes_sent_total"),
			"Bytes sent by the UDP transport.", nil, nil),
		bytesReceived: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transport", "bytes_received_total"),
			"Bytes received by the UDP transport.", nil, nil),
		xdpRxPackets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "xdp", "rx_packets_total"),
			"Packets received on the AF_XDP fast path.", nil, nil),
		xdpTxPackets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "xdp", "tx_packets_total"),
			"Packets transmitted on the AF_XDP fast path.", nil, nil),
		xdpRingFull: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "xdp", "ring_full_total"),
			"TX ring full events.", nil, nil),
		xdpFillEmpty: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "xdp", "fill_ring_empty_total"),
			"Fill ring empty events.", nil, nil),
		xdpInvalidDescs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "xdp", "invalid_descriptors_total"),
			"TX descriptors rejected by validation.", nil, nil),
		xdpCompletions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "xdp", "tx_completions_total"),
			"TX completions collected.", nil, nil),
		xdpWakeups: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "xdp", "wakeups_total"),
			"Kernel wakeup calls issued.", nil, nil),
		activeSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "active"),
			"Currently established secure sessions.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if t := c.sources.Transport; t != nil {
		s := t.Stats()
		ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(s.PacketsSent))
		ch <- prometheus.MustNewConstMetric(c.packetsReceived, prometheus.CounterValue, float64(s.PacketsReceived))
		ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent))
		ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(s.BytesReceived))
	}
	if x := c.sources.XDP; x != nil {
		s := x.Stats()
		ch <- prometheus.MustNewConstMetric(c.xdpRxPackets, prometheus.CounterValue, float64(s.RxPackets))
		ch <- prometheus.MustNewConstMetric(c.xdpTxPackets, prometheus.CounterValue, float64(s.TxPackets))
		ch <- prometheus.MustNewConstMetric(c.xdpRingFull, prometheus.CounterValue, float64(s.TxRingFull))
		ch <- prometheus.MustNewConstMetric(c.xdpFillEmpty, prometheus.CounterValue, float64(s.FillRingEmpty))
		ch <- prometheus.MustNewConstMetric(c.xdpInvalidDescs, prometheus.CounterValue, float64(s.InvalidDescs))
		ch <- prometheus.MustNewConstMetric(c.xdpCompletions, prometheus.CounterValue, float64(s.Completions))
		ch <- prometheus.MustNewConstMetric(c.xdpWakeups, prometheus.CounterValue, float64(s.Wakeups))
	}
	if r := c.sources.Registry; r != nil {
		ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(len(r.All())))
	}
}
