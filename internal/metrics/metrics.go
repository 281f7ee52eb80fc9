// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsInTotal counts ingress datagrams by kind (head / fragment).
	PacketsInTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_packets_in_total",
			Help: "Total number of ingress datagrams",
		},
		[]string{"kind"},
	)

	// PacketsDroppedTotal counts drops by reason.
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_packets_dropped_total",
			Help: "Total number of dropped packets",
		},
		[]string{"reason"},
	)

	// PacketsRelayedTotal counts packets and fragments relayed for third
	// parties.
	PacketsRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_packets_relayed_total",
			Help: "Total number of relayed packets and fragments",
		},
	)

	// FramesOutTotal counts Ethernet frames accepted from the tap by
	// disposition (unicast / multicast / echo).
	FramesOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_frames_out_total",
			Help: "Total number of tap frames encapsulated",
		},
		[]string{"disposition"},
	)

	// DefragActiveEntries tracks packets awaiting reassembly.
	DefragActiveEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_defrag_active_entries",
			Help: "Number of incomplete fragmented packets held for reassembly",
		},
	)

	// WhoisOutstanding tracks unresolved identity requests.
	WhoisOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_whois_outstanding",
			Help: "Number of outstanding WHOIS requests",
		},
	)

	// TxQueueLength tracks packets parked waiting for peer resolution.
	TxQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_tx_queue_length",
			Help: "Number of packets queued pending a usable peer",
		},
	)

	// RxQueueLength tracks received packets with a blocked decode.
	RxQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_rx_queue_length",
			Help: "Number of received packets waiting on peer resolution",
		},
	)

	// RendezvousSentTotal counts NAT traversal introductions sent.
	RendezvousSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_rendezvous_sent_total",
			Help: "Total number of RENDEZVOUS introductions emitted",
		},
	)

	// UniteThrottledTotal counts introductions suppressed by the pair
	// throttle.
	UniteThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_unite_throttled_total",
			Help: "Total number of rendezvous introductions suppressed by throttling",
		},
	)

	// PeerAnomaliesTotal counts per-peer crypto failures (bad MAC, bad
	// signature, failed decrypt).
	PeerAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weft_peer_anomalies_total",
			Help: "Total number of cryptographic failures attributed to a peer",
		},
		[]string{"peer", "kind"},
	)

	// DispatchDropsTotal counts datagrams dropped at the ingress
	// dispatcher because a partition queue was full.
	DispatchDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weft_dispatch_drops_total",
			Help: "Total number of datagrams dropped by the ingress dispatcher",
		},
	)

	// TopologyPeers tracks the in-memory peer count.
	TopologyPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_topology_peers",
			Help: "Number of peers currently in memory",
		},
	)

	// TopologyPaths tracks the canonical path count.
	TopologyPaths = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weft_topology_paths",
			Help: "Number of canonical physical paths",
		},
	)
)
