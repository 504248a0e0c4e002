// Package metrics exposes SLIQ's capacity-estimator and congestion-control
// introspection via Prometheus, the way the tcp-info exporters in the
// retrieval pack surface kernel TCP statistics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles SLIQ's gauges/counters. The facade's Tick sets
// SRTTMicros, RTOMicros, ChannelCapBps, TransportCapBps and
// CongestionWindow; RTTVarMicros, PacingRateBps, FECGroupOutcomes,
// PacketsAcked and PacketsLost are registered but not updated.
// Callers register it once with a prometheus.Registerer of their choosing
// (the demo command uses prometheus.DefaultRegisterer).
type Collectors struct {
	SRTTMicros       *prometheus.GaugeVec
	RTTVarMicros     *prometheus.GaugeVec
	RTOMicros        *prometheus.GaugeVec
	CongestionWindow *prometheus.GaugeVec
	PacingRateBps    *prometheus.GaugeVec
	ChannelCapBps    *prometheus.GaugeVec
	TransportCapBps  *prometheus.GaugeVec
	FECGroupOutcomes *prometheus.CounterVec
	PacketsAcked     *prometheus.CounterVec
	PacketsLost      *prometheus.CounterVec
}

// New constructs the collector set without registering it.
func New(namespace string) *Collectors {
	connLabels := []string{"endpoint_id"}
	streamLabels := []string{"endpoint_id", "stream_id"}
	return &Collectors{
		SRTTMicros: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "srtt_micros", Help: "smoothed RTT in microseconds",
		}, connLabels),
		RTTVarMicros: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rttvar_micros", Help: "RTT mean deviation in microseconds",
		}, connLabels),
		RTOMicros: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rto_micros", Help: "retransmission timeout in microseconds",
		}, connLabels),
		CongestionWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cwnd_bytes", Help: "congestion window in bytes",
		}, streamLabels),
		PacingRateBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pacing_rate_bps", Help: "congestion controller pacing rate",
		}, streamLabels),
		ChannelCapBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channel_capacity_bps", Help: "raw link capacity estimate including headers",
		}, connLabels),
		TransportCapBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_capacity_bps", Help: "payload-only capacity estimate",
		}, connLabels),
		FECGroupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fec_group_outcomes_total", Help: "FEC group completions by outcome",
		}, []string{"endpoint_id", "stream_id", "outcome"}),
		PacketsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_acked_total", Help: "packets acknowledged",
		}, streamLabels),
		PacketsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_lost_total", Help: "packets declared lost",
		}, streamLabels),
	}
}

// MustRegister registers every collector against reg, panicking on conflict
// (matching the corpus's common `prometheus.MustRegister` idiom).
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.SRTTMicros, c.RTTVarMicros, c.RTOMicros,
		c.CongestionWindow, c.PacingRateBps,
		c.ChannelCapBps, c.TransportCapBps,
		c.FECGroupOutcomes, c.PacketsAcked, c.PacketsLost,
	)
}
