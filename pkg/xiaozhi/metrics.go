package xiaozhi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported on xiaozhi_packets_dropped_total.
const (
	dropShortPacket = "short_packet"
	dropDecode      = "decode_error"
	dropEncode      = "encode_error"
	dropSend        = "send_error"
	dropCapture     = "capture_error"
	dropReceive     = "receive_error"
	dropPlayback    = "playback_error"
)

// Metrics counts data-plane activity. A nil *Metrics records nothing.
type Metrics struct {
	uplinkPackets   prometheus.Counter
	downlinkPackets prometheus.Counter
	dropped         *prometheus.CounterVec
	evictions       prometheus.Counter
	underruns       prometheus.Counter
	sessions        prometheus.Counter
	streaming       prometheus.Gauge
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		uplinkPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_uplink_packets_total",
			Help: "Encrypted audio packets sent to the server.",
		}),
		downlinkPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_downlink_packets_total",
			Help: "Audio packets received and decoded.",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xiaozhi_packets_dropped_total",
			Help: "Frames or packets dropped, by reason.",
		}, []string{"reason"}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_jitter_evictions_total",
			Help: "Frames evicted from a full jitter buffer.",
		}),
		underruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_playback_underruns_total",
			Help: "Playback ticks filled with silence.",
		}),
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "xiaozhi_sessions_total",
			Help: "Sessions started.",
		}),
		streaming: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xiaozhi_session_streaming",
			Help: "1 while a session is streaming.",
		}),
	}
}

func (m *Metrics) uplinkSent() {
	if m != nil {
		m.uplinkPackets.Inc()
	}
}

func (m *Metrics) downlinkReceived() {
	if m != nil {
		m.downlinkPackets.Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) underrun() {
	if m != nil {
		m.underruns.Inc()
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.sessions.Inc()
		m.streaming.Set(1)
	}
}

func (m *Metrics) sessionStopped() {
	if m != nil {
		m.streaming.Set(0)
	}
}
