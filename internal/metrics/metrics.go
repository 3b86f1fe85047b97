// Package metrics provides prometheus collectors for voice sessions and the Fx module serving them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice"

// Voice collects counters for the voice transport. A nil *Voice is valid and
// records nothing, which keeps call sites free of checks.
type Voice struct {
	packetsSent       prometheus.Counter
	sendFailures      prometheus.Counter
	heartbeatsSent    prometheus.Counter
	heartbeatRTT      prometheus.Gauge
	handshakeDuration prometheus.Histogram
	handshakeFailures *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	underruns         prometheus.Counter
	playbackStops     *prometheus.CounterVec
}

// NewVoice registers the voice collectors with reg.
func NewVoice(reg prometheus.Registerer) *Voice {
	factory := promauto.With(reg)

	return &Voice{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Media packets written to the UDP socket.",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_send_failures_total",
			Help:      "Media packets that failed to send.",
		}),
		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats sent on the control channel.",
		}),
		heartbeatRTT: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Round trip time of the last acknowledged heartbeat.",
		}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from dialing the control channel to receiving the session description.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Failed handshakes by stage.",
		}, []string{"stage"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Voice sessions currently connected.",
		}),
		underruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_underruns_total",
			Help:      "Empty or short reads from an audio source.",
		}),
		playbackStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_stops_total",
			Help:      "Finished playbacks by reason.",
		}, []string{"reason"}),
	}
}

// PacketSent counts a media packet written to the socket.
func (m *Voice) PacketSent() {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
}

// SendFailed counts a media packet the socket rejected.
func (m *Voice) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// HeartbeatSent counts a heartbeat sent on the control channel.
func (m *Voice) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

// HeartbeatAcked records the round trip time of an acknowledged heartbeat.
func (m *Voice) HeartbeatAcked(rtt time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatRTT.Set(rtt.Seconds())
}

// HandshakeCompleted records how long a session took to become ready.
func (m *Voice) HandshakeCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.handshakeDuration.Observe(d.Seconds())
}

// HandshakeFailed counts a failed handshake at the given stage.
func (m *Voice) HandshakeFailed(stage string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(stage).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Voice) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Voice) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// Underrun counts a read that came back short of a full frame.
func (m *Voice) Underrun() {
	if m == nil {
		return
	}
	m.underruns.Inc()
}

// PlaybackStopped counts a finished playback by stop reason.
func (m *Voice) PlaybackStopped(reason string) {
	if m == nil {
		return
	}
	m.playbackStops.WithLabelValues(reason).Inc()
}
