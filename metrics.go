package avenc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the session's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	framesSubmitted prometheus.Counter
	packetsWritten  *prometheus.CounterVec // target, kind
	bytesWritten    *prometheus.CounterVec // target, kind
	encodeErrors    *prometheus.CounterVec // kind
	abandoned       prometheus.Counter
	keyframes       *prometheus.CounterVec // reason
	ptsAdjustments  *prometheus.CounterVec // adjustment
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avenc",
			Name:      "frames_submitted_total",
			Help:      "Video frames submitted for encoding.",
		}),
		packetsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avenc",
			Name:      "packets_written_total",
			Help:      "Packets written per mux target.",
		}, []string{"target", "kind"}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avenc",
			Name:      "bytes_written_total",
			Help:      "Payload bytes written per mux target.",
		}, []string{"target", "kind"}),
		encodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avenc",
			Name:      "encode_errors_total",
			Help:      "Frames rejected by a codec session.",
		}, []string{"kind"}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avenc",
			Name:      "targets_abandoned_total",
			Help:      "Mux targets dropped after a write failure.",
		}),
		keyframes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avenc",
			Name:      "keyframes_forced_total",
			Help:      "Keyframes forced by drift snaps, sinks or callers.",
		}, []string{"reason"}),
		ptsAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avenc",
			Name:      "pts_adjustments_total",
			Help:      "Wall-clock drift corrections applied to video timestamps.",
		}, []string{"adjustment"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.framesSubmitted, m.packetsWritten, m.bytesWritten,
		m.encodeErrors, m.abandoned, m.keyframes, m.ptsAdjustments,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) frameSubmitted() {
	if m != nil {
		m.framesSubmitted.Inc()
	}
}

func (m *Metrics) packetWritten(target string, kind MediaKind, size int) {
	if m == nil {
		return
	}
	m.packetsWritten.WithLabelValues(target, kind.String()).Inc()
	m.bytesWritten.WithLabelValues(target, kind.String()).Add(float64(size))
}

func (m *Metrics) encodeError(kind MediaKind) {
	if m != nil {
		m.encodeErrors.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) targetAbandoned() {
	if m != nil {
		m.abandoned.Inc()
	}
}

func (m *Metrics) keyframeForced(reason string) {
	if m != nil {
		m.keyframes.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ptsAdjusted(adj Adjustment) {
	if m == nil {
		return
	}
	switch adj {
	case AdjustNudge:
		m.ptsAdjustments.WithLabelValues("nudge").Inc()
	case AdjustSnap:
		m.ptsAdjustments.WithLabelValues("snap").Inc()
	}
}
