// Package metrics provides the optional, non-blocking instrumentation
// shim the orchestrator calls through an interface (SPEC_FULL.md §3).
// Metrics export itself is out of scope per spec.md §1; this package
// only defines counters/histograms for stage latency and barge-in
// counts and a thin Recorder interface so the orchestrator never has a
// hard dependency on Prometheus. Grounded on the pack's use of
// github.com/prometheus/client_golang for exactly this shape of
// internal instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the interface pkg/orchestrator depends on. A nil
// Recorder is never required: callers use NoOp() when metrics aren't
// wanted, so nothing downstream needs a nil check.
type Recorder interface {
	StageLatency(stage string, d time.Duration)
	BargeIn(callID string)
	ReplyDropped(reason string)
	ActiveCalls(n int)
}

// NoOp returns a Recorder that discards everything.
func NoOp() Recorder { return noopRecorder{} }

type noopRecorder struct{}

func (noopRecorder) StageLatency(string, time.Duration) {}
func (noopRecorder) BargeIn(string)                     {}
func (noopRecorder) ReplyDropped(string)                {}
func (noopRecorder) ActiveCalls(int)                    {}

// Prometheus is a Recorder backed by github.com/prometheus/client_golang
// counters/histograms, registered against reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler, or nil to skip
// registration entirely (construction never fails on a nil registerer).
type Prometheus struct {
	stageLatency  *prometheus.HistogramVec
	bargeInTotal  *prometheus.CounterVec
	replyDropped  *prometheus.CounterVec
	activeCallsGa prometheus.Gauge
}

// NewPrometheus constructs and registers the recorder's metrics against
// reg. A nil reg skips registration (useful in tests) but still returns
// a fully functional Recorder.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voiceagent",
			Name:      "stage_latency_seconds",
			Help:      "Latency of STT/LLM/TTS stage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		bargeInTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Name:      "barge_in_total",
			Help:      "Count of confirmed caller barge-ins.",
		}, []string{"call_id"}),
		replyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Name:      "reply_dropped_total",
			Help:      "Count of finals dropped instead of producing a reply.",
		}, []string{"reason"}),
		activeCallsGa: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceagent",
			Name:      "active_calls",
			Help:      "Number of calls currently tracked by the session manager.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.stageLatency, p.bargeInTotal, p.replyDropped, p.activeCallsGa)
	}
	return p
}

func (p *Prometheus) StageLatency(stage string, d time.Duration) {
	p.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Prometheus) BargeIn(callID string) {
	p.bargeInTotal.WithLabelValues(callID).Inc()
}

func (p *Prometheus) ReplyDropped(reason string) {
	p.replyDropped.WithLabelValues(reason).Inc()
}

func (p *Prometheus) ActiveCalls(n int) {
	p.activeCallsGa.Set(float64(n))
}
