package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts dispatched capture jobs by kind and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webrecog",
		Name:      "capture_jobs_total",
		Help:      "Capture jobs processed by the dispatcher.",
	}, []string{"kind", "status"})

	// AdmissionDecisions counts snapshot admission outcomes.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webrecog",
		Name:      "admission_decisions_total",
		Help:      "Snapshot admission decisions by outcome.",
	}, []string{"result"})

	// ProcessingSeconds tracks per-job processing latency.
	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "webrecog",
		Name:      "capture_processing_seconds",
		Help:      "Time spent processing one capture job.",
		Buckets:   prometheus.DefBuckets,
	})
)

// RegisterQueueDepth exposes the capture queue depth as a gauge backed by
// the provided size function.
func RegisterQueueDepth(size func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "webrecog",
		Name:      "capture_queue_depth",
		Help:      "Jobs currently waiting in the capture queue.",
	}, func() float64 { return float64(size()) })
}
