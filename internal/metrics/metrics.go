// Package metrics records pool and pipeline activity. Recorder is the
// interface components depend on; Prometheus backs it in the binary and
// Noop everywhere else.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder collects chunkflow metrics.
type Recorder interface {
	// ChunkFinished is called once per pipeline run with its outcome.
	ChunkFinished(outcome string, duration time.Duration)

	// ReviewAttempt is called for every review backend call; errorKind is empty on success.
	ReviewAttempt(kind, errorKind string)

	// WorkersActive reports the number of running workers.
	WorkersActive(n int)

	// QueueDepth reports the number of queued specifications.
	QueueDepth(n int)

	// RunFinished is called when a specification run ends.
	RunFinished(success bool, duration time.Duration)
}

// Noop discards everything.
type Noop struct{}

var _ Recorder = Noop{}

// ChunkFinished implements Recorder.
func (Noop) ChunkFinished(string, time.Duration) {}

// ReviewAttempt implements Recorder.
func (Noop) ReviewAttempt(string, string) {}

// WorkersActive implements Recorder.
func (Noop) WorkersActive(int) {}

// QueueDepth implements Recorder.
func (Noop) QueueDepth(int) {}

// RunFinished implements Recorder.
func (Noop) RunFinished(bool, time.Duration) {}

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	chunks        *prometheus.CounterVec
	chunkDuration *prometheus.HistogramVec
	reviews       *prometheus.CounterVec
	workers       prometheus.Gauge
	queue         prometheus.Gauge
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the chunkflow collectors with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkflow_chunks_total",
			Help: "Chunk pipeline runs by outcome",
		}, []string{"outcome"}),
		chunkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkflow_chunk_duration_seconds",
			Help:    "Chunk pipeline duration",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"outcome"}),
		reviews: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkflow_review_attempts_total",
			Help: "Review backend calls by review kind and error kind",
		}, []string{"kind", "error_kind"}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkflow_workers_active",
			Help: "Running specification workers",
		}),
		queue: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkflow_queue_depth",
			Help: "Specifications waiting for a worker slot",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkflow_runs_total",
			Help: "Finished specification runs",
		}, []string{"result"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkflow_run_duration_seconds",
			Help:    "Specification run duration",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}),
	}
}

// ChunkFinished implements Recorder.
func (p *Prometheus) ChunkFinished(outcome string, duration time.Duration) {
	p.chunks.WithLabelValues(outcome).Inc()
	p.chunkDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ReviewAttempt implements Recorder.
func (p *Prometheus) ReviewAttempt(kind, errorKind string) {
	if errorKind == "" {
		errorKind = "none"
	}
	p.reviews.WithLabelValues(kind, errorKind).Inc()
}

// WorkersActive implements Recorder.
func (p *Prometheus) WorkersActive(n int) {
	p.workers.Set(float64(n))
}

// QueueDepth implements Recorder.
func (p *Prometheus) QueueDepth(n int) {
	p.queue.Set(float64(n))
}

// RunFinished implements Recorder.
func (p *Prometheus) RunFinished(success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	p.runs.WithLabelValues(result).Inc()
	p.runDuration.Observe(duration.Seconds())
}
