package upload

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for upload operations.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	chunks        *prometheus.CounterVec
	bytes         prometheus.Counter
	chunkDuration prometheus.Histogram
	files         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3uploads",
			Name:      "chunks_total",
			Help:      "Settled chunks by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3uploads",
			Name:      "chunk_bytes_total",
			Help:      "Bytes sent in multipart chunks.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "s3uploads",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of chunk transfers that reached the network.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3uploads",
			Name:      "files_total",
			Help:      "Finished sessions by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.chunks, m.bytes, m.chunkDuration, m.files} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) chunkUploaded(size int64, d time.Duration) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues("uploaded").Inc()
	if size > 0 {
		m.bytes.Add(float64(size))
	}
	m.chunkDuration.Observe(d.Seconds())
}

func (m *Metrics) chunkCached() {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues("cached").Inc()
}

func (m *Metrics) chunkFailed(err error) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(errorLabel(err)).Inc()
}

func (m *Metrics) fileFinished(result string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(result).Inc()
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return "file_too_large"
	case errors.Is(err, ErrUnauthorizedFileType):
		return "unauthorized_file_type"
	case errors.Is(err, ErrNoPartRequestHandler):
		return "no_part_request_handler"
	default:
		return "internal_error"
	}
}
