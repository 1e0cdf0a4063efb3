package uploader

import (
	"errors"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gms_uploader"

type metrics struct {
	files    *prometheus.CounterVec
	bytes    prometheus.Counter
	failures *prometheus.CounterVec
	sessions *prometheus.CounterVec
	active   prometheus.Gauge
}

// newMetrics registers the uploader collectors on reg.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "files_total",
			Help:      "Number of files handed to a transfer worker, by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transferred_bytes_total",
			Help:      "Number of bytes of files stored at the destination.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfer_failures_total",
			Help:      "Number of failed file transfers, by failure class.",
		}, []string{"class"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Number of upload sessions which reached an end, by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_transfers",
			Help:      "Number of file transfers in flight.",
		}),
	}

	for _, c := range []prometheus.Collector{m.files, m.bytes, m.failures, m.sessions, m.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// failureClass maps a worker error to its metric label.
func failureClass(err error) string {
	switch {
	case errors.Is(err, transfer.ErrAuth):
		return "auth"
	case errors.Is(err, transfer.ErrConnection):
		return "connection"
	case errors.Is(err, transfer.ErrRemoteDir):
		return "remote_dir"
	case errors.Is(err, transfer.ErrLocalRead):
		return "local_read"
	case errors.Is(err, transfer.ErrRemote):
		return "remote"
	default:
		return "other"
	}
}

// outcome maps a session result to its metric label.
func outcome(r Result) string {
	switch {
	case r.State == Idle:
		return "stopped"
	case errors.Is(r.Err, ErrPersistence):
		return "persistence_failed"
	case errors.Is(r.Err, ErrConsistency):
		return "inconsistent"
	case r.State == Completed:
		return "completed"
	default:
		return "failed"
	}
}
