package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the upload pipeline's Prometheus collectors.
type Metrics struct {
	SessionsCreated prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Counter
	ChunksWritten   prometheus.Counter
	ChunkBytes      prometheus.Counter
	Assemblies      *prometheus.CounterVec
	SweepRuns       prometheus.Counter
}

// NewMetrics registers upload collectors with reg. A nil reg keeps them on a
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "photovault", Subsystem: "upload", Name: "sessions_created_total",
			Help: "Upload sessions created.",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "photovault", Subsystem: "upload", Name: "sessions_active",
			Help: "Upload sessions currently in progress.",
		}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "photovault", Subsystem: "upload", Name: "sessions_expired_total",
			Help: "Idle upload sessions removed by the sweeper.",
		}),
		ChunksWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "photovault", Subsystem: "upload", Name: "chunks_written_total",
			Help: "Chunks stored, including rewrites.",
		}),
		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "photovault", Subsystem: "upload", Name: "chunk_bytes_total",
			Help: "Bytes of chunks stored.",
		}),
		Assemblies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "photovault", Subsystem: "upload", Name: "assemblies_total",
			Help: "Completion attempts by result.",
		}, []string{"result"}),
		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: "photovault", Subsystem: "upload", Name: "sweep_runs_total",
			Help: "Cleanup sweeps executed.",
		}),
	}
}
