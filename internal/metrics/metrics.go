package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recon_jobs_total", Help: "job transitions into a state"}, []string{"status"})
	JobsRunning      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recon_jobs_running", Help: "jobs currently holding a concurrency slot"})
	JobsQueued       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recon_jobs_queued", Help: "jobs waiting in the run queue"})
	ExecutorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recon_executor_duration_seconds",
		Help:    "container run time",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"module"})
	FindingsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recon_findings_ingested_total", Help: "normalized records by ingest outcome"}, []string{"result"})
	PathwayScore     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "recon_pathway_score", Help: "score of the current top pathway"}, []string{"project"})
	HTTPRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recon_http_requests_total", Help: "API requests"}, []string{"method", "route", "code"})
	ArtifactsPruned  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recon_artifact_bytes_pruned_total", Help: "artifact bytes removed by retention"}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(JobsTotal, JobsRunning, JobsQueued, ExecutorDuration, FindingsIngested, PathwayScore, HTTPRequests, ArtifactsPruned)
}
