package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "elysium_jobs_enqueued_total", Help: "Jobs enqueued"}, []string{"queue", "type"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "elysium_jobs_finished_total", Help: "Attempt outcomes by result"}, []string{"queue", "type", "result"})
	JobTimeouts      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "elysium_job_timeouts_total", Help: "Attempts that exceeded their deadline"}, []string{"queue", "type"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "elysium_job_duration_seconds", Help: "Attempt execution time", Buckets: prometheus.DefBuckets}, []string{"queue", "type"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "elysium_queue_depth", Help: "Jobs per queue and set"}, []string{"queue", "set"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "elysium_jobs_inflight", Help: "Jobs currently executing in this process"})
	WorkerHealthy    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "elysium_worker_healthy", Help: "1 when the worker pool can reach the broker"})
	LeasesLost       = prometheus.NewCounter(prometheus.CounterOpts{Name: "elysium_leases_lost_total", Help: "Completions rejected because the lease had expired"})
	LeasesReclaimed  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "elysium_leases_reclaimed_total", Help: "Expired leases reclaimed"}, []string{"queue"})
	CronFired        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "elysium_cron_fired_total", Help: "Schedule ticks this process won and enqueued"}, []string{"schedule"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "elysium_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsFinished,
			JobTimeouts,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
			WorkerHealthy,
			LeasesLost,
			LeasesReclaimed,
			CronFired,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
