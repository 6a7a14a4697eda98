package telemetry

import (
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BuildsStarted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_builds_started_total", Help: "Builds accepted and started"})
	BuildsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_builds_completed_total", Help: "Builds packaged successfully"})
	BuildsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_builds_failed_total", Help: "Builds that ended in failure"})
	BuildsCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_builds_cancelled_total", Help: "Builds cancelled by their owner"})
	ActiveBuilds      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "appforge_builds_active", Help: "Builds currently in the building state"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_rate_limit_rejects_total", Help: "Build requests rejected by rate limiter"})
	PackagedFiles     = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_packaged_files_total", Help: "Files written into build archives"})
	SkippedFiles      = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_packaging_skipped_files_total", Help: "Generated files excluded for contamination"})
	SweptBuilds       = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_swept_builds_total", Help: "Expired build records evicted"})
	SweptArchives     = prometheus.NewCounter(prometheus.CounterOpts{Name: "appforge_swept_archives_total", Help: "Expired archives deleted from disk"})
	PhaseDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "appforge_phase_duration_seconds", Help: "Wall time per pipeline phase", Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)}, []string{"phase"})
	BestEffortFailure = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "appforge_best_effort_failures_total", Help: "Side-effect calls that failed and were logged"}, []string{"op"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			BuildsStarted,
			BuildsCompleted,
			BuildsFailed,
			BuildsCancelled,
			ActiveBuilds,
			RateLimitRejects,
			PackagedFiles,
			SkippedFiles,
			SweptBuilds,
			SweptArchives,
			PhaseDuration,
			BestEffortFailure,
		)
	})
}

// BestEffort logs a failed side effect and counts it under op. Nil errors are ignored.
func BestEffort(op string, err error) {
	if err == nil {
		return
	}
	BestEffortFailure.WithLabelValues(op).Inc()
	log.Printf("%s: %v", op, err)
}
