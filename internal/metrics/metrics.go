// Registers:
//
//	#sourceflow_attempts_total
//	#sourceflow_resolutions_total
//	#sourceflow_cooldowns_total
//	#sourceflow_mirror_blocked_total
//	#sourceflow_fallback_depth
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sourceflow/logger"
)

var (
	once          sync.Once
	attempts      *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	cooldowns     *prometheus.CounterVec
	mirrorBlocked *prometheus.CounterVec
	fallbackDepth *prometheus.HistogramVec
)

// Init registers the collectors and serves them on the given address. An
// empty address registers the collectors without starting a server, which is
// what tests want.
func Init(address string) {
	once.Do(func() {
		attempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourceflow_attempts_total",
				Help: "Provider fetch attempts by outcome classification",
			},
			[]string{"resource", "class"},
		)

		resolutions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourceflow_resolutions_total",
				Help: "Resolution requests by category and final outcome",
			},
			[]string{"category", "outcome"},
		)

		cooldowns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourceflow_cooldowns_total",
				Help: "Resources entering cooldown by triggering classification",
			},
			[]string{"resource", "reason"},
		)

		mirrorBlocked = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourceflow_mirror_blocked_total",
				Help: "Mirror endpoints marked unhealthy after a blocking-class error",
			},
			[]string{"resource"},
		)

		fallbackDepth = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sourceflow_fallback_depth",
				Help:    "Number of providers attempted before a resolution finished",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"category"},
		)

		_ = prometheus.Register(attempts)
		_ = prometheus.Register(resolutions)
		_ = prometheus.Register(cooldowns)
		_ = prometheus.Register(mirrorBlocked)
		_ = prometheus.Register(fallbackDepth)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if address == "" {
			return
		}

		go serve(address)
	})
}

// serve blocks on the metrics listener. A failure to bind or serve degrades
// to a logged error; metrics exposure is not worth the process.
func serve(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
	}
}

// IncrementAttempt counts a single provider attempt with its classification.
func IncrementAttempt(resource, class string) {
	if attempts != nil {
		attempts.WithLabelValues(resource, class).Inc()
	}
}

// IncrementResolution counts a finished resolution for a category.
func IncrementResolution(category, outcome string) {
	if resolutions != nil {
		resolutions.WithLabelValues(category, outcome).Inc()
	}
}

// IncrementCooldown counts a resource entering cooldown.
func IncrementCooldown(resource, reason string) {
	if cooldowns != nil {
		cooldowns.WithLabelValues(resource, reason).Inc()
	}
}

// IncrementMirrorBlocked counts a mirror endpoint marked unhealthy.
func IncrementMirrorBlocked(resource string) {
	if mirrorBlocked != nil {
		mirrorBlocked.WithLabelValues(resource).Inc()
	}
}

// ObserveFallbackDepth records how many providers a resolution consumed.
func ObserveFallbackDepth(category string, depth int) {
	if fallbackDepth != nil {
		fallbackDepth.WithLabelValues(category).Observe(float64(depth))
	}
}
