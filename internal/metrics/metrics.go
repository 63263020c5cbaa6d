package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinic_availability"

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Claim outcomes.
const (
	ClaimConfirmed = "confirmed"
	ClaimConflict  = "conflict"
	ClaimNotFound  = "not_found"
	ClaimTimeout   = "timeout"
	ClaimError     = "error"
)

// Invalidation results.
const (
	InvalidationOK      = "ok"
	InvalidationFailed  = "failed"
	InvalidationRetried = "retried"
)

// Metrics holds the collectors for the availability core.
type Metrics struct {
	CacheLookups   *prometheus.CounterVec
	CacheFillError prometheus.Counter
	Claims         *prometheus.CounterVec
	ClaimLatency   prometheus.Histogram
	Invalidations  *prometheus.CounterVec
	SlotsPublished prometheus.Counter
	PendingRetries prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Availability cache lookups by result",
		}, []string{"result"}),
		CacheFillError: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fill_errors_total",
			Help:      "Failed writes of search results into the availability cache",
		}),
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Slot claim attempts by outcome",
		}, []string{"outcome"}),
		ClaimLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Duration of slot claim transactions including lock wait",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		Invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Availability cache invalidations by result",
		}, []string{"result"}),
		SlotsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_published_total",
			Help:      "Slots created by doctors",
		}),
		PendingRetries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invalidation_queue_pending",
			Help:      "Cache invalidations waiting for retry after the last janitor run",
		}),
	}
}
