// Package metrics exposes the operator-only /metrics endpoint spec.md §6.1
// names as ambient observability: rotation starts, fan-out page iterations,
// cache hit/miss, and rejected logins. Not tenant-scoped and not gated by
// the app-token, since it describes the process, not any one app.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RotationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentc_key_rotations_started_total",
		Help: "Number of key rotations started via StartRotation.",
	}, []string{"app_id"})

	FanOutPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentc_fan_out_pages_total",
		Help: "Number of recipient pages processed by the key-distribution fan-out worker.",
	}, []string{"recipient_class"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentc_cache_hits_total",
		Help: "Number of cache lookups that found a value.",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentc_cache_misses_total",
		Help: "Number of cache lookups that found nothing.",
	}, []string{"cache"})

	LoginsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentc_logins_rejected_total",
		Help: "Number of login attempts rejected by password-proof or MFA verification.",
	}, []string{"reason"})
)

// Handler serves the Prometheus exposition format for the default registry
// every promauto metric above registers itself into.
func Handler() http.Handler {
	return promhttp.Handler()
}
