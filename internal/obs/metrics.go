// Package obs holds the process-wide observability surface: Prometheus
// metrics and the handler that exposes them.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_sessions_created_total",
		Help: "Sessions created.",
	})

	SessionsRefreshed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_sessions_refreshed_total",
		Help: "Successful refresh-token rotations.",
	})

	SessionsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_sessions_revoked_total",
		Help: "Sessions revoked, by any path.",
	})

	TokenTheftDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_token_theft_detected_total",
		Help: "Refresh-token replays that triggered family revocation.",
	})

	RefreshRacesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_refresh_races_lost_total",
		Help: "Concurrent refreshes that lost the single-use swap.",
	})

	VerifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_verify_failures_total",
			Help: "Access-token verification failures.",
		},
		[]string{"reason"},
	)

	KeyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_signing_key_rotations_total",
		Help: "Signing keys inserted by rotation.",
	})

	TenantCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_tenant_cache_hits_total",
		Help: "Tenant config resolutions served from cache.",
	})

	TenantCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tessera_tenant_cache_misses_total",
		Help: "Tenant config resolutions that hit storage.",
	})
)

// Init registers all metrics with the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(
		SessionsCreated,
		SessionsRefreshed,
		SessionsRevoked,
		TokenTheftDetected,
		RefreshRacesLost,
		VerifyFailures,
		KeyRotations,
		TenantCacheHits,
		TenantCacheMisses,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
