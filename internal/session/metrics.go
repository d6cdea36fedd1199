package session

import "github.com/prometheus/client_golang/prometheus"

var (
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tagvault_sessions_active",
		Help: "Number of sessions currently holding key material (active or locked).",
	})

	expiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tagvault_sessions_expired_total",
		Help: "Total sessions that reached expiry.",
	})

	extendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tagvault_sessions_extended_total",
		Help: "Total session extensions granted.",
	})

	panicWipes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tagvault_panic_wipes_total",
		Help: "Times panic-mode invalidation ran.",
	})
)

func init() {
	prometheus.MustRegister(activeSessions, expiredTotal, extendedTotal, panicWipes)
}
