package authflow

import "github.com/prometheus/client_golang/prometheus"

var authAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tagvault_auth_attempts_total",
	Help: "Authentication attempts by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(authAttempts)
}
