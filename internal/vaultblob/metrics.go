package vaultblob

import "github.com/prometheus/client_golang/prometheus"

var blobOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tagvault_vault_objects_total",
	Help: "Vault object operations by operation and outcome.",
}, []string{"op", "outcome"})

func init() {
	prometheus.MustRegister(blobOps)
}
