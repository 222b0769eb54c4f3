package crypt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for cipher, stream, and registry operations
var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symcrypt_operations_total",
			Help: "Total number of encryption/decryption operations",
		},
		[]string{"operation", "algorithm", "status"},
	)

	BytesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symcrypt_bytes_processed_total",
			Help: "Total plaintext bytes fed through streaming writers and readers",
		},
		[]string{"direction"},
	)

	RegistryLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symcrypt_registry_loads_total",
			Help: "Total number of cipher registry loads",
		},
		[]string{"status"},
	)

	RegistryCiphers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symcrypt_registry_ciphers",
			Help: "Number of ciphers held by the most recently loaded registry",
		},
	)

	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symcrypt_rotations_total",
			Help: "Total number of cipher rotations performed",
		},
		[]string{"status"},
	)
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

func observeOperation(operation string, alg Algorithm, err error) {
	status := statusSuccess
	if err != nil {
		status = statusFailure
	}
	OperationsTotal.WithLabelValues(operation, string(alg), status).Inc()
}
