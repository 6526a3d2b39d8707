package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for metrics collection.
type Config struct {
	// Registry is the Prometheus registry to use. If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace overrides the default "clusterflow" namespace for metrics.
	Namespace string

	// Labels are constant labels added to all metrics, such as the server id.
	Labels prometheus.Labels
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Registry:  prometheus.DefaultRegisterer,
		Namespace: "clusterflow",
	}
}
