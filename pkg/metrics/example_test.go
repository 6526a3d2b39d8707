package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Example_basicUsage demonstrates recording token server outcomes.
func Example_basicUsage() {
	registry := NewRegistry(prometheus.NewRegistry())

	registry.ServerRequests.WithLabelValues("FLOW", "OK").Add(8)
	registry.ServerRequests.WithLabelValues("FLOW", "BLOCKED").Add(2)
	registry.FlowPassed.WithLabelValues("orders").Add(8)

	fmt.Println(testutil.ToFloat64(registry.ServerRequests.WithLabelValues("FLOW", "OK")))
	fmt.Println(testutil.ToFloat64(registry.FlowPassed.WithLabelValues("orders")))

	// Output:
	// 8
	// 8
}

// Example_customRegistry demonstrates constant labels and a custom namespace.
func Example_customRegistry() {
	reg := prometheus.NewRegistry()
	registry := NewRegistryWithConfig(Config{
		Registry:  reg,
		Namespace: "edge",
		Labels:    prometheus.Labels{"server_id": "ts-1"},
	})

	registry.ClientReconnects.Inc()

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "edge_client_reconnects_total" {
			fmt.Println(f.GetName(), f.GetMetric()[0].GetLabel()[0].GetValue())
		}
	}

	// Output:
	// edge_client_reconnects_total ts-1
}
