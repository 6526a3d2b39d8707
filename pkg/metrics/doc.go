// Package metrics provides Prometheus instrumentation for clusterflow components.
//
// A Registry groups every collector the token server, token client, cache,
// rule sources and scheduler update. Components accept a *Registry in their
// config and fall back to Discard when none is given, so metrics are never
// registered twice on the default registerer by accident.
//
// # Custom Registry
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewRegistryWithConfig(metrics.Config{
//		Registry: reg,
//		Labels:   prometheus.Labels{"server_id": "ts-1"},
//	})
//
//	srv, err := server.New(server.Config{Metrics: m})
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Available Metrics
//
// Token server:
//
//   - clusterflow_server_requests_total{type,status}
//   - clusterflow_server_request_duration_seconds{type}
//   - clusterflow_server_connections{namespace}
//   - clusterflow_server_frame_errors_total{reason}
//   - clusterflow_flow_passed_total{namespace}
//   - clusterflow_flow_blocked_total{namespace}
//   - clusterflow_flow_occupied_total{namespace}
//
// Token client:
//
//   - clusterflow_client_requests_total{type,status}
//   - clusterflow_client_request_duration_seconds{type}
//   - clusterflow_client_pending_requests
//   - clusterflow_client_state
//   - clusterflow_client_reconnects_total
//   - clusterflow_cache_lookups_total{result}
//
// Rules and scheduling:
//
//   - clusterflow_rule_reloads_total{source,result}
//   - clusterflow_scheduler_tasks_scheduled_total{scheduler_name}
//   - clusterflow_scheduler_tasks_executed_total{scheduler_name}
//   - clusterflow_scheduler_tasks_failed_total{scheduler_name}
//   - clusterflow_scheduler_task_duration_seconds{scheduler_name}
//   - clusterflow_workerpool_active_workers{pool_name}
//   - clusterflow_workerpool_queued_tasks{pool_name}
package metrics
