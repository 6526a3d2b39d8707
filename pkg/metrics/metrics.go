// Package metrics provides Prometheus instrumentation for clusterflow components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for clusterflow components.
type Registry struct {
	// Token server metrics
	ServerRequests        *prometheus.CounterVec
	ServerRequestDuration *prometheus.HistogramVec
	ServerConnections     *prometheus.GaugeVec
	ServerFrameErrors     *prometheus.CounterVec
	FlowPassed            *prometheus.CounterVec
	FlowBlocked           *prometheus.CounterVec
	FlowOccupied          *prometheus.CounterVec

	// Token client metrics
	ClientRequests        *prometheus.CounterVec
	ClientRequestDuration *prometheus.HistogramVec
	ClientPending         prometheus.Gauge
	ClientState           prometheus.Gauge
	ClientReconnects      prometheus.Counter
	CacheLookups          *prometheus.CounterVec

	// Rule metrics
	RuleReloads *prometheus.CounterVec

	// Task scheduling metrics
	TasksScheduled        *prometheus.CounterVec
	TasksExecuted         *prometheus.CounterVec
	TasksFailed           *prometheus.CounterVec
	TaskExecutionDuration *prometheus.HistogramVec
	WorkerPoolActive      *prometheus.GaugeVec
	WorkerPoolQueued      *prometheus.GaugeVec
}

// DefaultRegistry is the default metrics registry used by clusterflow components.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithConfig(Config{Registry: reg})
}

// Discard returns a registry backed by a private Prometheus registry. It is
// used by components that were not given a registry.
func Discard() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}

// NewRegistryWithConfig creates a registry honoring the namespace and
// constant labels of config.
func NewRegistryWithConfig(config Config) *Registry {
	reg := config.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := config.Namespace
	if ns == "" {
		ns = "clusterflow"
	}
	if len(config.Labels) > 0 {
		reg = prometheus.WrapRegistererWith(config.Labels, reg)
	}
	factory := promauto.With(reg)

	return &Registry{
		ServerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Total number of token requests handled by the server",
			},
			[]string{"type", "status"},
		),

		ServerRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "Time spent deciding a token request",
				Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
			},
			[]string{"type"},
		),

		ServerConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "server",
				Name:      "connections",
				Help:      "Number of connected token clients",
			},
			[]string{"namespace"},
		),

		ServerFrameErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "server",
				Name:      "frame_errors_total",
				Help:      "Total number of frames answered with BAD_REQUEST",
			},
			[]string{"reason"},
		),

		FlowPassed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "flow",
				Name:      "passed_total",
				Help:      "Total number of tokens granted",
			},
			[]string{"namespace"},
		),

		FlowBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "flow",
				Name:      "blocked_total",
				Help:      "Total number of tokens refused",
			},
			[]string{"namespace"},
		),

		FlowOccupied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "flow",
				Name:      "occupied_total",
				Help:      "Total number of tokens borrowed from a future window",
			},
			[]string{"namespace"},
		),

		ClientRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Total number of remote token requests sent by the client",
			},
			[]string{"type", "status"},
		),

		ClientRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Round trip time of remote token requests",
				Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"type"},
		),

		ClientPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "client",
				Name:      "pending_requests",
				Help:      "Number of requests waiting for a response",
			},
		),

		ClientState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "client",
				Name:      "state",
				Help:      "Transport state: 0 off, 1 pending, 2 ready",
			},
		),

		ClientReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "client",
				Name:      "reconnects_total",
				Help:      "Total number of scheduled reconnect attempts",
			},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Token cache lookups by outcome",
			},
			[]string{"result"},
		),

		RuleReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "rule",
				Name:      "reloads_total",
				Help:      "Total number of rule reloads by source and result",
			},
			[]string{"source", "result"},
		),

		TasksScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "scheduler",
				Name:      "tasks_scheduled_total",
				Help:      "Total number of tasks scheduled",
			},
			[]string{"scheduler_name"},
		),

		TasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "scheduler",
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"scheduler_name"},
		),

		TasksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "scheduler",
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks that returned an error or panicked",
			},
			[]string{"scheduler_name"},
		),

		TaskExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: "scheduler",
				Name:      "task_duration_seconds",
				Help:      "Time spent executing tasks",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheduler_name"},
		),

		WorkerPoolActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "workerpool",
				Name:      "active_workers",
				Help:      "Number of workers currently executing tasks",
			},
			[]string{"pool_name"},
		),

		WorkerPoolQueued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "workerpool",
				Name:      "queued_tasks",
				Help:      "Number of tasks waiting in the queue",
			},
			[]string{"pool_name"},
		),
	}
}
