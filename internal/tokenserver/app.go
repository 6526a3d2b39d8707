// Package tokenserver assembles a runnable token server process: rule
// source, settings, server and the Prometheus endpoint.
package tokenserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnykmshr/clusterflow/internal/config"
	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/cluster/server"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
)

const (
	shutdownTimeout = 5 * time.Second
	loadTimeout     = 5 * time.Second
)

// ruleSource feeds a rule.Manager.
type ruleSource interface {
	Load(ctx context.Context, namespace string) error
	Watch(ctx context.Context) (stop func(), err error)
}

type noRules struct{}

func (noRules) Load(context.Context, string) error    { return nil }
func (noRules) Watch(context.Context) (func(), error) { return func() {}, nil }

// fileRules loads the whole file whatever namespace is asked for.
type fileRules struct {
	src *rule.FileSource
}

func (f fileRules) Load(context.Context, string) error { return f.src.Load() }

func (f fileRules) Watch(context.Context) (func(), error) {
	f.src.Watch()
	return func() {}, nil
}

// App is a configured token server process.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	gatherer *prometheus.Registry
	metrics  *metrics.Registry
	rules    *rule.Manager
	settings *server.Settings
	server   *server.Server

	source      ruleSource
	redisClient *redis.Client

	metricsLn net.Listener
	httpSrv   *http.Server

	mu     sync.RWMutex
	served []string
}

// New builds the process from cfg. Nothing is served until Run.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, cferrors.NewValidationError("tokenserver", "cfg", nil, "cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg := metrics.NewRegistryWithConfig(metrics.Config{
		Registry:  gatherer,
		Namespace: cfg.Metrics.Namespace,
	})

	settings, err := server.NewSettings(cfg.Server)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		gatherer: gatherer,
		metrics:  reg,
		rules:    rule.NewManager(logger.Named("rules")),
		settings: settings,
		served:   settings.Get().Namespaces,
	}

	if err := a.buildSource(); err != nil {
		return nil, err
	}

	a.server, err = server.New(server.ServerConfig{
		Settings: settings,
		Registry: a.rules,
		Logger:   logger,
		Metrics:  reg,
	})
	if err != nil {
		a.closeSource()
		return nil, err
	}
	settings.OnChange(a.onSettingsChange)

	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			a.closeSource()
			return nil, cferrors.NewOperationError("tokenserver", "listen metrics", err).WithContext(cfg.Metrics.Addr)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		a.metricsLn = ln
		a.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return a, nil
}

func (a *App) buildSource() error {
	switch a.cfg.Rules.Source {
	case config.RuleSourceFile:
		src, err := rule.NewFileSource(a.rules, a.cfg.Rules.File, a.logger)
		if err != nil {
			return err
		}
		a.source = fileRules{src: src}
	case config.RuleSourceRedis:
		rc := a.cfg.Rules.Redis
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		src, err := rule.NewRedisSource(a.rules, rule.RedisSourceConfig{
			Client:    a.redisClient,
			KeyPrefix: rc.KeyPrefix,
			Filter:    a.serves,
			Logger:    a.logger,
		})
		if err != nil {
			a.closeSource()
			return err
		}
		a.source = src
	default:
		a.source = noRules{}
	}
	return nil
}

func (a *App) closeSource() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("closing redis client failed", zap.Error(err))
		}
	}
}

// Settings returns the runtime-mutable server settings.
func (a *App) Settings() *server.Settings { return a.settings }

// Rules returns the rule registry the server checks against.
func (a *App) Rules() *rule.Manager { return a.rules }

// Server returns the token server.
func (a *App) Server() *server.Server { return a.server }

// MetricsAddr returns the address of the Prometheus endpoint, or nil when
// it is disabled.
func (a *App) MetricsAddr() net.Addr {
	if a.metricsLn == nil {
		return nil
	}
	return a.metricsLn.Addr()
}

// Run loads the rules of every served namespace, starts serving and blocks
// until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	defer a.closeSource()

	for _, ns := range a.settings.Get().Namespaces {
		if err := a.loadNamespace(ctx, ns); err != nil {
			a.closeMetrics()
			return err
		}
	}

	stopWatch := func() {}
	if a.cfg.Rules.Watch {
		stop, err := a.source.Watch(ctx)
		if err != nil {
			a.closeMetrics()
			return err
		}
		stopWatch = stop
	}
	defer stopWatch()

	if err := a.server.Start(); err != nil {
		a.closeMetrics()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.httpSrv != nil {
		g.Go(func() error {
			a.logger.Info("metrics endpoint listening", zap.Stringer("addr", a.metricsLn.Addr()))
			if err := a.httpSrv.Serve(a.metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if a.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("metrics endpoint shutdown failed", zap.Error(err))
			}
		}
		a.server.Stop()
		return nil
	})
	return g.Wait()
}

func (a *App) closeMetrics() {
	if a.metricsLn != nil {
		_ = a.metricsLn.Close()
	}
}

func (a *App) loadNamespace(ctx context.Context, namespace string) error {
	err := a.source.Load(ctx, namespace)
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.metrics.RuleReloads.WithLabelValues(a.cfg.Rules.Source, result).Inc()
	if err != nil {
		return err
	}
	a.logger.Info("rules loaded", zap.String("namespace", namespace), zap.String("source", a.cfg.Rules.Source))
	return nil
}

func (a *App) serves(namespace string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Contains(a.served, namespace)
}

// onSettingsChange loads the rules of namespaces that became served and
// drops those of namespaces that no longer are.
func (a *App) onSettingsChange(old, updated server.Config) {
	a.mu.Lock()
	a.served = slices.Clone(updated.Namespaces)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	for _, ns := range updated.Namespaces {
		if slices.Contains(old.Namespaces, ns) {
			continue
		}
		if err := a.loadNamespace(ctx, ns); err != nil {
			a.logger.Error("loading namespace failed", zap.String("namespace", ns), zap.Error(err))
		}
	}
	for _, ns := range old.Namespaces {
		if !slices.Contains(updated.Namespaces, ns) {
			a.rules.RemoveNamespace(ns)
			a.logger.Info("namespace dropped", zap.String("namespace", ns))
		}
	}
}
