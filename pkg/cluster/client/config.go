package client

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
	"github.com/vnykmshr/clusterflow/pkg/common/validation"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
)

// ServerDescriptor addresses a token server. It is replaced wholesale on
// reassignment, never mutated.
type ServerDescriptor struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// Addr returns host:port.
func (s ServerDescriptor) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerDescriptor) validate() error {
	if err := validation.ValidateNotEmpty("client", "Host", s.Host); err != nil {
		return err
	}
	return validation.ValidatePort("client", "Port", s.Port)
}

// Config holds token client settings.
type Config struct {
	// Namespace is announced to the server after every connect so the
	// server can count connected clients per namespace.
	// Default: rule.DefaultNamespace
	Namespace string

	// RequestTimeout bounds a single token request, including the async
	// variant's completion.
	// Default: 20ms
	RequestTimeout time.Duration

	// ConnectTimeout bounds one dial attempt.
	// Default: 3s
	ConnectTimeout time.Duration

	// ReconnectDelay is the base reconnect delay. The n-th consecutive
	// failure waits ReconnectDelay * (n + 1).
	// Default: 2s
	ReconnectDelay time.Duration

	// StopTimeout bounds how long Stop waits for an in-flight connect
	// attempt to settle.
	// Default: 5s
	StopTimeout time.Duration

	// CacheInterval is how long a refilled cache entry serves requests
	// locally before the next remote refill.
	// Default: 50ms
	CacheInterval time.Duration

	// Clock drives the token cache. Default: window.SystemClock.
	Clock window.Clock

	// Logger receives connection events. If nil, logging is disabled.
	Logger *zap.Logger

	// Metrics records client activity. If nil, a private registry is used.
	Metrics *metrics.Registry
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:      rule.DefaultNamespace,
		RequestTimeout: 20 * time.Millisecond,
		ConnectTimeout: 3 * time.Second,
		ReconnectDelay: 2 * time.Second,
		StopTimeout:    5 * time.Second,
		CacheInterval:  50 * time.Millisecond,
	}
}

// applyConfigDefaults sets default values for unspecified config fields.
func applyConfigDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.CacheInterval == 0 {
		cfg.CacheInterval = def.CacheInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = window.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return cfg
}

func validateConfig(cfg Config) error {
	durations := []struct {
		field string
		value time.Duration
	}{
		{"RequestTimeout", cfg.RequestTimeout},
		{"ConnectTimeout", cfg.ConnectTimeout},
		{"ReconnectDelay", cfg.ReconnectDelay},
		{"StopTimeout", cfg.StopTimeout},
		{"CacheInterval", cfg.CacheInterval},
	}
	for _, d := range durations {
		if err := validation.ValidatePositiveDuration("client", d.field, d.value); err != nil {
			return err
		}
	}
	return nil
}
