// Package config loads clusterflow process configuration from a file and
// CLUSTERFLOW_ prefixed environment variables.
package config

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/vnykmshr/clusterflow/pkg/cluster/client"
	"github.com/vnykmshr/clusterflow/pkg/cluster/server"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/common/validation"
)

// Rule source kinds.
const (
	RuleSourceNone  = "none"
	RuleSourceFile  = "file"
	RuleSourceRedis = "redis"
)

// Config holds the configuration of the clusterflow binaries.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Server  server.Config `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Client  ClientConfig  `mapstructure:"client"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr      string `mapstructure:"addr"` // empty disables the endpoint
	Namespace string `mapstructure:"namespace"`
}

// RulesConfig selects where the token server reads flow rules from.
type RulesConfig struct {
	Source string      `mapstructure:"source"`
	File   string      `mapstructure:"file"`
	Watch  bool        `mapstructure:"watch"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the Redis rule store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ClientConfig configures the token client of the load generator.
type ClientConfig struct {
	Server         client.ServerDescriptor `mapstructure:"server"`
	Namespace      string                  `mapstructure:"namespace"`
	RequestTimeout time.Duration           `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration           `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration           `mapstructure:"reconnect_delay"`
	CacheInterval  time.Duration           `mapstructure:"cache_interval"`
}

// TokenClientConfig converts c into a client.Config.
func (c ClientConfig) TokenClientConfig() client.Config {
	return client.Config{
		Namespace:      c.Namespace,
		RequestTimeout: c.RequestTimeout,
		ConnectTimeout: c.ConnectTimeout,
		ReconnectDelay: c.ReconnectDelay,
		CacheInterval:  c.CacheInterval,
	}
}

// Validate checks the sections every binary relies on.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return cferrors.NewValidationError("config", "log.level", c.Log.Level, "unknown level").
			WithHint("use debug, info, warn or error")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return cferrors.NewValidationError("config", "log.format", c.Log.Format, "unknown format").
			WithHint("use json or console")
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}

	switch c.Rules.Source {
	case RuleSourceNone:
	case RuleSourceFile:
		if err := validation.ValidateNotEmpty("config", "rules.file", c.Rules.File); err != nil {
			return err
		}
	case RuleSourceRedis:
		if err := validation.ValidateNotEmpty("config", "rules.redis.addr", c.Rules.Redis.Addr); err != nil {
			return err
		}
	default:
		return cferrors.NewValidationError("config", "rules.source", c.Rules.Source, "unknown rule source").
			WithHint("use none, file or redis")
	}
	return nil
}
