package config

import (
	"errors"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/cluster/client"
	"github.com/vnykmshr/clusterflow/pkg/cluster/server"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// EnvPrefix prefixes every environment override, e.g.
// CLUSTERFLOW_SERVER_PORT or CLUSTERFLOW_RULES_REDIS_ADDR.
const EnvPrefix = "CLUSTERFLOW"

// Loader reads a Config and can watch its file for changes.
type Loader struct {
	v      *viper.Viper
	logger *zap.Logger

	mu       sync.Mutex
	watching bool
}

// NewLoader creates a loader for path. An empty path searches
// /etc/clusterflow and the working directory for clusterflow.yaml and
// tolerates its absence.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clusterflow")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/clusterflow/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, logger: logger}
}

// Load reads the file, applies environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	return NewLoader(path, nil).Load()
}

// Load reads the file, applies environment overrides and validates the
// result.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, cferrors.NewOperationError("config", "Load", err)
		}
	}
	return l.decodeLocked()
}

func (l *Loader) decodeLocked() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, cferrors.NewOperationError("config", "Load", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the new Config whenever the file changes. A
// change that fails to decode or validate is logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching || l.v.ConfigFileUsed() == "" {
		return
	}
	l.watching = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decodeLocked()
		l.mu.Unlock()
		if err != nil {
			l.logger.Error("config change rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.logger.Info("config reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// setDefaults registers every key so that environment overrides apply even
// when the file does not mention them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	srv := server.DefaultConfig()
	v.SetDefault("server.port", srv.Port)
	v.SetDefault("server.idle_seconds", srv.IdleSeconds)
	v.SetDefault("server.scan_interval", srv.ScanInterval)
	v.SetDefault("server.namespaces", srv.Namespaces)
	v.SetDefault("server.max_allowed_qps", srv.MaxAllowedQps)
	v.SetDefault("server.exceed_count", srv.ExceedCount)
	v.SetDefault("server.max_occupy_wait_ms", srv.MaxOccupyWaitMs)

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "clusterflow")

	v.SetDefault("rules.source", RuleSourceNone)
	v.SetDefault("rules.file", "")
	v.SetDefault("rules.watch", true)
	v.SetDefault("rules.redis.addr", "localhost:6379")
	v.SetDefault("rules.redis.password", "")
	v.SetDefault("rules.redis.db", 0)
	v.SetDefault("rules.redis.key_prefix", "clusterflow")

	cli := client.DefaultConfig()
	v.SetDefault("client.server.host", "localhost")
	v.SetDefault("client.server.port", srv.Port)
	v.SetDefault("client.namespace", cli.Namespace)
	v.SetDefault("client.request_timeout", cli.RequestTimeout)
	v.SetDefault("client.connect_timeout", cli.ConnectTimeout)
	v.SetDefault("client.reconnect_delay", cli.ReconnectDelay)
	v.SetDefault("client.cache_interval", cli.CacheInterval)
}
