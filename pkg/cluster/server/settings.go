package server

import (
	"slices"
	"sync"
	"time"

	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/common/validation"
)

// Config holds the runtime-mutable token server settings.
type Config struct {
	// Port is the TCP port the server listens on. Changing it rebinds the
	// listener; established connections stay open.
	// Default: 18730
	Port int `mapstructure:"port"`

	// IdleSeconds closes connections that sent nothing for this long.
	// Default: 600
	IdleSeconds int `mapstructure:"idle_seconds"`

	// ScanInterval is how often idle connections are looked for. Intervals
	// below one second are rounded up to one second.
	// Default: 10s
	ScanInterval time.Duration `mapstructure:"scan_interval"`

	// Namespaces lists the namespaces whose rules this server serves.
	// Default: [rule.DefaultNamespace]
	Namespaces []string `mapstructure:"namespaces"`

	// MaxAllowedQps caps the requests per second accepted from each
	// namespace before any flow is checked.
	// Default: 30000
	MaxAllowedQps float64 `mapstructure:"max_allowed_qps"`

	// ExceedCount scales every flow threshold.
	// Default: 1.0
	ExceedCount float64 `mapstructure:"exceed_count"`

	// MaxOccupyWaitMs bounds the wait a prioritized request may be granted
	// when it borrows from a future bucket. Zero disables borrowing, so it
	// is left alone by defaulting; DefaultConfig sets 500.
	MaxOccupyWaitMs int `mapstructure:"max_occupy_wait_ms"`
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Port:            18730,
		IdleSeconds:     600,
		ScanInterval:    10 * time.Second,
		Namespaces:      []string{rule.DefaultNamespace},
		MaxAllowedQps:   30000,
		ExceedCount:     1.0,
		MaxOccupyWaitMs: 500,
	}
}

func applyConfigDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.IdleSeconds == 0 {
		cfg.IdleSeconds = def.IdleSeconds
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if len(cfg.Namespaces) == 0 {
		cfg.Namespaces = def.Namespaces
	}
	if cfg.MaxAllowedQps == 0 {
		cfg.MaxAllowedQps = def.MaxAllowedQps
	}
	if cfg.ExceedCount == 0 {
		cfg.ExceedCount = def.ExceedCount
	}
	return cfg
}

// Validate checks every field.
func (c Config) Validate() error {
	if err := validation.ValidatePort("server", "Port", c.Port); err != nil {
		return err
	}
	if err := validation.ValidatePositive("server", "IdleSeconds", c.IdleSeconds); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("server", "ScanInterval", c.ScanInterval); err != nil {
		return err
	}
	for _, ns := range c.Namespaces {
		if err := validation.ValidateNotEmpty("server", "Namespaces", ns); err != nil {
			return err
		}
	}
	if err := validation.ValidatePositiveFloat("server", "MaxAllowedQps", c.MaxAllowedQps); err != nil {
		return err
	}
	if err := validation.ValidatePositiveFloat("server", "ExceedCount", c.ExceedCount); err != nil {
		return err
	}
	return validation.ValidateNonNegative("server", "MaxOccupyWaitMs", float64(c.MaxOccupyWaitMs))
}

func (c Config) clone() Config {
	c.Namespaces = slices.Clone(c.Namespaces)
	return c
}

// SettingsListener is called with the previous and the new settings after
// every applied update.
type SettingsListener func(old, updated Config)

// Settings holds the server Config and notifies listeners of changes.
type Settings struct {
	mu        sync.RWMutex
	cfg       Config
	listeners []SettingsListener
}

// NewSettings fills unset fields of cfg with defaults and validates it.
func NewSettings(cfg Config) (*Settings, error) {
	cfg = applyConfigDefaults(cfg.clone())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Settings{cfg: cfg}, nil
}

// Get returns a copy of the current settings.
func (s *Settings) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// OnChange registers a listener for applied updates.
func (s *Settings) OnChange(listener SettingsListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Update applies fn to a copy of the current settings. An update that fails
// validation is rejected whole and the previous settings stay in effect.
func (s *Settings) Update(fn func(*Config)) error {
	s.mu.Lock()
	old := s.cfg.clone()
	next := s.cfg.clone()
	fn(&next)
	next = applyConfigDefaults(next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(old, next.clone())
	}
	return nil
}

// Replace swaps in cfg whole, filling unset fields with defaults.
func (s *Settings) Replace(cfg Config) error {
	return s.Update(func(c *Config) { *c = cfg.clone() })
}
