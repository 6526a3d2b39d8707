package rule

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// FileSource loads rules from a YAML (or any viper supported) file of the
// form
//
//	namespaces:
//	  - name: orders
//	    flow_rules:
//	      - flow_id: 101
//	        threshold: 500
//	        threshold_type: 1
//	    param_flow_rules:
//	      - flow_id: 201
//	        threshold: 10
//	        items:
//	          vip: 100
//
// The file is the complete rule state: namespaces missing from it are
// cleared on every load.
type FileSource struct {
	v       *viper.Viper
	manager *Manager
	logger  *zap.Logger

	mu       sync.Mutex
	watching bool
}

type ruleFile struct {
	Namespaces []NamespaceRules `mapstructure:"namespaces"`
}

// NewFileSource creates a source reading path into manager.
func NewFileSource(manager *Manager, path string, logger *zap.Logger) (*FileSource, error) {
	if manager == nil {
		return nil, errors.NewValidationError("rule", "manager", nil, "manager is required")
	}
	if path == "" {
		return nil, errors.NewValidationError("rule", "path", path, "cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigFile(path)
	return &FileSource{
		v:       v,
		manager: manager,
		logger:  logger.With(zap.String("source", "file"), zap.String("path", path)),
	}, nil
}

// Load reads the file and applies it.
func (s *FileSource) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.ReadInConfig(); err != nil {
		return errors.NewOperationError("rule", "Load", err)
	}
	return s.applyLocked()
}

func (s *FileSource) applyLocked() error {
	var f ruleFile
	if err := s.v.Unmarshal(&f); err != nil {
		return errors.NewOperationError("rule", "Load", err)
	}
	return s.manager.ReplaceAll(f.Namespaces)
}

// Watch reapplies the file whenever it changes on disk. An invalid edit is
// logged and leaves the previous rules in place.
func (s *FileSource) Watch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watching {
		return
	}
	s.watching = true

	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.applyLocked(); err != nil {
			s.logger.Error("rule file rejected", zap.String("op", e.Op.String()), zap.Error(err))
			return
		}
		s.logger.Info("rule file reloaded", zap.String("op", e.Op.String()))
	})
	s.v.WatchConfig()
}
