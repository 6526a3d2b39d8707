package rule

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// RedisSourceConfig configures a RedisSource.
type RedisSourceConfig struct {
	// Client is the Redis connection. Required.
	Client redis.UniversalClient

	// KeyPrefix namespaces every key the source touches.
	// Default: "clusterflow"
	KeyPrefix string

	// Filter, if set, limits Watch to the namespaces it accepts. It is
	// consulted on every notification, so it may track a changing set.
	Filter func(namespace string) bool

	// Logger receives load and watch events. If nil, logging is disabled.
	Logger *zap.Logger
}

// RedisSource keeps a Manager in sync with rules stored in Redis. Each
// namespace owns two hashes mapping flow id to a JSON encoded rule:
//
//	<prefix>:flow:<namespace>
//	<prefix>:param:<namespace>
//
// The set <prefix>:namespaces lists the known namespaces, and every update
// publishes the namespace name on <prefix>:rules:changed.
type RedisSource struct {
	client  redis.UniversalClient
	prefix  string
	manager *Manager
	filter  func(string) bool
	logger  *zap.Logger
}

// NewRedisSource creates a source feeding manager.
func NewRedisSource(manager *Manager, config RedisSourceConfig) (*RedisSource, error) {
	if manager == nil {
		return nil, errors.NewValidationError("rule", "manager", nil, "manager is required")
	}
	if config.Client == nil {
		return nil, errors.NewValidationError("rule", "Client", nil, "redis client is required").
			WithHint("pass a *redis.Client or *redis.ClusterClient")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "clusterflow"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &RedisSource{
		client:  config.Client,
		prefix:  config.KeyPrefix,
		manager: manager,
		filter:  config.Filter,
		logger:  config.Logger.With(zap.String("source", "redis")),
	}, nil
}

func (s *RedisSource) flowKey(ns string) string  { return s.prefix + ":flow:" + ns }
func (s *RedisSource) paramKey(ns string) string { return s.prefix + ":param:" + ns }
func (s *RedisSource) namespacesKey() string     { return s.prefix + ":namespaces" }

// Channel is the pub/sub channel carrying change notifications.
func (s *RedisSource) Channel() string { return s.prefix + ":rules:changed" }

// Save stores the complete rule set of namespace and notifies watchers.
func (s *RedisSource) Save(ctx context.Context, namespace string, flow []FlowRule, param []ParamFlowRule) error {
	namespace = normalizeNamespace(namespace)

	flowFields := make(map[string]interface{}, len(flow))
	for _, r := range flow {
		r.Namespace = namespace
		b, err := json.Marshal(r)
		if err != nil {
			return errors.NewOperationError("rule", "Save", err)
		}
		flowFields[strconv.FormatInt(r.FlowID, 10)] = b
	}
	paramFields := make(map[string]interface{}, len(param))
	for _, r := range param {
		r.Namespace = namespace
		b, err := json.Marshal(r)
		if err != nil {
			return errors.NewOperationError("rule", "Save", err)
		}
		paramFields[strconv.FormatInt(r.FlowID, 10)] = b
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.flowKey(namespace), s.paramKey(namespace))
		if len(flowFields) > 0 {
			pipe.HSet(ctx, s.flowKey(namespace), flowFields)
		}
		if len(paramFields) > 0 {
			pipe.HSet(ctx, s.paramKey(namespace), paramFields)
		}
		pipe.SAdd(ctx, s.namespacesKey(), namespace)
		return nil
	})
	if err != nil {
		return errors.NewOperationError("rule", "Save", err).WithContext("namespace " + namespace)
	}
	if err := s.client.Publish(ctx, s.Channel(), namespace).Err(); err != nil {
		return errors.NewOperationError("rule", "Save", err).WithContext("publish " + namespace)
	}
	return nil
}

// Load reads the rules of one namespace from Redis into the manager.
func (s *RedisSource) Load(ctx context.Context, namespace string) error {
	set, err := s.fetch(ctx, normalizeNamespace(namespace))
	if err != nil {
		return err
	}
	return s.manager.Load(set.Name, set.FlowRules, set.ParamFlowRules, true, true)
}

// LoadAll reads every namespace listed in Redis and replaces the manager
// state with them.
func (s *RedisSource) LoadAll(ctx context.Context) error {
	namespaces, err := s.client.SMembers(ctx, s.namespacesKey()).Result()
	if err != nil {
		return errors.NewOperationError("rule", "LoadAll", err)
	}

	sets := make([]NamespaceRules, 0, len(namespaces))
	for _, ns := range namespaces {
		set, err := s.fetch(ctx, ns)
		if err != nil {
			return err
		}
		sets = append(sets, set)
	}
	return s.manager.ReplaceAll(sets)
}

func (s *RedisSource) fetch(ctx context.Context, namespace string) (NamespaceRules, error) {
	set := NamespaceRules{Name: namespace}

	pipe := s.client.Pipeline()
	flowCmd := pipe.HGetAll(ctx, s.flowKey(namespace))
	paramCmd := pipe.HGetAll(ctx, s.paramKey(namespace))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return set, errors.NewOperationError("rule", "Load", err).WithContext("namespace " + namespace)
	}

	for field, raw := range flowCmd.Val() {
		var r FlowRule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return set, errors.NewOperationError("rule", "Load", err).WithContext(s.flowKey(namespace) + " field " + field)
		}
		set.FlowRules = append(set.FlowRules, r)
	}
	for field, raw := range paramCmd.Val() {
		var r ParamFlowRule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return set, errors.NewOperationError("rule", "Load", err).WithContext(s.paramKey(namespace) + " field " + field)
		}
		set.ParamFlowRules = append(set.ParamFlowRules, r)
	}
	return set, nil
}

// Watch subscribes to change notifications and reloads the announced
// namespace on each one. The subscription is confirmed before Watch
// returns. The returned stop function ends the watch and waits for it.
func (s *RedisSource) Watch(ctx context.Context) (stop func(), err error) {
	sub := s.client.Subscribe(ctx, s.Channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.NewOperationError("rule", "Watch", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if s.filter != nil && !s.filter(msg.Payload) {
					s.logger.Debug("ignoring namespace", zap.String("namespace", msg.Payload))
					continue
				}
				if err := s.Load(ctx, msg.Payload); err != nil {
					s.logger.Error("reload failed",
						zap.String("namespace", msg.Payload),
						zap.Error(err))
					continue
				}
				s.logger.Debug("reloaded namespace", zap.String("namespace", msg.Payload))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
			wg.Wait()
		})
	}, nil
}
