package rule

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// Registry is the read side of the rule store consumed by the token server.
type Registry interface {
	// FlowConfig returns the configuration of flowID. An empty namespace
	// matches any namespace.
	FlowConfig(namespace string, flowID int64) (FlowConfig, bool)

	// FlowRule returns the flow rule registered for flowID.
	FlowRule(flowID int64) (FlowRule, bool)

	// ParamFlowRule returns the param flow rule registered for flowID.
	ParamFlowRule(flowID int64) (ParamFlowRule, bool)

	// OnConfigChange registers a listener called after every change.
	OnConfigChange(listener ChangeListener)
}

// Change describes one applied rule update. FlowIDs and ParamFlowIDs list
// the flows whose rule was added, changed or removed.
type Change struct {
	Namespace    string
	FlowIDs      []int64
	ParamFlowIDs []int64
}

// ChangeListener is notified of applied changes. Listeners run on the
// goroutine that applied the change and must not call back into the
// Manager's write methods.
type ChangeListener func(Change)

type snapshot struct {
	flow       map[int64]FlowRule
	param      map[int64]ParamFlowRule
	namespaces map[string]struct{}
}

// Manager holds flow and param flow rules grouped by namespace. Reads go
// through an immutable snapshot; writers build a new snapshot and swap it
// in, so a rejected update never leaves partial state behind.
type Manager struct {
	snap atomic.Pointer[snapshot]

	mu        sync.Mutex
	listeners []ChangeListener
	logger    *zap.Logger
}

var _ Registry = (*Manager)(nil)

// NewManager creates an empty manager. A nil logger disables logging.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	m.snap.Store(&snapshot{
		flow:       map[int64]FlowRule{},
		param:      map[int64]ParamFlowRule{},
		namespaces: map[string]struct{}{},
	})
	return m
}

// FlowConfig implements Registry.
func (m *Manager) FlowConfig(namespace string, flowID int64) (FlowConfig, bool) {
	r, ok := m.snap.Load().flow[flowID]
	if !ok || (namespace != "" && r.Namespace != namespace) {
		return FlowConfig{}, false
	}
	return r.Config(), true
}

// FlowRule implements Registry.
func (m *Manager) FlowRule(flowID int64) (FlowRule, bool) {
	r, ok := m.snap.Load().flow[flowID]
	return r, ok
}

// ParamFlowRule implements Registry.
func (m *Manager) ParamFlowRule(flowID int64) (ParamFlowRule, bool) {
	r, ok := m.snap.Load().param[flowID]
	return r, ok
}

// OnConfigChange implements Registry.
func (m *Manager) OnConfigChange(listener ChangeListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// FlowRules returns the flow rules of a namespace sorted by flow id.
func (m *Manager) FlowRules(namespace string) []FlowRule {
	namespace = normalizeNamespace(namespace)
	var out []FlowRule
	for _, r := range m.snap.Load().flow {
		if r.Namespace == namespace {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out
}

// ParamFlowRules returns the param flow rules of a namespace sorted by flow id.
func (m *Manager) ParamFlowRules(namespace string) []ParamFlowRule {
	namespace = normalizeNamespace(namespace)
	var out []ParamFlowRule
	for _, r := range m.snap.Load().param {
		if r.Namespace == namespace {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out
}

// Namespaces returns the namespaces that currently hold rules, sorted.
func (m *Manager) Namespaces() []string {
	snap := m.snap.Load()
	out := make([]string, 0, len(snap.namespaces))
	for ns := range snap.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// LoadFlowRules replaces every flow rule of namespace with rules. The whole
// batch is validated first; on error nothing changes.
func (m *Manager) LoadFlowRules(namespace string, rules []FlowRule) error {
	return m.Load(namespace, rules, nil, true, false)
}

// LoadParamFlowRules replaces every param flow rule of namespace with rules.
func (m *Manager) LoadParamFlowRules(namespace string, rules []ParamFlowRule) error {
	return m.Load(namespace, nil, rules, false, true)
}

// RemoveNamespace drops every rule of namespace.
func (m *Manager) RemoveNamespace(namespace string) {
	_ = m.Load(namespace, nil, nil, true, true)
}

// Load replaces the flow rules (when replaceFlow) and the param flow rules
// (when replaceParam) of namespace in one step.
func (m *Manager) Load(namespace string, flow []FlowRule, param []ParamFlowRule, replaceFlow, replaceParam bool) error {
	namespace = normalizeNamespace(namespace)

	m.mu.Lock()
	next, change, err := build(m.snap.Load(), namespace, flow, param, replaceFlow, replaceParam)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("rejected rule update", zap.String("namespace", namespace), zap.Error(err))
		return err
	}
	m.snap.Store(next)
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	m.notify(listeners, []Change{change})
	return nil
}

// NamespaceRules is the full rule set of one namespace.
type NamespaceRules struct {
	Name           string          `mapstructure:"name" json:"name"`
	FlowRules      []FlowRule      `mapstructure:"flow_rules" json:"flow_rules"`
	ParamFlowRules []ParamFlowRule `mapstructure:"param_flow_rules" json:"param_flow_rules"`
}

// ReplaceAll installs sets as the complete rule state. Namespaces that are not
// listed lose their rules. Either every namespace is applied or none is.
func (m *Manager) ReplaceAll(sets []NamespaceRules) error {
	m.mu.Lock()
	cur := m.snap.Load()
	listed := make(map[string]struct{}, len(sets))
	var changes []Change
	for _, set := range sets {
		ns := normalizeNamespace(set.Name)
		if _, dup := listed[ns]; dup {
			m.mu.Unlock()
			return errors.NewValidationError("rule", "namespace", ns, "listed twice")
		}
		listed[ns] = struct{}{}

		next, change, err := build(cur, ns, set.FlowRules, set.ParamFlowRules, true, true)
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("rejected rule set", zap.String("namespace", ns), zap.Error(err))
			return err
		}
		cur = next
		changes = append(changes, change)
	}
	for ns := range m.snap.Load().namespaces {
		if _, ok := listed[ns]; ok {
			continue
		}
		next, change, _ := build(cur, ns, nil, nil, true, true)
		cur = next
		changes = append(changes, change)
	}
	m.snap.Store(cur)
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	m.notify(listeners, changes)
	return nil
}

func (m *Manager) notify(listeners []ChangeListener, changes []Change) {
	for _, change := range changes {
		if len(change.FlowIDs) == 0 && len(change.ParamFlowIDs) == 0 {
			continue
		}
		m.logger.Info("rules updated",
			zap.String("namespace", change.Namespace),
			zap.Int64s("flow_ids", change.FlowIDs),
			zap.Int64s("param_flow_ids", change.ParamFlowIDs))
		for _, l := range listeners {
			l(change)
		}
	}
}

func build(old *snapshot, namespace string, flow []FlowRule, param []ParamFlowRule, replaceFlow, replaceParam bool) (*snapshot, Change, error) {
	change := Change{Namespace: namespace}
	next := &snapshot{
		flow:       make(map[int64]FlowRule, len(old.flow)+len(flow)),
		param:      make(map[int64]ParamFlowRule, len(old.param)+len(param)),
		namespaces: make(map[string]struct{}, len(old.namespaces)+1),
	}

	for id, r := range old.flow {
		if !replaceFlow || r.Namespace != namespace {
			next.flow[id] = r
		}
	}
	for id, r := range old.param {
		if !replaceParam || r.Namespace != namespace {
			next.param[id] = r
		}
	}

	if replaceFlow {
		seen := make(map[int64]struct{}, len(flow))
		for _, r := range flow {
			if err := r.normalize(namespace); err != nil {
				return nil, change, err
			}
			if err := checkOwner(seen, next.flow, r.FlowID, namespace); err != nil {
				return nil, change, err
			}
			seen[r.FlowID] = struct{}{}
			next.flow[r.FlowID] = r
		}
		for id, r := range old.flow {
			if r.Namespace != namespace {
				continue
			}
			if nr, ok := next.flow[id]; !ok || nr != r {
				change.FlowIDs = append(change.FlowIDs, id)
			}
		}
		for id := range seen {
			if _, ok := old.flow[id]; !ok {
				change.FlowIDs = append(change.FlowIDs, id)
			}
		}
	}

	if replaceParam {
		seen := make(map[int64]struct{}, len(param))
		for _, r := range param {
			if err := r.normalize(namespace); err != nil {
				return nil, change, err
			}
			if _, dup := seen[r.FlowID]; dup {
				return nil, change, duplicateErr(r.FlowID, namespace)
			}
			if o, ok := next.param[r.FlowID]; ok && o.Namespace != namespace {
				return nil, change, ownedErr(r.FlowID, o.Namespace)
			}
			seen[r.FlowID] = struct{}{}
			next.param[r.FlowID] = r
		}
		for id, r := range old.param {
			if r.Namespace != namespace {
				continue
			}
			if nr, ok := next.param[id]; !ok || !nr.equal(r) {
				change.ParamFlowIDs = append(change.ParamFlowIDs, id)
			}
		}
		for id := range seen {
			if _, ok := old.param[id]; !ok {
				change.ParamFlowIDs = append(change.ParamFlowIDs, id)
			}
		}
	}

	for _, r := range next.flow {
		next.namespaces[r.Namespace] = struct{}{}
	}
	for _, r := range next.param {
		next.namespaces[r.Namespace] = struct{}{}
	}

	sortIDs(change.FlowIDs)
	sortIDs(change.ParamFlowIDs)
	return next, change, nil
}

func checkOwner(seen map[int64]struct{}, current map[int64]FlowRule, id int64, namespace string) error {
	if _, dup := seen[id]; dup {
		return duplicateErr(id, namespace)
	}
	if o, ok := current[id]; ok && o.Namespace != namespace {
		return ownedErr(id, o.Namespace)
	}
	return nil
}

func duplicateErr(id int64, namespace string) error {
	return errors.NewValidationError("rule", "flow_id", id, "duplicated in namespace "+namespace)
}

func ownedErr(id int64, owner string) error {
	return errors.NewValidationError("rule", "flow_id", id, "already owned by namespace "+owner).
		WithHint("flow ids are unique across namespaces")
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
