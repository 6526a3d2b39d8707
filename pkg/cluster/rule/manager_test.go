package rule

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/clusterflow/internal/testutil"
	"github.com/vnykmshr/clusterflow/pkg/common/errors"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) listen(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestLoadFlowRules(t *testing.T) {
	m := NewManager(nil)
	rec := &changeRecorder{}
	m.OnConfigChange(rec.listen)

	err := m.LoadFlowRules("orders", []FlowRule{
		{FlowID: 1, Threshold: 10},
		{FlowID: 2, Threshold: 5, ThresholdType: ThresholdGlobal, WindowIntervalMs: 2000, SampleCount: 4},
	})
	require.NoError(t, err)

	cfg, ok := m.FlowConfig("orders", 1)
	require.True(t, ok)
	testutil.AssertEqual(t, cfg, FlowConfig{
		Threshold:        10,
		ThresholdType:    ThresholdAvgLocal,
		WindowIntervalMs: DefaultWindowIntervalMs,
		SampleCount:      DefaultSampleCount,
	})

	_, ok = m.FlowConfig("payments", 1)
	assert.False(t, ok, "namespace mismatch")
	_, ok = m.FlowConfig("", 2)
	assert.True(t, ok, "empty namespace matches any")

	r, ok := m.FlowRule(2)
	require.True(t, ok)
	testutil.AssertEqual(t, r.Namespace, "orders")

	changes := rec.all()
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Namespace: "orders", FlowIDs: []int64{1, 2}}, changes[0])
	assert.Equal(t, []string{"orders"}, m.Namespaces())
}

func TestLoadReportsOnlyAffectedFlows(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.LoadFlowRules("ns", []FlowRule{
		{FlowID: 1, Threshold: 10},
		{FlowID: 2, Threshold: 10},
		{FlowID: 3, Threshold: 10},
	}))

	rec := &changeRecorder{}
	m.OnConfigChange(rec.listen)

	// 1 unchanged, 2 changed, 3 removed, 4 added.
	require.NoError(t, m.LoadFlowRules("ns", []FlowRule{
		{FlowID: 1, Threshold: 10},
		{FlowID: 2, Threshold: 20},
		{FlowID: 4, Threshold: 10},
	}))

	changes := rec.all()
	require.Len(t, changes, 1)
	assert.Equal(t, []int64{2, 3, 4}, changes[0].FlowIDs)

	// Identical reload notifies nobody.
	require.NoError(t, m.LoadFlowRules("ns", []FlowRule{
		{FlowID: 1, Threshold: 10},
		{FlowID: 2, Threshold: 20},
		{FlowID: 4, Threshold: 10},
	}))
	assert.Len(t, rec.all(), 1)
}

func TestLoadRejectsInvalidBatch(t *testing.T) {
	tests := []struct {
		name  string
		rules []FlowRule
	}{
		{"negative threshold", []FlowRule{{FlowID: 1, Threshold: -1}}},
		{"window not divisible", []FlowRule{{FlowID: 1, Threshold: 1, WindowIntervalMs: 1000, SampleCount: 3}}},
		{"negative sample count", []FlowRule{{FlowID: 1, Threshold: 1, SampleCount: -2}}},
		{"unknown threshold type", []FlowRule{{FlowID: 1, Threshold: 1, ThresholdType: 7}}},
		{"duplicate id", []FlowRule{{FlowID: 1, Threshold: 1}, {FlowID: 1, Threshold: 2}}},
		{"id owned elsewhere", []FlowRule{{FlowID: 100, Threshold: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			require.NoError(t, m.LoadFlowRules("other", []FlowRule{{FlowID: 100, Threshold: 1}}))
			require.NoError(t, m.LoadFlowRules("ns", []FlowRule{{FlowID: 9, Threshold: 3}}))

			err := m.LoadFlowRules("ns", append([]FlowRule{{FlowID: 10, Threshold: 1}}, tt.rules...))
			testutil.AssertError(t, err)
			assert.True(t, errors.IsValidationError(err))

			// Previous state untouched.
			_, ok := m.FlowRule(10)
			assert.False(t, ok)
			r, ok := m.FlowRule(9)
			require.True(t, ok)
			testutil.AssertEqual(t, r.Threshold, float64(3))
		})
	}
}

func TestParamFlowRules(t *testing.T) {
	m := NewManager(nil)
	rec := &changeRecorder{}
	m.OnConfigChange(rec.listen)

	require.NoError(t, m.LoadParamFlowRules("", []ParamFlowRule{
		{FlowID: 7, Threshold: 2, Items: map[string]float64{"vip": 50}},
	}))

	r, ok := m.ParamFlowRule(7)
	require.True(t, ok)
	testutil.AssertEqual(t, r.Namespace, DefaultNamespace)
	testutil.AssertEqual(t, r.ThresholdFor("vip"), float64(50))
	testutil.AssertEqual(t, r.ThresholdFor("other"), float64(2))

	// Changing only an item override counts as a change.
	require.NoError(t, m.LoadParamFlowRules("", []ParamFlowRule{
		{FlowID: 7, Threshold: 2, Items: map[string]float64{"vip": 60}},
	}))
	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, []int64{7}, changes[1].ParamFlowIDs)
	assert.Empty(t, changes[1].FlowIDs)

	err := m.LoadParamFlowRules("", []ParamFlowRule{
		{FlowID: 8, Threshold: 1, Items: map[string]float64{"bad": -1}},
	})
	assert.True(t, errors.IsValidationError(err))
}

func TestReplaceAll(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.LoadFlowRules("a", []FlowRule{{FlowID: 1, Threshold: 1}}))
	require.NoError(t, m.LoadFlowRules("b", []FlowRule{{FlowID: 2, Threshold: 1}}))

	rec := &changeRecorder{}
	m.OnConfigChange(rec.listen)

	require.NoError(t, m.ReplaceAll([]NamespaceRules{
		{Name: "a", FlowRules: []FlowRule{{FlowID: 1, Threshold: 1}}},
		{Name: "c", ParamFlowRules: []ParamFlowRule{{FlowID: 3, Threshold: 4}}},
	}))

	assert.Equal(t, []string{"a", "c"}, m.Namespaces())
	_, ok := m.FlowRule(2)
	assert.False(t, ok)

	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, Change{Namespace: "c", ParamFlowIDs: []int64{3}}, changes[0])
	assert.Equal(t, Change{Namespace: "b", FlowIDs: []int64{2}}, changes[1])

	// A bad namespace rejects the whole set.
	err := m.ReplaceAll([]NamespaceRules{
		{Name: "a"},
		{Name: "c", FlowRules: []FlowRule{{FlowID: 5, Threshold: -1}}},
	})
	testutil.AssertError(t, err)
	assert.Equal(t, []string{"a", "c"}, m.Namespaces())

	err = m.ReplaceAll([]NamespaceRules{{Name: "a"}, {Name: "a"}})
	assert.True(t, errors.IsValidationError(err))
}

func TestRemoveNamespace(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.LoadFlowRules("a", []FlowRule{{FlowID: 1, Threshold: 1}}))
	require.NoError(t, m.LoadParamFlowRules("a", []ParamFlowRule{{FlowID: 2, Threshold: 1}}))

	m.RemoveNamespace("a")
	assert.Empty(t, m.Namespaces())
	assert.Empty(t, m.FlowRules("a"))
	assert.Empty(t, m.ParamFlowRules("a"))
}

func TestConcurrentReadsDuringLoad(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.LoadFlowRules("ns", []FlowRule{{FlowID: 1, Threshold: 1}}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_, ok := m.FlowConfig("ns", 1)
				assert.True(t, ok)
			}
		}()
	}
	for j := 0; j < 100; j++ {
		require.NoError(t, m.LoadFlowRules("ns", []FlowRule{{FlowID: 1, Threshold: float64(j)}}))
	}
	wg.Wait()
}
