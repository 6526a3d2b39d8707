package server

import (
	"sync"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
)

// FlowChecker decides flow token requests against one sliding window per
// flow id.
type FlowChecker struct {
	cfg CheckerConfig

	mu      sync.RWMutex
	windows map[int64]*window.Window
}

// NewFlowChecker creates a checker. Registry and Settings are required.
func NewFlowChecker(cfg CheckerConfig) (*FlowChecker, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &FlowChecker{
		cfg:     cfg,
		windows: make(map[int64]*window.Window),
	}, nil
}

// AcquireClusterToken takes acquire tokens of flowID. When the window is
// full a prioritized request may borrow from a future bucket and is told
// how long to wait.
func (c *FlowChecker) AcquireClusterToken(flowID int64, acquire int32, prioritized bool) Result {
	if acquire <= 0 {
		return statusOnly(protocol.StatusBadRequest)
	}
	r, ok := c.cfg.Registry.FlowRule(flowID)
	if !ok {
		return statusOnly(protocol.StatusNoRuleExists)
	}
	ns := r.Namespace
	if c.cfg.Limiter != nil && !c.cfg.Limiter.TryPass(ns) {
		return statusOnly(protocol.StatusTooManyRequest)
	}

	w, err := c.window(flowID, r.Config())
	if err != nil {
		return statusOnly(protocol.StatusFail)
	}

	settings := c.cfg.Settings.Get()
	n := int64(acquire)
	threshold := c.cfg.threshold(r.Threshold, r.ThresholdType, ns, settings.ExceedCount)

	if passed, remaining := w.TryPass(n, threshold); passed {
		c.cfg.Metrics.FlowPassed.WithLabelValues(ns).Add(float64(n))
		return Result{Status: protocol.StatusOK, RemainingCount: clampInt32(remaining)}
	}

	if prioritized && settings.MaxOccupyWaitMs > 0 {
		if wait, occupied := w.TryOccupyNext(n, threshold, int64(settings.MaxOccupyWaitMs)); occupied {
			c.cfg.Metrics.FlowOccupied.WithLabelValues(ns).Add(float64(n))
			return Result{Status: protocol.StatusShouldWait, WaitInMs: clampInt32(wait)}
		}
	}

	w.AddBlock(n)
	c.cfg.Metrics.FlowBlocked.WithLabelValues(ns).Add(float64(n))
	return statusOnly(protocol.StatusBlocked)
}

// window returns the window of flowID, rebuilding it when the rule's
// window shape changed.
func (c *FlowChecker) window(flowID int64, cfg rule.FlowConfig) (*window.Window, error) {
	c.mu.RLock()
	w, ok := c.windows[flowID]
	c.mu.RUnlock()
	if ok && matches(w, cfg) {
		return w, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[flowID]; ok && matches(w, cfg) {
		return w, nil
	}
	w, err := window.New(cfg.SampleCount, cfg.WindowIntervalMs, c.cfg.Clock)
	if err != nil {
		return nil, err
	}
	c.windows[flowID] = w
	return w, nil
}

func matches(w *window.Window, cfg rule.FlowConfig) bool {
	return w.SampleCount() == cfg.SampleCount && w.IntervalMs() == int64(cfg.WindowIntervalMs)
}

// Reset drops the counters of flowIDs.
func (c *FlowChecker) Reset(flowIDs ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range flowIDs {
		delete(c.windows, id)
	}
}

// Stats returns the passed and blocked counts of flowID in its current
// window.
func (c *FlowChecker) Stats(flowID int64) (pass, block int64, ok bool) {
	c.mu.RLock()
	w, ok := c.windows[flowID]
	c.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return w.Pass(), w.Block(), true
}
