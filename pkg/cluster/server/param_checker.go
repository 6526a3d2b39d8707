package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
)

const (
	// DefaultParamWindowTTL is how long the window of an unused parameter
	// value is kept.
	DefaultParamWindowTTL = 2 * time.Minute

	paramCleanupInterval = time.Minute
)

// ParamFlowChecker decides hot-parameter token requests. Every distinct
// value of a flow gets its own sliding window; windows of values that stop
// showing up expire.
type ParamFlowChecker struct {
	cfg     CheckerConfig
	ttl     time.Duration
	windows *cache.Cache

	locks sync.Map // flow id -> *sync.Mutex
}

// NewParamFlowChecker creates a checker whose per-value windows expire after
// ttl without use. A non-positive ttl selects DefaultParamWindowTTL.
func NewParamFlowChecker(cfg CheckerConfig, ttl time.Duration) (*ParamFlowChecker, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultParamWindowTTL
	}
	return &ParamFlowChecker{
		cfg:     cfg,
		ttl:     ttl,
		windows: cache.New(ttl, paramCleanupInterval),
	}, nil
}

// AcquireParamToken takes acquire tokens of flowID for every value in params.
// Either every value passes and is counted, or the request is blocked and
// nothing is taken.
func (c *ParamFlowChecker) AcquireParamToken(flowID int64, acquire int32, params []interface{}) Result {
	if acquire <= 0 || len(params) == 0 {
		return statusOnly(protocol.StatusBadRequest)
	}
	r, ok := c.cfg.Registry.ParamFlowRule(flowID)
	if !ok {
		return statusOnly(protocol.StatusNoRuleExists)
	}
	ns := r.Namespace
	if c.cfg.Limiter != nil && !c.cfg.Limiter.TryPass(ns) {
		return statusOnly(protocol.StatusTooManyRequest)
	}

	exceed := c.cfg.Settings.Get().ExceedCount
	n := int64(acquire)
	values := distinctValues(params)

	mu := c.lock(flowID)
	mu.Lock()
	defer mu.Unlock()

	windows := make([]*window.Window, len(values))
	remaining := int64(-1)
	for i, v := range values {
		w, err := c.window(flowID, v, r.Config())
		if err != nil {
			return statusOnly(protocol.StatusFail)
		}
		windows[i] = w

		threshold := c.cfg.threshold(r.ThresholdFor(v), r.ThresholdType, ns, exceed)
		left := threshold - w.Sum() - n
		if left < 0 {
			w.AddBlock(n)
			c.cfg.Metrics.FlowBlocked.WithLabelValues(ns).Add(float64(n))
			return statusOnly(protocol.StatusBlocked)
		}
		if remaining < 0 || left < remaining {
			remaining = left
		}
	}

	for _, w := range windows {
		w.AddPass(n)
	}
	c.cfg.Metrics.FlowPassed.WithLabelValues(ns).Add(float64(n))
	return Result{Status: protocol.StatusOK, RemainingCount: clampInt32(remaining)}
}

func (c *ParamFlowChecker) lock(flowID int64) *sync.Mutex {
	if mu, ok := c.locks.Load(flowID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := c.locks.LoadOrStore(flowID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// window returns the window of one value, refreshing its expiry. Callers
// hold the flow lock.
func (c *ParamFlowChecker) window(flowID int64, value string, cfg rule.FlowConfig) (*window.Window, error) {
	key := paramKey(flowID, value)
	if v, exp, ok := c.windows.GetWithExpiration(key); ok {
		w := v.(*window.Window)
		if matches(w, cfg) {
			if time.Until(exp) < c.ttl/2 {
				c.windows.Set(key, w, c.ttl)
			}
			return w, nil
		}
	}
	w, err := window.New(cfg.SampleCount, cfg.WindowIntervalMs, c.cfg.Clock)
	if err != nil {
		return nil, err
	}
	c.windows.Set(key, w, c.ttl)
	return w, nil
}

// Reset drops the windows of every value of flowIDs.
func (c *ParamFlowChecker) Reset(flowIDs ...int64) {
	if len(flowIDs) == 0 {
		return
	}
	prefixes := make([]string, len(flowIDs))
	for i, id := range flowIDs {
		prefixes[i] = paramKey(id, "")
	}
	for key := range c.windows.Items() {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				c.windows.Delete(key)
				break
			}
		}
	}
}

// ValueCount returns the number of values of flowID that currently hold a
// window.
func (c *ParamFlowChecker) ValueCount(flowID int64) int {
	prefix := paramKey(flowID, "")
	n := 0
	for key := range c.windows.Items() {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func paramKey(flowID int64, value string) string {
	return strconv.FormatInt(flowID, 10) + "|" + value
}

// distinctValues returns the string forms of params without repeats, so a
// value sent twice is only counted once.
func distinctValues(params []interface{}) []string {
	seen := make(map[string]struct{}, len(params))
	out := make([]string, 0, len(params))
	for _, p := range params {
		v := fmt.Sprint(p)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
