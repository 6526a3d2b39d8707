package server

import (
	"math"
	"sync"

	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
)

const (
	globalSampleCount = 10
	globalIntervalMs  = 1000
)

// GlobalLimiter caps the requests per second the server accepts from each
// namespace, ahead of any flow check.
type GlobalLimiter struct {
	clock window.Clock

	mu      sync.RWMutex
	qps     float64
	windows map[string]*window.Window
}

// NewGlobalLimiter creates a limiter admitting maxQps requests per second
// per namespace.
func NewGlobalLimiter(maxQps float64, clock window.Clock) *GlobalLimiter {
	return &GlobalLimiter{
		clock:   clock,
		qps:     maxQps,
		windows: make(map[string]*window.Window),
	}
}

// TryPass admits one request of namespace.
func (l *GlobalLimiter) TryPass(namespace string) bool {
	w, threshold := l.window(namespace)
	ok, _ := w.TryPass(1, threshold)
	return ok
}

// MaxAllowedQps returns the current limit.
func (l *GlobalLimiter) MaxAllowedQps() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.qps
}

// SetMaxAllowedQps changes the limit and resets every namespace counter.
func (l *GlobalLimiter) SetMaxAllowedQps(qps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.qps = qps
	l.windows = make(map[string]*window.Window)
}

func (l *GlobalLimiter) window(namespace string) (*window.Window, int64) {
	l.mu.RLock()
	w, ok := l.windows[namespace]
	threshold := int64(math.Floor(l.qps * globalIntervalMs / 1000))
	l.mu.RUnlock()
	if ok {
		return w, threshold
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	threshold = int64(math.Floor(l.qps * globalIntervalMs / 1000))
	if w, ok := l.windows[namespace]; ok {
		return w, threshold
	}
	// The sample count divides the interval, so New cannot fail.
	w, _ = window.New(globalSampleCount, globalIntervalMs, l.clock)
	l.windows[namespace] = w
	return w, threshold
}
