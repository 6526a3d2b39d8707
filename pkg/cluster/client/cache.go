package client

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
)

// Cache lookup outcomes recorded in the cache_lookups metric.
const (
	lookupHit       = "hit"
	lookupMiss      = "miss"
	lookupBypass    = "bypass"
	lookupReplay    = "replay"
	lookupExhausted = "exhausted"
)

type remoteFunc func(ctx context.Context, flowID int64, acquire int32) TokenResult

// cacheEntry is the local allowance of one flow. remoteCount is positive
// while prefetched tokens are left and negative once consumption ran ahead
// of the last grant.
type cacheEntry struct {
	mu          sync.Mutex
	remoteCount int64
	lastRefill  time.Time
	lastStatus  protocol.Status
	lastWaitMs  int32
}

// tokenCache serves token requests from a per-flow allowance refilled by
// remote calls. Entries are locked individually; unrelated flows never
// contend.
type tokenCache struct {
	entries  sync.Map // int64 -> *cacheEntry
	interval time.Duration
	clock    window.Clock
	remote   remoteFunc
	metrics  *metrics.Registry
}

func newTokenCache(interval time.Duration, clock window.Clock, remote remoteFunc, reg *metrics.Registry) *tokenCache {
	return &tokenCache{
		interval: interval,
		clock:    clock,
		remote:   remote,
		metrics:  reg,
	}
}

func (tc *tokenCache) entry(flowID int64) *cacheEntry {
	if e, ok := tc.entries.Load(flowID); ok {
		return e.(*cacheEntry)
	}
	e, _ := tc.entries.LoadOrStore(flowID, &cacheEntry{})
	return e.(*cacheEntry)
}

func (tc *tokenCache) lookup(result string) {
	tc.metrics.CacheLookups.WithLabelValues(result).Inc()
}

// request takes acquire tokens of flowID, refilling prefetch tokens (twice
// that after a fully overdrawn cycle) from the server at most once per
// interval. The counter never drops below -2*prefetch between refills.
func (tc *tokenCache) request(ctx context.Context, flowID int64, acquire, prefetch int32) TokenResult {
	if acquire <= 0 {
		return statusResult(protocol.StatusBadRequest)
	}
	if prefetch <= 0 {
		tc.lookup(lookupBypass)
		return tc.remote(ctx, flowID, acquire)
	}

	e := tc.entry(flowID)
	e.mu.Lock()
	defer e.mu.Unlock()

	need := int64(acquire)
	if need > int64(prefetch) {
		tc.lookup(lookupBypass)
		return tc.remote(ctx, flowID, acquire)
	}
	refill := int64(prefetch)
	if e.remoteCount <= -refill {
		refill *= 2
	}

	now := tc.clock.Now()
	if !e.lastRefill.IsZero() && now.Sub(e.lastRefill) < tc.interval {
		switch e.lastStatus {
		case protocol.StatusOK, protocol.StatusShouldWait:
			if e.remoteCount-need < -2*int64(prefetch) {
				tc.lookup(lookupExhausted)
				return TokenResult{Status: protocol.StatusFail, FromCached: true}
			}
			e.remoteCount -= need

			var wait int32
			if e.lastStatus == protocol.StatusShouldWait {
				elapsed := now.Sub(e.lastRefill).Milliseconds()
				wait = int32(max(int64(e.lastWaitMs)-elapsed, 0))
			}
			tc.lookup(lookupHit)
			return TokenResult{
				Status:         e.lastStatus,
				RemainingCount: clampRemaining(e.remoteCount),
				WaitInMs:       wait,
				FromCached:     true,
			}
		default:
			tc.lookup(lookupReplay)
			return TokenResult{
				Status:         e.lastStatus,
				RemainingCount: clampRemaining(e.remoteCount),
				FromCached:     true,
			}
		}
	}

	res := tc.remote(ctx, flowID, int32(refill))
	e.lastRefill = tc.clock.Now()
	e.lastStatus = res.Status
	e.lastWaitMs = res.WaitInMs
	if res.Passed() {
		e.remoteCount += refill - need
	}
	tc.lookup(lookupMiss)
	res.FromCached = false
	return res
}

func clampRemaining(n int64) int32 {
	if n <= 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

func (tc *tokenCache) reset(flowID int64) {
	tc.entries.Delete(flowID)
}

func (tc *tokenCache) resetAll() {
	tc.entries.Range(func(key, _ interface{}) bool {
		tc.entries.Delete(key)
		return true
	})
}
