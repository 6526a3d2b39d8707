package loadgen

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
)

// pacer is a token bucket shared by all workers. Reservations may drive the
// balance negative; each caller then sleeps until its token has accrued.
type pacer struct {
	clock window.Clock
	rate  float64 // tokens per second; +Inf never waits
	burst float64

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

func newPacer(rate float64, burst int, clock window.Clock) *pacer {
	if rate <= 0 {
		rate = math.Inf(1)
	}
	if burst <= 0 {
		burst = 1
	}
	return &pacer{
		clock:      clock,
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastUpdate: clock.Now(),
	}
}

// reserve takes one token and returns how long the caller must wait
// before using it.
func (p *pacer) reserve() time.Duration {
	if math.IsInf(p.rate, 1) {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if elapsed := now.Sub(p.lastUpdate); elapsed > 0 {
		p.tokens = math.Min(p.tokens+elapsed.Seconds()*p.rate, p.burst)
		p.lastUpdate = now
	}

	p.tokens--
	if p.tokens >= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) * -p.tokens / p.rate)
}

// cancel returns a reserved token that was never used.
func (p *pacer) cancel() {
	if math.IsInf(p.rate, 1) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = math.Min(p.tokens+1, p.burst)
}

// Wait blocks until the caller may send its next request.
func (p *pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delay := p.reserve()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
