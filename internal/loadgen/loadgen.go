// Package loadgen drives a token server with synthetic token requests and
// summarizes the outcomes.
package loadgen

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnykmshr/clusterflow/pkg/cluster/client"
	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
	"github.com/vnykmshr/clusterflow/pkg/common/validation"
)

// Requester asks for tokens. *client.TokenClient implements it.
type Requester interface {
	RequestToken(ctx context.Context, flowID int64, acquire int32, prioritized bool) client.TokenResult
	RequestParamToken(ctx context.Context, flowID int64, acquire int32, params []interface{}) client.TokenResult
	RequestTokenWithCache(ctx context.Context, flowID int64, acquire, prefetch int32) client.TokenResult
}

// Config describes one load run.
type Config struct {
	FlowID  int64
	Acquire int32

	// Prefetch routes requests through the client token cache when positive.
	Prefetch int32

	Prioritized bool

	// Params, when set, sends PARAM_FLOW requests with these values.
	Params []string

	// Rate caps requests per second across all workers. Zero is unlimited.
	Rate float64

	// Workers is the number of concurrent senders.
	// Default: 1
	Workers int

	// Duration bounds the run. Zero runs until ctx is done.
	Duration time.Duration

	// HonorWait makes workers sleep for the wait of SHOULD_WAIT results.
	HonorWait bool

	Clock  window.Clock
	Logger *zap.Logger
}

func (c Config) validate() error {
	if err := validation.ValidatePositive("loadgen", "Acquire", int(c.Acquire)); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative("loadgen", "Prefetch", float64(c.Prefetch)); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative("loadgen", "Rate", c.Rate); err != nil {
		return err
	}
	return validation.ValidateNonNegative("loadgen", "Workers", float64(c.Workers))
}

// Report summarizes a run.
type Report struct {
	Total    int64
	Passed   int64
	Cached   int64
	ByStatus map[protocol.Status]int64
	Elapsed  time.Duration
}

// Throughput returns the requests sent per second.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Total) / r.Elapsed.Seconds()
}

type tally struct {
	mu     sync.Mutex
	report Report
}

func (t *tally) add(res client.TokenResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Total++
	t.report.ByStatus[res.Status]++
	if res.Passed() {
		t.report.Passed++
	}
	if res.FromCached {
		t.report.Cached++
	}
}

// Run sends requests until Duration elapses or ctx is done. Cancellation is
// not an error; the report covers whatever was sent.
func Run(ctx context.Context, r Requester, cfg Config) (Report, error) {
	if err := cfg.validate(); err != nil {
		return Report{}, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = window.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var params []interface{}
	for _, p := range cfg.Params {
		params = append(params, p)
	}

	p := newPacer(cfg.Rate, cfg.Workers, cfg.Clock)
	t := &tally{report: Report{ByStatus: make(map[protocol.Status]int64)}}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			for {
				if err := p.Wait(gctx); err != nil {
					return nil
				}
				res := send(gctx, r, cfg, params)
				if gctx.Err() != nil {
					return nil
				}
				t.add(res)
				if cfg.HonorWait && res.Status == protocol.StatusShouldWait && res.WaitInMs > 0 {
					if err := sleep(gctx, time.Duration(res.WaitInMs)*time.Millisecond); err != nil {
						return nil
					}
				}
			}
		})
	}
	err := g.Wait()

	t.mu.Lock()
	report := t.report
	t.mu.Unlock()
	report.Elapsed = time.Since(start)

	cfg.Logger.Info("load run finished",
		zap.Int64("flow_id", cfg.FlowID),
		zap.Int64("total", report.Total),
		zap.Int64("passed", report.Passed),
		zap.Int64("cached", report.Cached),
		zap.Float64("throughput", report.Throughput()),
		zap.Duration("elapsed", report.Elapsed))

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return report, err
	}
	return report, nil
}

func send(ctx context.Context, r Requester, cfg Config, params []interface{}) client.TokenResult {
	switch {
	case len(params) > 0:
		return r.RequestParamToken(ctx, cfg.FlowID, cfg.Acquire, params)
	case cfg.Prefetch > 0:
		return r.RequestTokenWithCache(ctx, cfg.FlowID, cfg.Acquire, cfg.Prefetch)
	default:
		return r.RequestToken(ctx, cfg.FlowID, cfg.Acquire, cfg.Prioritized)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
