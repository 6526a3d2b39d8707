package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
	"github.com/vnykmshr/clusterflow/pkg/scheduling/scheduler"
)

// TokenClient requests cluster tokens from the currently assigned token
// server. All request methods are safe for concurrent use and always return
// a TokenResult.
type TokenClient struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry
	cache   *tokenCache

	server  atomic.Pointer[ServerDescriptor]
	current atomic.Pointer[Transport]

	mu      sync.Mutex // serializes Start, Stop and OnAssignChange
	started bool
	sched   scheduler.Scheduler
}

// New creates a token client for server. Call Start to connect.
func New(server ServerDescriptor, cfg Config) (*TokenClient, error) {
	if err := server.validate(); err != nil {
		return nil, err
	}
	cfg = applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	c := &TokenClient{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("component", "token-client")),
		metrics: cfg.Metrics,
	}
	c.cache = newTokenCache(cfg.CacheInterval, cfg.Clock, func(ctx context.Context, flowID int64, acquire int32) TokenResult {
		return c.RequestToken(ctx, flowID, acquire, false)
	}, cfg.Metrics)
	c.server.Store(&server)
	return c, nil
}

// CurrentServer returns the assigned token server.
func (c *TokenClient) CurrentServer() ServerDescriptor {
	return *c.server.Load()
}

// State returns the connection state of the current transport.
func (c *TokenClient) State() State {
	if t := c.current.Load(); t != nil {
		return t.State()
	}
	return StateOff
}

// Start connects to the assigned server. Calling Start on a started client
// is a no-op.
func (c *TokenClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	sched := scheduler.NewWithConfig(scheduler.Config{
		Name:    "reconnect",
		Workers: 1,
		Logger:  c.cfg.Logger,
		Metrics: c.metrics,
	})
	if err := sched.Start(); err != nil {
		return err
	}

	t, err := NewTransport(c.CurrentServer(), c.cfg, sched)
	if err != nil {
		<-sched.Stop()
		return err
	}

	c.sched = sched
	c.current.Store(t)
	c.started = true
	t.Start()
	c.logger.Info("token client started", zap.String("server", t.Server().Addr()))
	return nil
}

// Stop closes the connection and cancels pending reconnects. It is safe to
// call on a client that was never started.
func (c *TokenClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}

	if t := c.current.Load(); t != nil {
		t.Stop()
	}
	<-c.sched.Stop()
	c.sched = nil
	c.started = false
	c.logger.Info("token client stopped")
}

// OnAssignChange points the client at a new server. A running client swaps
// in a fresh transport and stops the old one; requests in flight on the old
// connection fail. Assigning the current server is a no-op.
func (c *TokenClient) OnAssignChange(server ServerDescriptor) error {
	if err := server.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CurrentServer() == server {
		return nil
	}
	c.server.Store(&server)
	c.logger.Info("server assignment changed", zap.String("server", server.Addr()))

	if !c.started {
		return nil
	}

	next, err := NewTransport(server, c.cfg, c.sched)
	if err != nil {
		return err
	}
	prev := c.current.Swap(next)
	next.Start()
	if prev != nil {
		prev.Stop()
	}
	return nil
}

// RequestToken asks the server for acquire tokens of flowID. Prioritized
// requests may be answered with SHOULD_WAIT instead of BLOCKED.
func (c *TokenClient) RequestToken(ctx context.Context, flowID int64, acquire int32, prioritized bool) TokenResult {
	if acquire <= 0 {
		return statusResult(protocol.StatusBadRequest)
	}
	return c.send(ctx, &protocol.Request{
		Type: protocol.MsgTypeFlow,
		Data: &protocol.FlowRequestData{FlowID: flowID, Count: acquire, Priority: prioritized},
	})
}

// RequestParamToken asks the server for acquire tokens of flowID for every
// value in params.
func (c *TokenClient) RequestParamToken(ctx context.Context, flowID int64, acquire int32, params []interface{}) TokenResult {
	if acquire <= 0 || len(params) == 0 {
		return statusResult(protocol.StatusBadRequest)
	}
	return c.send(ctx, &protocol.Request{
		Type: protocol.MsgTypeParamFlow,
		Data: &protocol.ParamFlowRequestData{FlowID: flowID, Count: acquire, Params: params},
	})
}

// RequestTokenWithCache takes acquire tokens of flowID from the local
// allowance, refilling prefetch tokens from the server when the allowance
// is older than Config.CacheInterval.
func (c *TokenClient) RequestTokenWithCache(ctx context.Context, flowID int64, acquire, prefetch int32) TokenResult {
	return c.cache.request(ctx, flowID, acquire, prefetch)
}

// ResetCache drops the local allowance of flowID.
func (c *TokenClient) ResetCache(flowID int64) {
	c.cache.reset(flowID)
}

// ResetAllCache drops every local allowance.
func (c *TokenClient) ResetAllCache() {
	c.cache.resetAll()
}

func (c *TokenClient) send(ctx context.Context, req *protocol.Request) TokenResult {
	typ := req.Type.String()
	start := time.Now()

	res := failResult()
	t := c.current.Load()
	if t == nil {
		c.logger.Debug("token request before start", zap.Stringer("type", req.Type))
	} else if resp, err := t.SendRequest(ctx, req, c.cfg.RequestTimeout); err != nil {
		// Timeouts and a reconnecting transport are routine; anything else
		// points at a broken peer or a bad request.
		if cferrors.IsRetryable(err) {
			c.logger.Debug("token request failed", zap.Stringer("type", req.Type), zap.Error(err))
		} else {
			c.logger.Warn("token request failed", zap.Stringer("type", req.Type), zap.Error(err))
		}
	} else {
		res = resultFromResponse(resp)
	}

	c.metrics.ClientRequests.WithLabelValues(typ, res.Status.String()).Inc()
	c.metrics.ClientRequestDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	return res
}
