package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
	"github.com/vnykmshr/clusterflow/pkg/scheduling/scheduler"
	"github.com/vnykmshr/clusterflow/pkg/scheduling/workerpool"
)

const (
	idleScanTaskID   = "idle-scan"
	acceptRetryDelay = 50 * time.Millisecond
)

// ServerConfig wires a Server to its collaborators.
type ServerConfig struct {
	// Host is the address to bind. Empty binds every interface.
	Host string

	// Settings holds the runtime-mutable settings. Required.
	Settings *Settings

	// Registry supplies the flow rules. Required.
	Registry rule.Registry

	// ParamWindowTTL is how long an unused parameter value keeps its window.
	// Default: DefaultParamWindowTTL
	ParamWindowTTL time.Duration

	// Clock drives the sliding windows and idle detection.
	// Default: window.SystemClock
	Clock window.Clock

	// Logger receives connection and dispatch events. If nil, logging is
	// disabled.
	Logger *zap.Logger

	// Metrics records server activity. If nil, a private registry is used.
	Metrics *metrics.Registry
}

// Server is the token server. It answers token requests of every connected
// client from shared per-flow windows.
type Server struct {
	host     string
	settings *Settings
	clock    window.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry

	limiter *GlobalLimiter
	pool    *connectionPool
	flow    *FlowChecker
	param   *ParamFlowChecker

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	acceptDone chan struct{}
	sched      scheduler.Scheduler
	conns      sync.WaitGroup
}

// New creates a server. It registers itself with the settings and the
// registry so that later changes apply without a restart.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.Settings == nil {
		return nil, cferrors.NewValidationError("server", "Settings", nil, "cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, cferrors.NewValidationError("server", "Registry", nil, "cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = window.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	s := &Server{
		host:     cfg.Host,
		settings: cfg.Settings,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("token-server"),
		metrics:  cfg.Metrics,
		limiter:  NewGlobalLimiter(cfg.Settings.Get().MaxAllowedQps, cfg.Clock),
		pool:     newConnectionPool(cfg.Metrics),
	}

	checkers := CheckerConfig{
		Registry:    cfg.Registry,
		Settings:    cfg.Settings,
		Limiter:     s.limiter,
		Connections: s.pool,
		Clock:       cfg.Clock,
		Metrics:     cfg.Metrics,
	}
	var err error
	if s.flow, err = NewFlowChecker(checkers); err != nil {
		return nil, err
	}
	if s.param, err = NewParamFlowChecker(checkers, cfg.ParamWindowTTL); err != nil {
		return nil, err
	}

	cfg.Settings.OnChange(s.onSettingsChange)
	cfg.Registry.OnConfigChange(s.onRuleChange)
	return s, nil
}

// Start binds the configured port and begins serving. It is a no-op on a
// running server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cfg := s.settings.Get()
	sched := scheduler.NewWithConfig(scheduler.Config{
		Name:    "token-server",
		Workers: 1,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err := sched.Start(); err != nil {
		return err
	}

	ln, err := s.listen(cfg.Port)
	if err != nil {
		<-sched.Stop()
		return err
	}
	s.sched = sched
	s.serveListenerLocked(ln)
	if err := s.scheduleScanLocked(cfg.ScanInterval); err != nil {
		s.logger.Error("schedule idle scan failed", zap.Error(err))
	}
	s.running = true
	s.logger.Info("token server started", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Stop closes the listener and every connection, and waits for their
// goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln, done, sched := s.listener, s.acceptDone, s.sched
	s.listener, s.acceptDone, s.sched = nil, nil, nil
	s.mu.Unlock()

	<-sched.Stop()
	_ = ln.Close()
	<-done
	for _, c := range s.pool.all() {
		_ = c.conn.Close()
	}
	s.conns.Wait()
	s.logger.Info("token server stopped")
}

// Addr returns the listening address, or nil when the server is stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectedCount returns the number of clients announced for namespace.
func (s *Server) ConnectedCount(namespace string) int {
	return s.pool.ConnectedCount(namespace)
}

// FlowChecker returns the checker answering FLOW requests.
func (s *Server) FlowChecker() *FlowChecker {
	return s.flow
}

// ParamFlowChecker returns the checker answering PARAM_FLOW requests.
func (s *Server) ParamFlowChecker() *ParamFlowChecker {
	return s.param
}

func (s *Server) listen(port int) (net.Listener, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, cferrors.NewOperationError("server", "listen", err).WithContext(addr)
	}
	return ln, nil
}

func (s *Server) serveListenerLocked(ln net.Listener) {
	done := make(chan struct{})
	s.listener = ln
	s.acceptDone = done
	go s.acceptLoop(ln, done)
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(acceptRetryDelay)
			continue
		}
		c := newConnection(conn, s.clock.Now())
		s.pool.add(c)
		s.conns.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *connection) {
	defer s.conns.Done()
	defer func() {
		s.pool.remove(c)
		_ = c.conn.Close()
		s.logger.Debug("connection closed", zap.String("remote", c.remote))
	}()
	s.logger.Debug("connection accepted", zap.String("remote", c.remote))

	fr := protocol.NewFrameReader(c.conn)
	for {
		body, err := fr.ReadFrame()
		if err != nil {
			// The reader realigns after a bad frame; keep the connection.
			if cferrors.IsProtocolError(err) {
				c.touch(s.clock.Now())
				s.metrics.ServerFrameErrors.WithLabelValues("oversize").Inc()
				s.reply(c, protocol.NewStatusResponse(0, protocol.StatusBadRequest), "UNKNOWN", time.Now())
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}
		c.touch(s.clock.Now())
		s.dispatch(c, body)
	}
}

func (s *Server) dispatch(c *connection, body []byte) {
	start := time.Now()
	req, err := protocol.DecodeRequest(body)
	if err != nil {
		// The xid is echoed whenever the header made it through.
		id, _ := protocol.PeekRequestID(body)
		s.metrics.ServerFrameErrors.WithLabelValues("decode").Inc()
		s.logger.Debug("bad request frame", zap.String("remote", c.remote), zap.Error(err))
		s.reply(c, protocol.NewStatusResponse(id, protocol.StatusBadRequest), "UNKNOWN", start)
		return
	}

	var res Result
	switch data := req.Data.(type) {
	case *protocol.PingRequestData:
		res = s.ping(c, data.Namespace)
	case *protocol.FlowRequestData:
		res = s.flow.AcquireClusterToken(data.FlowID, data.Count, data.Priority)
	case *protocol.ParamFlowRequestData:
		res = s.param.AcquireParamToken(data.FlowID, data.Count, data.Params)
	default:
		res = statusOnly(protocol.StatusBadRequest)
	}
	s.reply(c, res.response(req.ID), req.Type.String(), start)
}

// ping binds c to namespace and reports how many clients the namespace has.
func (s *Server) ping(c *connection, namespace string) Result {
	if namespace == "" {
		namespace = rule.DefaultNamespace
	}
	n := s.pool.bind(c, namespace)
	s.logger.Debug("client announced", zap.String("remote", c.remote), zap.String("namespace", namespace))
	return Result{Status: protocol.StatusOK, RemainingCount: clampInt32(int64(n))}
}

func (s *Server) reply(c *connection, resp *protocol.Response, typ string, start time.Time) {
	if err := c.writer.WriteResponse(resp); err != nil {
		s.logger.Debug("write response failed", zap.String("remote", c.remote), zap.Error(err))
	}
	s.metrics.ServerRequests.WithLabelValues(typ, resp.Status.String()).Inc()
	s.metrics.ServerRequestDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
}

// closeIdle closes every connection that sent nothing for IdleSeconds and
// returns how many were closed.
func (s *Server) closeIdle() int {
	limit := time.Duration(s.settings.Get().IdleSeconds) * time.Second
	idle := s.pool.idle(s.clock.Now(), limit)
	for _, c := range idle {
		s.logger.Info("closing idle connection", zap.String("remote", c.remote), zap.Duration("idle", limit))
		_ = c.conn.Close()
	}
	return len(idle)
}

// scheduleScanLocked (re)schedules the idle scan. Cron rounds intervals
// below one second up to one second.
func (s *Server) scheduleScanLocked(interval time.Duration) error {
	s.sched.Cancel(idleScanTaskID)
	err := s.sched.ScheduleCron(idleScanTaskID, "@every "+interval.String(), workerpool.TaskFunc(func(context.Context) error {
		s.closeIdle()
		return nil
	}))
	if err != nil {
		return err
	}
	s.logger.Debug("idle scan scheduled", zap.Duration("interval", interval), zap.Time("next_run", s.nextScan()))
	return nil
}

// nextScan returns when the idle scan runs next, or the zero time when it
// is not scheduled.
func (s *Server) nextScan() time.Time {
	for _, t := range s.sched.List() {
		if t.ID == idleScanTaskID {
			return t.RunAt
		}
	}
	return time.Time{}
}

func (s *Server) onSettingsChange(old, updated Config) {
	if old.MaxAllowedQps != updated.MaxAllowedQps {
		s.limiter.SetMaxAllowedQps(updated.MaxAllowedQps)
		s.logger.Info("global qps limit changed", zap.Float64("max_allowed_qps", updated.MaxAllowedQps))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if old.Port != updated.Port {
		s.rebindLocked(updated.Port)
	}
	if old.ScanInterval != updated.ScanInterval {
		if err := s.scheduleScanLocked(updated.ScanInterval); err != nil {
			s.logger.Error("reschedule idle scan failed", zap.Error(err))
		}
	}
}

// rebindLocked moves the listener to port. Established connections stay
// open. If the new port cannot be bound the old listener keeps serving.
func (s *Server) rebindLocked(port int) {
	ln, err := s.listen(port)
	if err != nil {
		s.logger.Error("rebind failed, keeping current listener", zap.Int("port", port), zap.Error(err))
		return
	}
	old, done := s.listener, s.acceptDone
	s.serveListenerLocked(ln)
	_ = old.Close()
	<-done
	s.logger.Info("listener moved", zap.Stringer("addr", ln.Addr()))
}

func (s *Server) onRuleChange(change rule.Change) {
	s.flow.Reset(change.FlowIDs...)
	s.param.Reset(change.ParamFlowIDs...)
}
