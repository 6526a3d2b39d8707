package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
	"github.com/vnykmshr/clusterflow/pkg/scheduling/scheduler"
	"github.com/vnykmshr/clusterflow/pkg/scheduling/workerpool"
)

// State is the connection state of a Transport.
type State int32

const (
	StateOff State = iota
	StatePending
	StateReady
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StatePending:
		return "PENDING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

const stopPollInterval = 10 * time.Millisecond

var transportSeq atomic.Int64

// AsyncResult completes a SendRequestAsync call.
type AsyncResult struct {
	Response *protocol.Response
	Err      error
}

type pendingCall struct {
	ch    chan AsyncResult
	timer *time.Timer
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Transport is one connection to a token server. It correlates responses to
// requests by transaction id and reconnects with linear backoff until Stop.
type Transport struct {
	server      ServerDescriptor
	cfg         Config
	logger      *zap.Logger
	metrics     *metrics.Registry
	sched       scheduler.Scheduler
	reconnectID string
	dial        dialFunc

	state    atomic.Int32
	failures atomic.Int64

	mu              sync.Mutex
	shouldReconnect bool
	conn            net.Conn
	writer          *protocol.FrameWriter
	readDone        chan struct{}

	pendingMu sync.Mutex
	pending   map[int32]*pendingCall
	lastID    int32

	listenersMu sync.Mutex
	listeners   []func()
}

// NewTransport creates a transport for server. Reconnect timers are
// scheduled on sched, which must be started by the caller.
func NewTransport(server ServerDescriptor, cfg Config, sched scheduler.Scheduler) (*Transport, error) {
	if err := server.validate(); err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, cferrors.NewValidationError("client", "scheduler", nil, "cannot be nil")
	}
	cfg = applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	t := &Transport{
		server:      server,
		cfg:         cfg,
		logger:      cfg.Logger.With(zap.String("server", server.Addr())),
		metrics:     cfg.Metrics,
		sched:       sched,
		reconnectID: "reconnect-" + strconv.FormatInt(transportSeq.Add(1), 10),
		dial:        dialer.DialContext,
		pending:     make(map[int32]*pendingCall),
	}
	return t, nil
}

// Server returns the address this transport connects to.
func (t *Transport) Server() ServerDescriptor {
	return t.server
}

// State returns the current connection state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// IsReady reports whether requests can be sent.
func (t *Transport) IsReady() bool {
	return t.State() == StateReady
}

// OnDisconnect registers fn to run whenever an established connection is
// lost or closed by Stop.
func (t *Transport) OnDisconnect(fn func()) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
	t.metrics.ClientState.Set(float64(s))
}

// Start begins connecting. It is a no-op while a connection is pending or
// established.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shouldReconnect = true
	t.connectLocked()
}

// connectLocked launches a connect attempt if the transport is OFF. The
// caller holds t.mu.
func (t *Transport) connectLocked() {
	if !t.shouldReconnect {
		return
	}
	if !t.state.CompareAndSwap(int32(StateOff), int32(StatePending)) {
		return
	}
	t.metrics.ClientState.Set(float64(StatePending))
	go t.connect()
}

func (t *Transport) connect() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.dial(ctx, "tcp", t.server.Addr())

	t.mu.Lock()
	if err != nil {
		n := t.failures.Add(1)
		// Arm the reconnect before leaving PENDING; Stop waits on PENDING.
		t.scheduleReconnectLocked()
		t.setState(StateOff)
		t.mu.Unlock()
		t.logger.Warn("connect failed", zap.Int64("failures", n), zap.Error(err))
		return
	}
	if !t.shouldReconnect {
		t.setState(StateOff)
		t.mu.Unlock()
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	t.conn = conn
	t.writer = protocol.NewFrameWriter(conn)
	t.readDone = done
	t.failures.Store(0)
	t.setState(StateReady)
	t.mu.Unlock()

	t.logger.Info("connected")
	go t.readLoop(conn, done)

	t.SendRequestIgnoreResponse(&protocol.Request{
		Type: protocol.MsgTypePing,
		Data: &protocol.PingRequestData{Namespace: t.cfg.Namespace},
	})
}

// scheduleReconnectLocked arms the reconnect timer unless Stop was called.
// The caller holds t.mu.
func (t *Transport) scheduleReconnectLocked() {
	if !t.shouldReconnect {
		return
	}

	delay := t.cfg.ReconnectDelay * time.Duration(t.failures.Load()+1)
	t.sched.Cancel(t.reconnectID)
	err := t.sched.ScheduleAfter(t.reconnectID, workerpool.TaskFunc(func(_ context.Context) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.shouldReconnect {
			t.metrics.ClientReconnects.Inc()
		}
		t.connectLocked()
		return nil
	}), delay)
	if err != nil {
		t.logger.Error("schedule reconnect failed", zap.Error(err))
		return
	}
	t.logger.Debug("reconnect scheduled", zap.Duration("delay", delay))
}

// Stop disables reconnects, waits up to StopTimeout for a pending connect to
// settle and closes the connection. Pending calls fail with ErrClosed. Stop
// is safe to call on a transport that was never started.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.shouldReconnect = false
	t.mu.Unlock()
	t.sched.Cancel(t.reconnectID)

	deadline := time.Now().Add(t.cfg.StopTimeout)
	for t.State() == StatePending && time.Now().Before(deadline) {
		time.Sleep(stopPollInterval)
	}

	t.mu.Lock()
	conn, done := t.conn, t.readDone
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		<-done
	}
	t.failPending(cferrors.ErrClosed)
}

func (t *Transport) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	fr := protocol.NewFrameReader(conn)
	for {
		body, err := fr.ReadFrame()
		if err != nil {
			if cferrors.IsProtocolError(err) {
				t.logger.Warn("dropping oversize response frame", zap.Error(err))
				continue
			}
			break
		}

		resp, err := protocol.DecodeResponse(body)
		if err != nil {
			if id, ok := protocol.PeekResponseID(body); ok {
				t.complete(id, nil, err)
			}
			t.logger.Warn("undecodable response", zap.Error(err))
			continue
		}
		t.complete(resp.ID, resp, nil)
	}

	t.disconnected(conn)
}

func (t *Transport) disconnected(conn net.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	_ = conn.Close()
	t.conn = nil
	t.writer = nil
	t.scheduleReconnectLocked()
	t.setState(StateOff)
	t.mu.Unlock()

	t.logger.Info("disconnected")
	t.failPending(cferrors.ErrClosed)

	t.listenersMu.Lock()
	listeners := append([]func(){}, t.listeners...)
	t.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// nextIDLocked returns the next transaction id not held by a pending call.
// Ids cycle back to 1 after protocol.MaxXid. The caller holds t.pendingMu.
func (t *Transport) nextIDLocked() int32 {
	for {
		t.lastID++
		if t.lastID > protocol.MaxXid || t.lastID <= 0 {
			t.lastID = 1
		}
		if _, busy := t.pending[t.lastID]; !busy {
			return t.lastID
		}
	}
}

func (t *Transport) register() (int32, *pendingCall) {
	pc := &pendingCall{ch: make(chan AsyncResult, 1)}

	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	id := t.nextIDLocked()
	t.pending[id] = pc
	t.metrics.ClientPending.Set(float64(len(t.pending)))
	return id, pc
}

// release drops the pending slot for id without completing it.
func (t *Transport) release(id int32) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if pc, ok := t.pending[id]; ok {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		delete(t.pending, id)
		t.metrics.ClientPending.Set(float64(len(t.pending)))
	}
}

// complete delivers a result to the call waiting on id, if any.
func (t *Transport) complete(id int32, resp *protocol.Response, err error) {
	t.pendingMu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		t.metrics.ClientPending.Set(float64(len(t.pending)))
	}
	t.pendingMu.Unlock()

	if !ok {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.ch <- AsyncResult{Response: resp, Err: err}
}

func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	calls := t.pending
	t.pending = make(map[int32]*pendingCall)
	t.metrics.ClientPending.Set(0)
	t.pendingMu.Unlock()

	for _, pc := range calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- AsyncResult{Err: err}
	}
}

// PendingCount returns the number of calls awaiting a response.
func (t *Transport) PendingCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

func validateRequest(req *protocol.Request) error {
	if req == nil {
		return fmt.Errorf("nil request: %w", cferrors.ErrBadRequest)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("request type %s: %w", req.Type, cferrors.ErrBadRequest)
	}
	if req.Data == nil {
		return fmt.Errorf("request type %s without payload: %w", req.Type, cferrors.ErrBadRequest)
	}
	return nil
}

func (t *Transport) readyWriter() (*protocol.FrameWriter, error) {
	if !t.IsReady() {
		return nil, cferrors.ErrClientNotReady
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return nil, cferrors.ErrClientNotReady
	}
	return t.writer, nil
}

// write sends req under transaction id. The caller's request is not
// modified.
func (t *Transport) write(w *protocol.FrameWriter, id int32, req *protocol.Request) error {
	out := *req
	out.ID = id
	if err := w.WriteRequest(&out); err != nil {
		return cferrors.NewOperationError("client", "SendRequest", err).WithContext("xid " + strconv.Itoa(int(id)))
	}
	return nil
}

// SendRequest sends req and waits up to timeout, or until ctx is done, for
// its response. The pending slot is released on every return path and a
// timeout leaves the connection open.
func (t *Transport) SendRequest(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	w, err := t.readyWriter()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = t.cfg.RequestTimeout
	}

	id, pc := t.register()
	defer t.release(id)

	if err := t.write(w, id, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.Response, res.Err
	case <-timer.C:
		return nil, cferrors.ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendRequestAsync sends req and returns a channel that receives exactly one
// result: the response, a send error or ErrRequestTimeout after
// Config.RequestTimeout.
func (t *Transport) SendRequestAsync(req *protocol.Request) <-chan AsyncResult {
	if err := validateRequest(req); err != nil {
		return completed(err)
	}
	w, err := t.readyWriter()
	if err != nil {
		return completed(err)
	}

	id, pc := t.register()
	t.pendingMu.Lock()
	pc.timer = time.AfterFunc(t.cfg.RequestTimeout, func() {
		t.complete(id, nil, cferrors.ErrRequestTimeout)
	})
	t.pendingMu.Unlock()

	if err := t.write(w, id, req); err != nil {
		t.complete(id, nil, err)
	}
	return pc.ch
}

func completed(err error) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	ch <- AsyncResult{Err: err}
	return ch
}

// SendRequestIgnoreResponse writes req without waiting for a response.
// Failures are logged.
func (t *Transport) SendRequestIgnoreResponse(req *protocol.Request) {
	if err := validateRequest(req); err != nil {
		t.logger.Warn("dropping invalid request", zap.Error(err))
		return
	}
	w, err := t.readyWriter()
	if err != nil {
		t.logger.Debug("dropping request", zap.Stringer("type", req.Type), zap.Error(err))
		return
	}

	t.pendingMu.Lock()
	id := t.nextIDLocked()
	t.pendingMu.Unlock()

	if err := t.write(w, id, req); err != nil {
		t.logger.Warn("fire-and-forget send failed", zap.Stringer("type", req.Type), zap.Error(err))
	}
}
