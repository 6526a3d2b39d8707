package server

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/clusterflow/internal/testutil"
	"github.com/vnykmshr/clusterflow/pkg/cluster/client"
	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
)

type testServer struct {
	*Server
	rules    *rule.Manager
	settings *Settings
	clock    *testutil.MockClock
	metrics  *metrics.Registry
}

func startServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = testutil.FreePort(t)
	if mutate != nil {
		mutate(&cfg)
	}
	settings, err := NewSettings(cfg)
	require.NoError(t, err)

	ts := &testServer{
		rules:    rule.NewManager(nil),
		settings: settings,
		clock:    testutil.NewMockClock(time.UnixMilli(1_000_000)),
		metrics:  metrics.Discard(),
	}
	ts.Server, err = New(ServerConfig{
		Host:     "127.0.0.1",
		Settings: settings,
		Registry: ts.rules,
		Clock:    ts.clock,
		Metrics:  ts.metrics,
	})
	require.NoError(t, err)
	require.NoError(t, ts.Start())
	t.Cleanup(ts.Stop)
	return ts
}

func (ts *testServer) port() int {
	return ts.Addr().(*net.TCPAddr).Port
}

// rawClient speaks frames directly so tests can send malformed input.
type rawClient struct {
	conn net.Conn
	r    *protocol.FrameReader
	w    *protocol.FrameWriter
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{conn: conn, r: protocol.NewFrameReader(conn), w: protocol.NewFrameWriter(conn)}
}

func (c *rawClient) roundTrip(t *testing.T, req *protocol.Request) *protocol.Response {
	t.Helper()
	require.NoError(t, c.w.WriteRequest(req))
	return c.read(t)
}

func (c *rawClient) read(t *testing.T) *protocol.Response {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	body, err := c.r.ReadFrame()
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(body)
	require.NoError(t, err)
	return resp
}

func flowReq(id int32, flowID int64, count int32) *protocol.Request {
	return &protocol.Request{ID: id, Type: protocol.MsgTypeFlow, Data: &protocol.FlowRequestData{FlowID: flowID, Count: count}}
}

func pingReq(id int32, namespace string) *protocol.Request {
	return &protocol.Request{ID: id, Type: protocol.MsgTypePing, Data: &protocol.PingRequestData{Namespace: namespace}}
}

func TestNewRequiresCollaborators(t *testing.T) {
	settings, err := NewSettings(DefaultConfig())
	require.NoError(t, err)

	_, err = New(ServerConfig{Registry: rule.NewManager(nil)})
	assert.Error(t, err)
	_, err = New(ServerConfig{Settings: settings})
	assert.Error(t, err)
}

func TestServerAnswersFlowRequests(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{
		{FlowID: 1, Threshold: 3, ThresholdType: rule.ThresholdGlobal},
	}))
	c := dialRaw(t, ts.Addr().String())

	resp := c.roundTrip(t, flowReq(11, 1, 2))
	assert.Equal(t, int32(11), resp.ID)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	require.NotNil(t, resp.Data)
	assert.Equal(t, int32(1), resp.Data.RemainingCount)

	resp = c.roundTrip(t, flowReq(12, 1, 2))
	assert.Equal(t, int32(12), resp.ID)
	assert.Equal(t, protocol.StatusBlocked, resp.Status)

	resp = c.roundTrip(t, flowReq(13, 404, 1))
	assert.Equal(t, protocol.StatusNoRuleExists, resp.Status)
	assert.Nil(t, resp.Data)

	assert.Equal(t, float64(1), promtest.ToFloat64(ts.metrics.ServerRequests.WithLabelValues("FLOW", "OK")))
	assert.Equal(t, float64(1), promtest.ToFloat64(ts.metrics.ServerRequests.WithLabelValues("FLOW", "BLOCKED")))
}

func TestServerMalformedFrameKeepsConnection(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{{FlowID: 1, Threshold: 10}}))
	c := dialRaw(t, ts.Addr().String())

	require.NoError(t, c.w.WriteFrame([]byte{0x00, 0x01, 0x00}))
	resp := c.read(t)
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)
	assert.Equal(t, int32(0), resp.ID)

	resp = c.roundTrip(t, flowReq(7, 1, 1))
	assert.Equal(t, int32(7), resp.ID)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, float64(1), promtest.ToFloat64(ts.metrics.ServerFrameErrors.WithLabelValues("decode")))
}

func TestServerBadRequestEchoesReadableID(t *testing.T) {
	ts := startServer(t, nil)
	c := dialRaw(t, ts.Addr().String())

	// Unknown type 9, xid 42.
	body := binary.BigEndian.AppendUint16(nil, 9)
	body = binary.BigEndian.AppendUint32(body, 42)
	require.NoError(t, c.w.WriteFrame(body))
	resp := c.read(t)
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)
	assert.Equal(t, int32(42), resp.ID)

	// Truncated flow payload.
	body = binary.BigEndian.AppendUint16(nil, uint16(protocol.MsgTypeFlow))
	body = binary.BigEndian.AppendUint32(body, 43)
	body = append(body, 0, 0, 0)
	require.NoError(t, c.w.WriteFrame(body))
	resp = c.read(t)
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)
	assert.Equal(t, int32(43), resp.ID)
}

func TestServerOversizeFrameKeepsConnection(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{{FlowID: 1, Threshold: 10}}))
	c := dialRaw(t, ts.Addr().String())

	frame := binary.BigEndian.AppendUint16(nil, 2000)
	frame = append(frame, make([]byte, 2000)...)
	_, err := c.conn.Write(frame)
	require.NoError(t, err)

	resp := c.read(t)
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)
	assert.Equal(t, float64(1), promtest.ToFloat64(ts.metrics.ServerFrameErrors.WithLabelValues("oversize")))

	resp = c.roundTrip(t, flowReq(8, 1, 1))
	assert.Equal(t, int32(8), resp.ID)
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

func TestServerPingGroupsConnections(t *testing.T) {
	ts := startServer(t, nil)
	a := dialRaw(t, ts.Addr().String())
	b := dialRaw(t, ts.Addr().String())

	resp := a.roundTrip(t, pingReq(1, "orders"))
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, int32(1), resp.Data.RemainingCount)
	resp = b.roundTrip(t, pingReq(1, "orders"))
	assert.Equal(t, int32(2), resp.Data.RemainingCount)
	assert.Equal(t, 2, ts.ConnectedCount("orders"))
	assert.Equal(t, float64(2), promtest.ToFloat64(ts.metrics.ServerConnections.WithLabelValues("orders")))

	// Moving to another namespace leaves the old group.
	resp = b.roundTrip(t, pingReq(2, ""))
	assert.Equal(t, int32(1), resp.Data.RemainingCount)
	assert.Equal(t, 1, ts.ConnectedCount("orders"))
	assert.Equal(t, 1, ts.ConnectedCount(rule.DefaultNamespace))

	_ = a.conn.Close()
	testutil.Eventually(t, func() bool { return ts.ConnectedCount("orders") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerAvgLocalUsesConnectedClients(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadFlowRules("orders", []rule.FlowRule{
		{FlowID: 3, Threshold: 2, ThresholdType: rule.ThresholdAvgLocal},
	}))
	a := dialRaw(t, ts.Addr().String())
	b := dialRaw(t, ts.Addr().String())
	a.roundTrip(t, pingReq(1, "orders"))
	b.roundTrip(t, pingReq(1, "orders"))

	resp := a.roundTrip(t, flowReq(2, 3, 4))
	assert.Equal(t, protocol.StatusOK, resp.Status)
	resp = b.roundTrip(t, flowReq(2, 3, 1))
	assert.Equal(t, protocol.StatusBlocked, resp.Status)
}

func TestServerWithTokenClient(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{
		{FlowID: 1, Threshold: 0},
		{FlowID: 2, Threshold: 3, ThresholdType: rule.ThresholdGlobal},
	}))

	cfg := client.DefaultConfig()
	cfg.RequestTimeout = time.Second
	c, err := client.New(client.ServerDescriptor{Host: "127.0.0.1", Port: ts.port()}, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Stop()
	testutil.Eventually(t, func() bool { return c.State() == client.StateReady }, 2*time.Second, 5*time.Millisecond)
	testutil.Eventually(t, func() bool { return ts.ConnectedCount(rule.DefaultNamespace) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	assert.Equal(t, protocol.StatusBlocked, c.RequestToken(ctx, 1, 1, false).Status)

	for i := 0; i < 3; i++ {
		require.Equal(t, protocol.StatusOK, c.RequestToken(ctx, 2, 1, false).Status)
	}
	assert.Equal(t, protocol.StatusBlocked, c.RequestToken(ctx, 2, 1, false).Status)
	assert.Equal(t, protocol.StatusNoRuleExists, c.RequestToken(ctx, 9, 1, false).Status)
}

func TestServerParamFlowWithTokenClient(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadParamFlowRules("default", []rule.ParamFlowRule{
		{FlowID: 4, Threshold: 1, ThresholdType: rule.ThresholdGlobal},
	}))

	cfg := client.DefaultConfig()
	cfg.RequestTimeout = time.Second
	c, err := client.New(client.ServerDescriptor{Host: "127.0.0.1", Port: ts.port()}, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Stop()
	testutil.Eventually(t, func() bool { return c.State() == client.StateReady }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	assert.Equal(t, protocol.StatusOK, c.RequestParamToken(ctx, 4, 1, []interface{}{"user-1", int64(10)}).Status)
	assert.Equal(t, protocol.StatusBlocked, c.RequestParamToken(ctx, 4, 1, []interface{}{"user-1"}).Status)
	assert.Equal(t, protocol.StatusOK, c.RequestParamToken(ctx, 4, 1, []interface{}{"user-2"}).Status)
}

func TestServerGlobalLimiter(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.MaxAllowedQps = 2 })
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{{FlowID: 1, Threshold: 100}}))
	c := dialRaw(t, ts.Addr().String())

	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, flowReq(1, 1, 1)).Status)
	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, flowReq(2, 1, 1)).Status)
	assert.Equal(t, protocol.StatusTooManyRequest, c.roundTrip(t, flowReq(3, 1, 1)).Status)

	require.NoError(t, ts.settings.Update(func(c *Config) { c.MaxAllowedQps = 5 }))
	assert.Equal(t, float64(5), ts.limiter.MaxAllowedQps())
	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, flowReq(4, 1, 1)).Status)
}

func TestServerRuleChangeResetsWindows(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{
		{FlowID: 1, Threshold: 1, ThresholdType: rule.ThresholdGlobal},
	}))
	c := dialRaw(t, ts.Addr().String())

	require.Equal(t, protocol.StatusOK, c.roundTrip(t, flowReq(1, 1, 1)).Status)
	require.Equal(t, protocol.StatusBlocked, c.roundTrip(t, flowReq(2, 1, 1)).Status)

	// Same window shape, new threshold: the counter starts over.
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{
		{FlowID: 1, Threshold: 2, ThresholdType: rule.ThresholdGlobal},
	}))
	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, flowReq(3, 1, 1)).Status)
	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, flowReq(4, 1, 1)).Status)
	assert.Equal(t, protocol.StatusBlocked, c.roundTrip(t, flowReq(5, 1, 1)).Status)
}

func TestServerClosesIdleConnections(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.IdleSeconds = 30 })
	idle := dialRaw(t, ts.Addr().String())
	busy := dialRaw(t, ts.Addr().String())
	idle.roundTrip(t, pingReq(1, "default"))
	testutil.Eventually(t, func() bool { return ts.pool.Count() == 2 }, 2*time.Second, 5*time.Millisecond)

	ts.clock.Advance(20 * time.Second)
	busy.roundTrip(t, pingReq(1, "default"))
	assert.Equal(t, 0, ts.closeIdle())

	ts.clock.Advance(15 * time.Second)
	assert.Equal(t, 1, ts.closeIdle())

	require.NoError(t, idle.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := idle.r.ReadFrame()
	assert.Error(t, err)
	testutil.Eventually(t, func() bool { return ts.pool.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.StatusOK, busy.roundTrip(t, pingReq(2, "default")).Status)
}

func TestServerSchedulesIdleScan(t *testing.T) {
	ts := startServer(t, nil)

	tasks := ts.sched.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, idleScanTaskID, tasks[0].ID)

	require.NoError(t, ts.settings.Update(func(c *Config) { c.ScanInterval = time.Minute }))
	tasks = ts.sched.List()
	require.Len(t, tasks, 1)
	assert.WithinDuration(t, time.Now().Add(time.Minute), tasks[0].RunAt, 5*time.Second)
	assert.Equal(t, tasks[0].RunAt, ts.nextScan())
}

func TestServerRebindsOnPortChange(t *testing.T) {
	ts := startServer(t, nil)
	require.NoError(t, ts.rules.LoadFlowRules("default", []rule.FlowRule{{FlowID: 1, Threshold: 100}}))
	oldAddr := ts.Addr().String()
	existing := dialRaw(t, oldAddr)

	newPort := testutil.FreePort(t)
	require.NoError(t, ts.settings.Update(func(c *Config) { c.Port = newPort }))
	assert.Equal(t, newPort, ts.port())

	// Established connections survive the move.
	assert.Equal(t, protocol.StatusOK, existing.roundTrip(t, flowReq(1, 1, 1)).Status)

	fresh := dialRaw(t, ts.Addr().String())
	assert.Equal(t, protocol.StatusOK, fresh.roundTrip(t, flowReq(1, 1, 1)).Status)

	_, err := net.DialTimeout("tcp", oldAddr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerRebindFailureKeepsListener(t *testing.T) {
	ts := startServer(t, nil)
	taken := testutil.Listen(t)
	before := ts.port()

	require.NoError(t, ts.settings.Update(func(c *Config) { c.Port = taken.Addr().(*net.TCPAddr).Port }))
	assert.Equal(t, before, ts.port())
	c := dialRaw(t, ts.Addr().String())
	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, pingReq(1, "default")).Status)
}

func TestServerLifecycle(t *testing.T) {
	settings, err := NewSettings(Config{Port: testutil.FreePort(t)})
	require.NoError(t, err)
	s, err := New(ServerConfig{Host: "127.0.0.1", Settings: settings, Registry: rule.NewManager(nil)})
	require.NoError(t, err)

	s.Stop()
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	c := dialRaw(t, s.Addr().String())
	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, pingReq(1, "default")).Status)

	s.Stop()
	s.Stop()
	assert.Nil(t, s.Addr())
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.r.ReadFrame()
	assert.Error(t, err)

	// A stopped server can be started again.
	require.NoError(t, s.Start())
	defer s.Stop()
	c = dialRaw(t, s.Addr().String())
	assert.Equal(t, protocol.StatusOK, c.roundTrip(t, pingReq(1, "default")).Status)
}

func TestServerStartFailsOnBusyPort(t *testing.T) {
	taken := testutil.Listen(t)
	settings, err := NewSettings(Config{Port: taken.Addr().(*net.TCPAddr).Port})
	require.NoError(t, err)
	s, err := New(ServerConfig{Host: "127.0.0.1", Settings: settings, Registry: rule.NewManager(nil)})
	require.NoError(t, err)

	assert.Error(t, s.Start())
	assert.Nil(t, s.Addr())
	s.Stop()
}
