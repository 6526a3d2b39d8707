package client

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/clusterflow/internal/testutil"
	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
)

func TestNewTransportValidation(t *testing.T) {
	sched := newTestScheduler(t)

	tests := []struct {
		name   string
		server ServerDescriptor
		cfg    Config
	}{
		{"empty host", ServerDescriptor{Port: 8719}, Config{}},
		{"bad port", ServerDescriptor{Host: "localhost", Port: 70000}, Config{}},
		{"negative timeout", ServerDescriptor{Host: "localhost", Port: 8719}, Config{RequestTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransport(tt.server, tt.cfg, sched)
			assert.True(t, cferrors.IsValidationError(err), "got %v", err)
		})
	}

	_, err := NewTransport(ServerDescriptor{Host: "localhost", Port: 8719}, Config{}, nil)
	assert.Error(t, err)
}

func TestTransportSendRequest(t *testing.T) {
	srv := newFakeServer(t, reply(protocol.StatusOK, 7, 0))
	cfg := testConfig()
	cfg.Namespace = "orders"
	tr := startTransport(t, srv, cfg)

	select {
	case ns := <-srv.pings:
		assert.Equal(t, "orders", ns)
	case <-time.After(time.Second):
		t.Fatal("no ping after connect")
	}

	req := flowRequest(42, 3)
	resp, err := tr.SendRequest(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, int32(7), resp.Data.RemainingCount)
	assert.Equal(t, int32(0), req.ID, "caller's request is not modified")
	assert.Equal(t, 0, tr.PendingCount())
}

func TestTransportNotReady(t *testing.T) {
	tr, err := NewTransport(ServerDescriptor{Host: "127.0.0.1", Port: 1}, testConfig(), newTestScheduler(t))
	require.NoError(t, err)

	_, err = tr.SendRequest(context.Background(), flowRequest(1, 1), time.Second)
	assert.ErrorIs(t, err, cferrors.ErrClientNotReady)

	res := <-tr.SendRequestAsync(flowRequest(1, 1))
	assert.ErrorIs(t, res.Err, cferrors.ErrClientNotReady)

	tr.SendRequestIgnoreResponse(flowRequest(1, 1))
	assert.Equal(t, StateOff, tr.State())
}

func TestTransportBadRequest(t *testing.T) {
	srv := newFakeServer(t, reply(protocol.StatusOK, 0, 0))
	tr := startTransport(t, srv, testConfig())

	tests := []struct {
		name string
		req  *protocol.Request
	}{
		{"nil", nil},
		{"unknown type", &protocol.Request{Type: 9, Data: &protocol.FlowRequestData{}}},
		{"missing payload", &protocol.Request{Type: protocol.MsgTypeFlow}},
		{"wrong payload", &protocol.Request{Type: protocol.MsgTypeFlow, Data: &protocol.PingRequestData{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.SendRequest(context.Background(), tt.req, time.Second)
			assert.ErrorIs(t, err, cferrors.ErrBadRequest)
			assert.Equal(t, 0, tr.PendingCount())
		})
	}
}

func TestTransportTimeoutKeepsConnection(t *testing.T) {
	srv := newFakeServer(t, func(req *protocol.Request, fw *protocol.FrameWriter) {
		if req.Data.(*protocol.FlowRequestData).FlowID == 99 {
			return
		}
		_ = fw.WriteResponse(protocol.NewResponse(req.ID, protocol.StatusOK, 1, 0))
	})
	tr := startTransport(t, srv, testConfig())

	_, err := tr.SendRequest(context.Background(), flowRequest(99, 1), 30*time.Millisecond)
	assert.ErrorIs(t, err, cferrors.ErrRequestTimeout)
	assert.ErrorIs(t, err, cferrors.ErrTimeout)
	assert.Equal(t, 0, tr.PendingCount(), "slot released on timeout")
	assert.True(t, tr.IsReady(), "timeout does not close the connection")

	resp, err := tr.SendRequest(context.Background(), flowRequest(1, 1), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

func TestTransportContextCancel(t *testing.T) {
	srv := newFakeServer(t, func(*protocol.Request, *protocol.FrameWriter) {})
	tr := startTransport(t, srv, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.SendRequest(ctx, flowRequest(1, 1), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestTransportConcurrentIDs(t *testing.T) {
	const callers = 50

	var (
		mu      sync.Mutex
		seen    = make(map[int32]int)
		arrived sync.WaitGroup
	)
	release := make(chan struct{})
	arrived.Add(callers)

	srv := newFakeServer(t, func(req *protocol.Request, fw *protocol.FrameWriter) {
		mu.Lock()
		seen[req.ID]++
		mu.Unlock()
		arrived.Done()
		<-release
		_ = fw.WriteResponse(protocol.NewResponse(req.ID, protocol.StatusOK, int32(req.Data.(*protocol.FlowRequestData).FlowID), 0))
	})
	tr := startTransport(t, srv, testConfig())

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(flowID int64) {
			defer wg.Done()
			resp, err := tr.SendRequest(context.Background(), flowRequest(flowID, 1), 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if int64(resp.Data.RemainingCount) != flowID {
				errs <- errors.New("response delivered to the wrong caller")
			}
		}(int64(i + 1))
	}

	arrived.Wait()
	mu.Lock()
	assert.Len(t, seen, callers, "in-flight ids are pairwise distinct")
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %d reused while in flight", id)
	}
	mu.Unlock()
	assert.Equal(t, callers, tr.PendingCount())

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, tr.PendingCount())
}

func TestTransportIDWrap(t *testing.T) {
	tr, err := NewTransport(ServerDescriptor{Host: "127.0.0.1", Port: 1}, testConfig(), newTestScheduler(t))
	require.NoError(t, err)

	tr.lastID = protocol.MaxXid - 1
	id1, _ := tr.register()
	assert.Equal(t, protocol.MaxXid, id1)

	// id 1 is still in flight and must be skipped after the wrap.
	tr.pendingMu.Lock()
	tr.pending[1] = &pendingCall{ch: make(chan AsyncResult, 1)}
	tr.pendingMu.Unlock()

	id2, _ := tr.register()
	assert.Equal(t, int32(2), id2)

	tr.release(1)
	tr.release(id1)
	tr.release(id2)
	assert.Equal(t, 0, tr.PendingCount())

	tr.lastID = protocol.MaxXid
	id3, _ := tr.register()
	assert.Equal(t, int32(1), id3, "released ids are reusable")
}

func TestTransportAsync(t *testing.T) {
	srv := newFakeServer(t, func(req *protocol.Request, fw *protocol.FrameWriter) {
		if req.Data.(*protocol.FlowRequestData).FlowID == 99 {
			return
		}
		_ = fw.WriteResponse(protocol.NewResponse(req.ID, protocol.StatusBlocked, 0, 0))
	})
	cfg := testConfig()
	cfg.RequestTimeout = 40 * time.Millisecond
	tr := startTransport(t, srv, cfg)

	res := <-tr.SendRequestAsync(flowRequest(1, 1))
	require.NoError(t, res.Err)
	assert.Equal(t, protocol.StatusBlocked, res.Response.Status)

	res = <-tr.SendRequestAsync(flowRequest(99, 1))
	assert.ErrorIs(t, res.Err, cferrors.ErrRequestTimeout)
	assert.Equal(t, 0, tr.PendingCount())

	res = <-tr.SendRequestAsync(&protocol.Request{Type: protocol.MsgTypeFlow})
	assert.ErrorIs(t, res.Err, cferrors.ErrBadRequest)
}

func TestTransportIgnoreResponse(t *testing.T) {
	var handled atomic.Int32
	srv := newFakeServer(t, func(req *protocol.Request, fw *protocol.FrameWriter) {
		handled.Add(1)
		_ = fw.WriteResponse(protocol.NewResponse(req.ID, protocol.StatusOK, 0, 0))
	})
	tr := startTransport(t, srv, testConfig())

	tr.SendRequestIgnoreResponse(flowRequest(5, 1))
	testutil.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.PendingCount())
	assert.True(t, tr.IsReady())
}

func TestTransportUndecodableResponse(t *testing.T) {
	srv := newFakeServer(t, func(req *protocol.Request, fw *protocol.FrameWriter) {
		if req.Data.(*protocol.FlowRequestData).FlowID == 13 {
			// Readable header, unknown payload marker.
			body := binary.BigEndian.AppendUint16(nil, uint16(protocol.StatusOK))
			body = binary.BigEndian.AppendUint32(body, uint32(req.ID))
			body = append(body, 9)
			_ = fw.WriteFrame(body)
			return
		}
		_ = fw.WriteResponse(protocol.NewResponse(req.ID, protocol.StatusOK, 3, 0))
	})
	tr := startTransport(t, srv, testConfig())

	_, err := tr.SendRequest(context.Background(), flowRequest(13, 1), time.Second)
	var derr *cferrors.DecodingError
	assert.ErrorAs(t, err, &derr)
	assert.True(t, tr.IsReady(), "decode failure only fails the matching call")

	resp, err := tr.SendRequest(context.Background(), flowRequest(1, 1), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(3), resp.Data.RemainingCount)
}

func TestTransportStopNeverStarted(t *testing.T) {
	tr, err := NewTransport(ServerDescriptor{Host: "127.0.0.1", Port: 1}, testConfig(), newTestScheduler(t))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tr.Stop()
		tr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a transport that never started")
	}
	assert.Equal(t, StateOff, tr.State())
}

func TestTransportStopFailsPending(t *testing.T) {
	srv := newFakeServer(t, func(*protocol.Request, *protocol.FrameWriter) {})
	tr := startTransport(t, srv, testConfig())

	ch := tr.SendRequestAsync(flowRequest(1, 1))
	testutil.Eventually(t, func() bool { return tr.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	disconnects := testutil.NewCallbackTracker()
	tr.OnDisconnect(func() { disconnects.Mark() })

	tr.Stop()
	res := <-ch
	assert.ErrorIs(t, res.Err, cferrors.ErrClosed)
	assert.Equal(t, StateOff, tr.State())
	disconnects.AssertCallCount(t, 1)
}

func TestTransportStopWaitsForPendingConnect(t *testing.T) {
	sched := newTestScheduler(t)
	tr, err := NewTransport(ServerDescriptor{Host: "127.0.0.1", Port: 1}, testConfig(), sched)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	tr.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		close(entered)
		<-release
		return nil, errors.New("connection refused")
	}

	tr.Start()
	<-entered
	assert.Equal(t, StatePending, tr.State())
	tr.Start() // no-op while pending

	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the connect attempt was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the connect attempt settled")
	}

	assert.Equal(t, StateOff, tr.State())
	assert.Empty(t, sched.List(), "no reconnect left scheduled")
}

func TestTransportStopDuringConnectThatSucceeds(t *testing.T) {
	sched := newTestScheduler(t)
	tr, err := NewTransport(ServerDescriptor{Host: "127.0.0.1", Port: 1}, testConfig(), sched)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer server.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	tr.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		close(entered)
		<-release
		return client, nil
	}

	tr.Start()
	<-entered

	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-stopped

	assert.Equal(t, StateOff, tr.State())
	assert.Empty(t, sched.List())

	// The late connection was closed instead of being adopted.
	_, err = server.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	srv := newFakeServer(t, reply(protocol.StatusOK, 1, 0))
	tr := startTransport(t, srv, testConfig())
	<-srv.pings

	disconnects := testutil.NewCallbackTracker()
	tr.OnDisconnect(func() { disconnects.Mark() })

	srv.dropConnections()
	testutil.Eventually(t, disconnects.Called, time.Second, 5*time.Millisecond)

	select {
	case <-srv.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not reconnect")
	}
	testutil.Eventually(t, tr.IsReady, time.Second, 5*time.Millisecond)

	resp, err := tr.SendRequest(context.Background(), flowRequest(1, 1), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

func TestTransportLinearBackoff(t *testing.T) {
	sched := newTestScheduler(t)
	cfg := testConfig()
	cfg.ReconnectDelay = time.Hour
	tr, err := NewTransport(ServerDescriptor{Host: "127.0.0.1", Port: 1}, cfg, sched)
	require.NoError(t, err)

	var dials atomic.Int32
	tr.dial = func(context.Context, string, string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	before := time.Now()
	tr.Start()
	testutil.Eventually(t, func() bool { return tr.State() == StateOff && len(sched.List()) == 1 }, time.Second, 5*time.Millisecond)

	// One failure so far: delay * (1 + 1).
	task := sched.List()[0]
	assert.WithinDuration(t, before.Add(2*time.Hour), task.RunAt, time.Second)
	assert.Equal(t, int32(1), dials.Load())

	tr.Stop()
	assert.Empty(t, sched.List())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "OFF", StateOff.String())
	assert.Equal(t, "PENDING", StatePending.String())
	assert.Equal(t, "READY", StateReady.String())
	assert.Equal(t, "UNKNOWN(7)", State(7).String())
}
