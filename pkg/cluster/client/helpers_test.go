package client

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/clusterflow/internal/testutil"
	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/scheduling/scheduler"
)

// handlerFunc answers one decoded request. It may write any number of
// frames, including malformed ones, or none at all.
type handlerFunc func(req *protocol.Request, fw *protocol.FrameWriter)

func reply(status protocol.Status, remaining, wait int32) handlerFunc {
	return func(req *protocol.Request, fw *protocol.FrameWriter) {
		_ = fw.WriteResponse(protocol.NewResponse(req.ID, status, remaining, wait))
	}
}

// fakeServer speaks the token protocol on a loopback listener. PINGs are
// answered with OK and recorded; everything else goes to the handler on
// its own goroutine.
type fakeServer struct {
	ln      net.Listener
	handler handlerFunc
	pings   chan string

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
	wg     sync.WaitGroup
}

func newFakeServer(t *testing.T, handler handlerFunc) *fakeServer {
	t.Helper()
	s := &fakeServer{
		ln:      testutil.Listen(t),
		handler: handler,
		pings:   make(chan string, 16),
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) descriptor() ServerDescriptor {
	return ServerDescriptor{Host: "127.0.0.1", Port: s.ln.Addr().(*net.TCPAddr).Port}
}

func (s *fakeServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	defer s.wg.Done()
	fr := protocol.NewFrameReader(conn)
	fw := protocol.NewFrameWriter(conn)
	for {
		body, err := fr.ReadFrame()
		if err != nil {
			return
		}
		req, err := protocol.DecodeRequest(body)
		if err != nil {
			continue
		}
		if req.Type == protocol.MsgTypePing {
			select {
			case s.pings <- req.Data.(*protocol.PingRequestData).Namespace:
			default:
			}
			_ = fw.WriteResponse(protocol.NewResponse(req.ID, protocol.StatusOK, 1, 0))
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.handler(req, fw)
		}()
	}
}

// dropConnections closes every accepted connection but keeps listening.
func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *fakeServer) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.dropConnections()
	s.wg.Wait()
}

func testConfig() Config {
	return Config{
		RequestTimeout: time.Second,
		ConnectTimeout: time.Second,
		ReconnectDelay: 20 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

func newTestScheduler(t *testing.T) scheduler.Scheduler {
	t.Helper()
	s := scheduler.NewWithConfig(scheduler.Config{Name: "test-reconnect", Workers: 1, TickInterval: 5 * time.Millisecond})
	require.NoError(t, s.Start())
	t.Cleanup(func() { <-s.Stop() })
	return s
}

// startTransport connects a transport to srv and waits until it is READY.
func startTransport(t *testing.T, srv *fakeServer, cfg Config) *Transport {
	t.Helper()
	tr, err := NewTransport(srv.descriptor(), cfg, newTestScheduler(t))
	require.NoError(t, err)
	tr.Start()
	t.Cleanup(tr.Stop)
	testutil.Eventually(t, tr.IsReady, 2*time.Second, 5*time.Millisecond)
	return tr
}

func flowRequest(flowID int64, count int32) *protocol.Request {
	return &protocol.Request{
		Type: protocol.MsgTypeFlow,
		Data: &protocol.FlowRequestData{FlowID: flowID, Count: count},
	}
}
