package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
)

// connection is one accepted client connection. Its namespace is set by
// the client's PING.
type connection struct {
	conn     net.Conn
	writer   *protocol.FrameWriter
	remote   string
	lastRead atomic.Int64 // unix millis

	namespace string // guarded by connectionPool.mu
}

func newConnection(conn net.Conn, now time.Time) *connection {
	c := &connection{
		conn:   conn,
		writer: protocol.NewFrameWriter(conn),
		remote: conn.RemoteAddr().String(),
	}
	c.touch(now)
	return c
}

func (c *connection) touch(now time.Time) {
	c.lastRead.Store(now.UnixMilli())
}

func (c *connection) idleSince(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(c.lastRead.Load()))
}

// connectionPool tracks open connections and groups them by namespace.
type connectionPool struct {
	metrics *metrics.Registry

	mu     sync.RWMutex
	conns  map[*connection]struct{}
	groups map[string]map[*connection]struct{}
}

func newConnectionPool(reg *metrics.Registry) *connectionPool {
	return &connectionPool{
		metrics: reg,
		conns:   make(map[*connection]struct{}),
		groups:  make(map[string]map[*connection]struct{}),
	}
}

func (p *connectionPool) add(c *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[c] = struct{}{}
}

func (p *connectionPool) remove(c *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
	p.leaveLocked(c)
}

// bind moves c into the group of namespace and returns the group size.
func (p *connectionPool) bind(c *connection, namespace string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[c]; !ok {
		return len(p.groups[namespace])
	}
	if c.namespace != namespace {
		p.leaveLocked(c)
		group, ok := p.groups[namespace]
		if !ok {
			group = make(map[*connection]struct{})
			p.groups[namespace] = group
		}
		group[c] = struct{}{}
		c.namespace = namespace
		p.metrics.ServerConnections.WithLabelValues(namespace).Set(float64(len(group)))
	}
	return len(p.groups[namespace])
}

func (p *connectionPool) leaveLocked(c *connection) {
	if c.namespace == "" {
		return
	}
	group := p.groups[c.namespace]
	delete(group, c)
	p.metrics.ServerConnections.WithLabelValues(c.namespace).Set(float64(len(group)))
	if len(group) == 0 {
		delete(p.groups, c.namespace)
	}
	c.namespace = ""
}

// ConnectedCount returns the number of connections announced for namespace.
func (p *connectionPool) ConnectedCount(namespace string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.groups[namespace])
}

// Count returns the number of open connections.
func (p *connectionPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// idle returns the connections that sent nothing for at least d.
func (p *connectionPool) idle(now time.Time, d time.Duration) []*connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*connection
	for c := range p.conns {
		if c.idleSince(now) >= d {
			out = append(out, c)
		}
	}
	return out
}

func (p *connectionPool) all() []*connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*connection, 0, len(p.conns))
	for c := range p.conns {
		out = append(out, c)
	}
	return out
}
