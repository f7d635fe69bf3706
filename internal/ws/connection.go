package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded websocket client. Outbound frames are
// serialized through the write mutex so worker goroutines, heartbeat pings
// and fan-out deliveries never interleave bytes on the wire.
type Connection struct {
	ID       string   // connection id assigned at upgrade time (UUID)
	Conn     net.Conn // underlying TCP connection
	Fd       int      // file descriptor, used by the poller
	RemoteIP string   // client address for rate limiting
	OpenedAt time.Time
	LastSeen time.Time // last frame received from the client

	writeMu sync.Mutex
	busy    int32 // atomic: 1 while a worker is reading this connection
}

// WriteMessage sends a single text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9). Browsers answer
// these automatically without application code.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Manager indexes live connections by id and by file descriptor, giving the
// poller and the application O(1) lookups in both directions.
type Manager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

func NewManager() *Manager {
	return &Manager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection under both indexes.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	m.byID[conn.ID] = conn
	m.byFd[conn.Fd] = conn
	m.mu.Unlock()
}

// Drop removes a connection by id and closes its socket. It reports whether
// the connection was still registered, which lets callers racing to tear
// down the same connection know who won.
func (m *Manager) Drop(id string) bool {
	m.mu.Lock()
	conn, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byFd, conn.Fd)
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for an id, or nil.
func (m *Manager) Get(id string) *Connection {
	m.mu.RLock()
	conn := m.byID[id]
	m.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for a file descriptor, or nil.
func (m *Manager) GetByFd(fd int) *Connection {
	m.mu.RLock()
	conn := m.byFd[fd]
	m.mu.RUnlock()
	return conn
}

// GetByConn resolves a net.Conn back to its Connection via the fd.
func (m *Manager) GetByConn(c net.Conn) *Connection {
	return m.GetByFd(socketFD(c))
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.byID)
	m.mu.RUnlock()
	return n
}

// All returns a snapshot of the live connections, safe to iterate without
// holding the lock.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()
	return conns
}
