// Package ws implements the websocket transport: upgrading HTTP requests,
// tracking live connections, and pumping inbound frames from a readiness
// poller into a bounded worker pool.
package ws

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tandem/chat-server/internal/metrics"
	"github.com/tandem/chat-server/internal/protocol"
)

// Config holds tunable parameters for the websocket server.
type Config struct {
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on simultaneous connections
	ReadTimeout    time.Duration // per-frame read deadline
	WriteTimeout   time.Duration // per-frame write deadline
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server owns the connection fleet. It does not listen on its own; the HTTP
// router mounts HandleUpgrade wherever the websocket endpoint should live.
type Server struct {
	config Config
	poller *Poller
	conns  *Manager

	workerPool   chan struct{} // semaphore bounding concurrent readers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)

	done chan struct{}
}

// NewServer creates a server. onMessage runs on a worker goroutine for every
// complete text frame a client sends.
func NewServer(config Config, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered, before any frames are read from it.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once per removed connection,
// whatever caused the removal.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start creates the poller and launches the event loop and heartbeat
// monitor. It returns immediately; frames start flowing as soon as the HTTP
// router begins routing upgrades to HandleUpgrade.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}

	go s.eventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: ready (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// HandleUpgrade upgrades an HTTP request to a websocket, assigns the
// connection id, registers the socket with the poller, and announces the id
// to the client.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	remoteIP := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		remoteIP = host
	}

	connID := uuid.New().String()
	c := &Connection{
		ID:       connID,
		Conn:     conn,
		Fd:       socketFD(conn),
		RemoteIP: remoteIP,
		OpenedAt: time.Now(),
		LastSeen: time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", connID, err)
		s.conns.Drop(connID)
		return
	}

	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	created, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: connID,
	})
	if err != nil {
		log.Printf("ws: build sessionCreated conn=%s: %v", connID, err)
	} else if err := c.WriteMessage(created); err != nil {
		log.Printf("ws: send sessionCreated conn=%s: %v", connID, err)
	}

	log.Printf("ws: connected conn=%s fd=%d (total=%d)", connID, c.Fd, s.conns.Count())
}

// eventLoop pulls batches of readable sockets off the poller and hands each
// to a worker. The semaphore blocks here when all workers are busy, which
// backpressures the whole loop instead of growing an unbounded queue.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(conn)
			}()
		}
	}
}

// readFrame reads one frame from a ready socket. NextReader is used so that
// control frames are handled without blocking on a data frame that may never
// arrive. Read failures other than timeouts tear the connection down.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered polling can dispatch the same socket twice; only one
	// worker may read it at a time.
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.busy, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness dispatch, not a dead peer; the
		// heartbeat decides when a silent connection dies.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.LastSeen = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters a connection from the poller and the manager
// and closes its socket. Exactly one caller wins when teardown races, and
// only the winner runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	if !s.conns.Drop(c.ID) {
		return
	}

	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the identified connection.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections exposes the manager, mainly for the heartbeat and health
// endpoint.
func (s *Server) Connections() *Manager {
	return s.conns
}

// Shutdown stops the event loop and closes every live connection.
func (s *Server) Shutdown() {
	log.Println("ws: shutting down...")
	close(s.done)

	for _, c := range s.conns.All() {
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: stopped")
}

// isEINTR reports whether the error is an interrupted syscall, which is
// expected during signal delivery and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
