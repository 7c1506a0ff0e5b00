// Package ws runs the WebSocket front: upgrading HTTP requests, multiplexing
// reads over Linux epoll (with a goroutine fallback elsewhere), and feeding
// complete frames to the dispatcher. Connection identity lives in the
// registry package; this package only moves bytes.
package ws

import (
	"io"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/registry"
)

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	MaxFrameSize      int64         // largest accepted data frame in bytes
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	HeartbeatInterval time.Duration // ping cadence; 2x with no reads evicts
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:    256,
		MaxConnections:    1000,
		MaxFrameSize:      100000,
		ReadTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Server accepts WebSocket connections and pumps their frames into the
// dispatcher. onDisconnect fires once per removed connection with the bound
// user ID ("" if the client never joined).
type Server struct {
	config       Config
	poller       *Poller
	reg          *registry.Registry
	workerPool   chan struct{}
	onMessage    func(conn *registry.Conn, data []byte)
	onDisconnect func(userID string)
	stopHB       func()
	done         chan struct{}
}

// NewServer creates a Server bound to the given registry. The onMessage
// callback runs on a worker goroutine for every complete text frame.
func NewServer(config Config, reg *registry.Registry, onMessage func(conn *registry.Conn, data []byte)) *Server {
	return &Server{
		config:     config,
		reg:        reg,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnDisconnect registers the callback invoked when a connection is
// removed for any reason (read error, heartbeat timeout, graceful close).
func (s *Server) SetOnDisconnect(fn func(userID string)) {
	s.onDisconnect = fn
}

// Start initializes the poller, the event loop, and the heartbeat. It
// returns immediately; the HTTP listener is owned by the caller, which
// mounts HandleWS on its router.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return err
	}

	go s.eventLoop()
	s.stopHB = s.reg.StartHeartbeat(s.config.HeartbeatInterval, func(c *registry.Conn) {
		_ = s.poller.Remove(c.Fd)
		s.afterRemove(c)
	})

	log.Printf("ws: server started (workers=%d, max_conns=%d, max_frame=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections, s.config.MaxFrameSize)
	return nil
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// it. It is mounted on the HTTP router at /ws. Connections from an IP at its
// cap are closed with a policy-violation close frame.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.reg.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remoteIP := clientIP(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed from %s: %v", remoteIP, err)
		return
	}

	fd := socketFD(conn)
	if fd < 0 {
		// No real descriptor on this platform; the registry's fd index
		// still needs a unique key.
		fd = syntheticFd()
	}
	c := s.reg.Accept(conn, fd, remoteIP)
	if c == nil {
		// Per-IP cap hit: refuse at the WebSocket level.
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(
			ws.StatusPolicyViolation, "connection limit for this address")))
		_ = conn.Close()
		log.Printf("ws: per-ip cap refused connection from %s", remoteIP)
		return
	}

	if err := s.poller.Add(fd, conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.reg.Remove(c.ID)
		return
	}

	log.Printf("ws: new connection conn=%s fd=%d ip=%s (total=%d)", c.ID, fd, remoteIP, s.reg.Count())
}

// eventLoop runs the poller wait loop, resolving ready fds through the
// registry and dispatching them to the bounded worker pool.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		fds, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, fd := range fds {
			c := s.reg.GetByFd(fd)
			if c == nil {
				continue // removed between readiness and dispatch
			}

			s.workerPool <- struct{}{}
			go func(c *registry.Conn) {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}(c)
		}
	}
}

// handleConn reads one WebSocket frame from a ready connection. Oversized
// data frames are drained and answered with a too_large error without
// closing the connection. A panic in the message handler closes the
// connection with status 1011 instead of taking the process down.
func (s *Server) handleConn(c *registry.Conn) {
	netConn := c.NetConn

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.BeginRead() {
		return
	}
	defer c.EndRead()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ws: panic handling conn=%s: %v\n%s", c.ID, rec, debug.Stack())
			_ = c.CloseWithCode(ws.StatusInternalServerError, "internal error")
			s.closeConn(c)
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat owns dead-connection eviction.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.closeConn(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.closeConn(c)
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		// Drain the oversized payload so the stream stays in sync, then
		// tell the client without dropping them.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			s.closeConn(c)
			return
		}
		if frame, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeTooLarge,
			Message: "frame exceeds size limit",
		}); err == nil {
			c.Enqueue(frame)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.closeConn(c)
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

// closeConn removes a connection from the poller and the registry, then
// runs the disconnect callback exactly once.
func (s *Server) closeConn(c *registry.Conn) {
	_ = s.poller.Remove(c.Fd)
	if !s.reg.Remove(c.ID) {
		return
	}
	s.afterRemove(c)
}

func (s *Server) afterRemove(c *registry.Conn) {
	userID := c.UserID()
	if s.onDisconnect != nil {
		s.onDisconnect(userID)
	}
	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, userID, s.reg.Count())
}

// Shutdown stops the event loop and heartbeat and closes all connections
// with a going-away frame.
func (s *Server) Shutdown() {
	log.Println("ws: shutting down...")
	close(s.done)
	if s.stopHB != nil {
		s.stopHB()
	}

	for _, c := range s.reg.All() {
		_ = s.poller.Remove(c.Fd)
		_ = c.CloseWithCode(ws.StatusGoingAway, "server shutting down")
		s.reg.Remove(c.ID)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}
	log.Println("ws: server stopped, all connections closed")
}

// syntheticFdCounter backs syntheticFd. Negative values never collide with
// real descriptors, and -1 is skipped because socketFD uses it for "none".
var syntheticFdCounter int64

func syntheticFd() int {
	return -1 - int(atomic.AddInt64(&syntheticFdCounter, 1))
}

// clientIP extracts the client address host. The HTTP middleware stack
// rewrites RemoteAddr from X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks for the interrupted-syscall error, which is expected during
// signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
