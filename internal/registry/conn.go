// Package registry tracks live WebSocket connections and their binding to
// chat identities. It supports O(1) lookups by connection ID, file
// descriptor, and user ID, and enforces the per-IP connection cap.
package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// outboundBuffer is the per-connection frame queue depth. A client that
// cannot drain this many frames is a slow consumer and gets dropped.
const outboundBuffer = 64

// outFrame is a queued outbound WebSocket frame.
type outFrame struct {
	op   ws.OpCode
	data []byte
}

// Conn represents a single WebSocket client connection. All outbound frames
// funnel through a single writer goroutine so frames from concurrent
// components never interleave and ordering per connection is FIFO.
type Conn struct {
	ID        string   // connection ID (UUID)
	NetConn   net.Conn // underlying TCP connection
	Fd        int      // file descriptor for epoll lookups
	RemoteIP  string   // client IP, used for the per-IP cap
	CreatedAt time.Time

	lastActive int64 // unix nanos of last successful read, atomic
	processing int32 // atomic flag: 0 = idle, 1 = being read by a worker

	writeTimeout time.Duration

	mu     sync.Mutex // guards userID, closed
	userID string
	closed bool

	out  chan outFrame
	stop chan struct{}
}

// newConn builds a Conn and starts its writer goroutine.
func newConn(id string, nc net.Conn, fd int, remoteIP string, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           id,
		NetConn:      nc,
		Fd:           fd,
		RemoteIP:     remoteIP,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		out:          make(chan outFrame, outboundBuffer),
		stop:         make(chan struct{}),
	}
	c.Touch()
	go c.writeLoop()
	return c
}

// writeLoop drains the outbound queue onto the socket. It exits when the
// connection is closed; a write error closes the socket and lets the epoll
// read path observe the failure and clean up.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.stop:
			return
		case f := <-c.out:
			if c.writeTimeout > 0 {
				_ = c.NetConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			var err error
			if f.op == ws.OpPing {
				err = ws.WriteFrame(c.NetConn, ws.NewPingFrame(f.data))
			} else {
				err = wsutil.WriteServerMessage(c.NetConn, f.op, f.data)
			}
			_ = c.NetConn.SetWriteDeadline(time.Time{})
			if err != nil {
				_ = c.NetConn.Close()
				return
			}
		}
	}
}

// Enqueue queues a text frame for delivery. It returns false if the
// connection is closed or the client is too slow to keep up; the caller
// treats false as "partner offline".
func (c *Conn) Enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.out <- outFrame{op: ws.OpText, data: data}:
		return true
	default:
		return false // slow consumer, queue full
	}
}

// EnqueuePing queues a WebSocket protocol-level ping frame (opcode 0x9),
// which browsers answer automatically with a pong.
func (c *Conn) EnqueuePing() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.out <- outFrame{op: ws.OpPing}:
		return true
	default:
		return false
	}
}

// Touch records read activity on the connection.
func (c *Conn) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last successful read.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// UserID returns the chat identity bound to this connection, or "" if the
// client has not joined yet.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// BeginRead marks the connection as being read by a worker. It returns false
// if another worker already holds it (duplicate dispatch from level-triggered
// epoll).
func (c *Conn) BeginRead() bool {
	return atomic.CompareAndSwapInt32(&c.processing, 0, 1)
}

// EndRead releases the read claim taken by BeginRead.
func (c *Conn) EndRead() {
	atomic.StoreInt32(&c.processing, 0)
}

// CloseWithCode sends a close frame with the given status code and reason,
// then closes the socket. Best-effort: a failed close-frame write still
// closes the connection.
func (c *Conn) CloseWithCode(code ws.StatusCode, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	if c.writeTimeout > 0 {
		_ = c.NetConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_ = ws.WriteFrame(c.NetConn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	return c.NetConn.Close()
}

// Close stops the writer goroutine and closes the socket without sending a
// close frame.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	return c.NetConn.Close()
}
