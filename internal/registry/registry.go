package registry

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
)

// Registry is the thread-safe connection table. It maps connection IDs, file
// descriptors, and bound user IDs to their Conn objects, and tracks
// per-IP connection counts for the admission cap.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Conn
	byFd     map[int]*Conn
	byUser   map[string]*Conn
	perIP    map[string]int
	maxPerIP int

	writeTimeout time.Duration
}

// New creates an empty Registry. maxPerIP caps simultaneous connections per
// client IP; zero or negative disables the cap.
func New(maxPerIP int, writeTimeout time.Duration) *Registry {
	return &Registry{
		byID:         make(map[string]*Conn),
		byFd:         make(map[int]*Conn),
		byUser:       make(map[string]*Conn),
		perIP:        make(map[string]int),
		maxPerIP:     maxPerIP,
		writeTimeout: writeTimeout,
	}
}

// Accept admits a freshly upgraded socket into the registry. It enforces the
// per-IP cap atomically with registration and returns nil if the IP is at
// its limit (the caller closes the socket with a policy-violation frame).
func (r *Registry) Accept(nc net.Conn, fd int, remoteIP string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerIP > 0 && r.perIP[remoteIP] >= r.maxPerIP {
		return nil
	}
	r.perIP[remoteIP]++

	c := newConn(uuid.New().String(), nc, fd, remoteIP, r.writeTimeout)
	r.byID[c.ID] = c
	r.byFd[c.Fd] = c
	return c
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was present; the double-removal guard prevents racing cleanup
// paths (read error + heartbeat timeout) from running disconnect logic twice.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		r.dropLocked(c)
	}
	r.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// RemoveByFd removes a connection by file descriptor and closes it. It
// returns the removed connection, or nil if none was registered for that fd.
func (r *Registry) RemoveByFd(fd int) *Conn {
	r.mu.Lock()
	c, ok := r.byFd[fd]
	if ok {
		r.dropLocked(c)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	_ = c.Close()
	return c
}

func (r *Registry) dropLocked(c *Conn) {
	delete(r.byID, c.ID)
	delete(r.byFd, c.Fd)
	if uid := c.UserID(); uid != "" && r.byUser[uid] == c {
		delete(r.byUser, uid)
	}
	if n := r.perIP[c.RemoteIP]; n <= 1 {
		delete(r.perIP, c.RemoteIP)
	} else {
		r.perIP[c.RemoteIP] = n - 1
	}
}

// Bind associates a user ID with a connection. If another live connection
// already holds that identity it is orphaned and closed; the newest
// connection wins, which is what lets a reconnecting client reclaim its
// session.
func (r *Registry) Bind(connID, userID string) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}

	var orphan *Conn
	if prev, exists := r.byUser[userID]; exists && prev != c {
		orphan = prev
		prev.setUserID("")
	}
	if old := c.UserID(); old != "" && old != userID && r.byUser[old] == c {
		delete(r.byUser, old)
	}
	c.setUserID(userID)
	r.byUser[userID] = c
	r.mu.Unlock()

	if orphan != nil {
		log.Printf("registry: user %s rebound conn=%s, closing stale conn=%s", userID, connID, orphan.ID)
		_ = orphan.CloseWithCode(ws.StatusPolicyViolation, "superseded by new connection")
	}
}

// Unbind detaches the user identity from whatever connection holds it.
func (r *Registry) Unbind(userID string) {
	r.mu.Lock()
	if c, ok := r.byUser[userID]; ok {
		c.setUserID("")
		delete(r.byUser, userID)
	}
	r.mu.Unlock()
}

// Get returns the connection with the given ID, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	c := r.byID[id]
	r.mu.RUnlock()
	return c
}

// GetByFd returns the connection for a file descriptor, or nil.
func (r *Registry) GetByFd(fd int) *Conn {
	r.mu.RLock()
	c := r.byFd[fd]
	r.mu.RUnlock()
	return c
}

// UserConn returns the live connection bound to userID, or nil if the user
// is offline.
func (r *Registry) UserConn(userID string) *Conn {
	r.mu.RLock()
	c := r.byUser[userID]
	r.mu.RUnlock()
	return c
}

// Send queues a text frame for the connection bound to userID. It returns
// false when the user has no live connection or the connection cannot accept
// the frame; callers treat that as the partner being offline.
func (r *Registry) Send(userID string, data []byte) bool {
	c := r.UserConn(userID)
	if c == nil {
		return false
	}
	return c.Enqueue(data)
}

// SendToConn queues a text frame for a specific connection ID.
func (r *Registry) SendToConn(connID string, data []byte) bool {
	c := r.Get(connID)
	if c == nil {
		return false
	}
	return c.Enqueue(data)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// IPCount returns the number of distinct client IPs with live connections.
func (r *Registry) IPCount() int {
	r.mu.RLock()
	n := len(r.perIP)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of the current connections, safe to iterate without
// holding the lock.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}
