package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is the default in-process Store. One RWMutex guards all maps; every
// operation is a handful of map lookups, so contention stays low even on the
// matching hot path.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*OnlineUser
	pools    map[ChatType]map[string]struct{} // chatType -> waiting user ids
	sessions map[string]*ChatSession
	messages map[string][]*Message // sessionID -> chronological log
	msgIDs   map[string]struct{}
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*OnlineUser),
		pools:    make(map[ChatType]map[string]struct{}),
		sessions: make(map[string]*ChatSession),
		messages: make(map[string][]*Message),
		msgIDs:   make(map[string]struct{}),
		now:      time.Now,
	}
}

// AddOnlineUser implements Store.
func (m *Memory) AddOnlineUser(_ context.Context, u *OnlineUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}

	c := u.Clone()
	if c.LastSeen.IsZero() {
		c.LastSeen = m.now()
	}
	if c.JoinedAt.IsZero() {
		c.JoinedAt = c.LastSeen
	}
	m.users[c.ID] = c
	if c.IsWaiting {
		m.enterPoolLocked(c)
	}
	return nil
}

// RemoveOnlineUser implements Store. It is idempotent and clears any waiting
// pool entry.
func (m *Memory) RemoveOnlineUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil
	}
	m.leavePoolLocked(u)
	delete(m.users, id)
	return nil
}

// UpdateOnlineUser implements Store. The patch is applied under the write
// lock, so pool membership never diverges from IsWaiting.
func (m *Memory) UpdateOnlineUser(_ context.Context, id string, patch UserPatch) (*OnlineUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}

	if patch.Interests != nil {
		u.Interests = append([]string(nil), (*patch.Interests)...)
	}
	if patch.Gender != nil {
		u.Gender = *patch.Gender
	}
	if patch.ChatType != nil {
		if u.IsWaiting && *patch.ChatType != u.ChatType {
			// Moving modality while waiting migrates the pool entry.
			m.leavePoolLocked(u)
			u.ChatType = *patch.ChatType
			u.IsWaiting = true
			m.enterPoolLocked(u)
		} else {
			u.ChatType = *patch.ChatType
		}
	}
	if patch.IsWaiting != nil && *patch.IsWaiting != u.IsWaiting {
		if *patch.IsWaiting {
			u.IsWaiting = true
			m.enterPoolLocked(u)
		} else {
			m.leavePoolLocked(u)
		}
	}
	u.LastSeen = m.now()

	return u.Clone(), nil
}

// GetOnlineUser implements Store.
func (m *Memory) GetOnlineUser(_ context.Context, id string) (*OnlineUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u.Clone(), nil
}

// GetAllOnlineUsers implements Store.
func (m *Memory) GetAllOnlineUsers(_ context.Context) ([]*OnlineUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*OnlineUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.Clone())
	}
	return out, nil
}

// GetWaitingUsers implements Store. Results are ordered by descending
// interest overlap with askerInterests, ties broken by ascending enqueue
// time, final ties by id so the order is deterministic.
func (m *Memory) GetWaitingUsers(_ context.Context, chatType ChatType, askerInterests []string) ([]*OnlineUser, error) {
	m.mu.RLock()
	pool := m.pools[chatType]
	out := make([]*OnlineUser, 0, len(pool))
	for id := range pool {
		if u, ok := m.users[id]; ok {
			out = append(out, u.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		oi := InterestOverlap(askerInterests, out[i].Interests)
		oj := InterestOverlap(askerInterests, out[j].Interests)
		if oi != oj {
			return oi > oj
		}
		if !out[i].WaitingSince.Equal(out[j].WaitingSince) {
			return out[i].WaitingSince.Before(out[j].WaitingSince)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateChatSession implements Store.
func (m *Memory) CreateChatSession(_ context.Context, s *ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	c := s.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.sessions[c.ID] = c
	return nil
}

// GetChatSession implements Store.
func (m *Memory) GetChatSession(_ context.Context, id string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

// UpdateChatSession implements Store.
func (m *Memory) UpdateChatSession(_ context.Context, id string, patch SessionPatch) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.EndedAt != nil {
		s.EndedAt = *patch.EndedAt
	}
	return s.Clone(), nil
}

// DeleteChatSession implements Store. The session's message log is purged
// with it.
func (m *Memory) DeleteChatSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[id] {
		delete(m.msgIDs, msg.ID)
	}
	delete(m.messages, id)
	delete(m.sessions, id)
	return nil
}

// ListChatSessions implements Store.
func (m *Memory) ListChatSessions(_ context.Context) ([]*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

// CreateMessage implements Store. The log is append-only and kept in
// timestamp order; out-of-order inserts are placed by timestamp.
func (m *Memory) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
	}
	if _, ok := m.msgIDs[msg.ID]; ok {
		return fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
	}

	c := *msg
	c.Attachments = append([]Attachment(nil), msg.Attachments...)
	if c.Timestamp.IsZero() {
		c.Timestamp = m.now()
	}

	log := m.messages[msg.SessionID]
	i := len(log)
	for i > 0 && log[i-1].Timestamp.After(c.Timestamp) {
		i--
	}
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = &c
	m.messages[msg.SessionID] = log
	m.msgIDs[c.ID] = struct{}{}
	return nil
}

// GetMessagesBySession implements Store.
func (m *Memory) GetMessagesBySession(_ context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.messages[sessionID]
	out := make([]*Message, 0, len(log))
	for _, msg := range log {
		c := *msg
		c.Attachments = append([]Attachment(nil), msg.Attachments...)
		out = append(out, &c)
	}
	return out, nil
}

// enterPoolLocked puts u into the pool for its chat type and stamps
// WaitingSince. Caller holds the write lock.
func (m *Memory) enterPoolLocked(u *OnlineUser) {
	pool, ok := m.pools[u.ChatType]
	if !ok {
		pool = make(map[string]struct{})
		m.pools[u.ChatType] = pool
	}
	if _, already := pool[u.ID]; !already {
		u.WaitingSince = m.now()
	}
	pool[u.ID] = struct{}{}
	u.IsWaiting = true
}

// leavePoolLocked removes u from every pool and clears the waiting state.
// Caller holds the write lock.
func (m *Memory) leavePoolLocked(u *OnlineUser) {
	for _, pool := range m.pools {
		delete(pool, u.ID)
	}
	u.IsWaiting = false
	u.WaitingSince = time.Time{}
}
