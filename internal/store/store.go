// Package store is the authoritative data plane for the chat service: online
// users, chat sessions, and the per-session message log. The default backend
// is an in-process map-based implementation; a Redis-backed implementation is
// available behind the same interface for deployments that want the state to
// survive a process restart.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when the referenced id does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when creating an entity whose id already exists.
	ErrConflict = errors.New("store: conflict")

	// ErrUnavailable is returned when a durable backend cannot be reached.
	// Callers must treat it as a retryable transient.
	ErrUnavailable = errors.New("store: storage unavailable")
)

// ChatType is the chat modality a user asked for.
type ChatType string

const (
	ChatTypeText  ChatType = "text"
	ChatTypeVideo ChatType = "video"
	ChatTypeNone  ChatType = "none"
)

// ValidChatType reports whether t is a modality a user can request a match in.
func ValidChatType(t ChatType) bool {
	return t == ChatTypeText || t == ChatTypeVideo
}

// Gender is the user's self-declared gender, used only for match scoring.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
	GenderUnset  Gender = "unset"
)

// ValidGender reports whether g is an accepted gender value.
func ValidGender(g Gender) bool {
	switch g {
	case GenderMale, GenderFemale, GenderOther, GenderUnset:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a chat session. The only valid
// transition is connected -> ended.
type SessionStatus string

const (
	SessionConnected SessionStatus = "connected"
	SessionEnded     SessionStatus = "ended"
)

// OnlineUser is an anonymous connected user. Sessions reference users by id
// only; the live connection handle is owned by the connection registry.
type OnlineUser struct {
	ID           string
	Interests    []string // normalized lowercase tags
	Gender       Gender
	ChatType     ChatType
	IsWaiting    bool
	WaitingSince time.Time // zero unless IsWaiting
	LastSeen     time.Time
	JoinedAt     time.Time
}

// Clone returns a deep copy so callers can never mutate store-owned state.
func (u *OnlineUser) Clone() *OnlineUser {
	c := *u
	c.Interests = append([]string(nil), u.Interests...)
	return &c
}

// ChatSession pairs two users. Both participant ids are always present;
// sessions are created only at pairing time.
type ChatSession struct {
	ID        string
	User1ID   string
	User2ID   string
	Type      ChatType
	Interests []string // snapshot of the matcher caller's interests at creation
	Status    SessionStatus
	CreatedAt time.Time
	EndedAt   time.Time // zero unless Status == SessionEnded
}

// Partner returns the other participant's id, or "" if userID is not a
// participant.
func (s *ChatSession) Partner(userID string) string {
	if userID == s.User1ID {
		return s.User2ID
	}
	if userID == s.User2ID {
		return s.User1ID
	}
	return ""
}

// IsParticipant reports whether userID is one of the two participants.
func (s *ChatSession) IsParticipant(userID string) bool {
	return userID == s.User1ID || userID == s.User2ID
}

// Clone returns a deep copy of the session.
func (s *ChatSession) Clone() *ChatSession {
	c := *s
	c.Interests = append([]string(nil), s.Interests...)
	return &c
}

// Attachment is opaque metadata for a file referenced by a message. The
// server never fetches the URL.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Message is a persisted chat message. Either Content or Attachments is
// non-empty; Content is already sanitized by the relay before it gets here.
type Message struct {
	ID          string
	SessionID   string
	SenderID    string
	Content     string
	Attachments []Attachment
	HasEmoji    bool
	Timestamp   time.Time
}

// UserPatch is an atomic partial update of an OnlineUser. Nil fields are left
// untouched. Every update refreshes LastSeen. Setting IsWaiting keeps the
// waiting pool membership consistent: the store is the sole mutator of the
// waiting state.
type UserPatch struct {
	Interests *[]string
	Gender    *Gender
	ChatType  *ChatType
	IsWaiting *bool
}

// SessionPatch is an atomic partial update of a ChatSession.
type SessionPatch struct {
	Status  *SessionStatus
	EndedAt *time.Time
}

// Store is the storage interface shared by the in-memory and Redis backends.
// All operations are safe for concurrent callers and complete in bounded time.
type Store interface {
	// AddOnlineUser inserts a user; ErrConflict if the id is already present.
	AddOnlineUser(ctx context.Context, u *OnlineUser) error

	// RemoveOnlineUser removes a user and any waiting pool entry. Idempotent.
	RemoveOnlineUser(ctx context.Context, id string) error

	// UpdateOnlineUser applies patch atomically and refreshes LastSeen.
	// Returns the updated user or ErrNotFound.
	UpdateOnlineUser(ctx context.Context, id string, patch UserPatch) (*OnlineUser, error)

	// GetOnlineUser returns the user or ErrNotFound.
	GetOnlineUser(ctx context.Context, id string) (*OnlineUser, error)

	// GetAllOnlineUsers returns a snapshot of every online user.
	GetAllOnlineUsers(ctx context.Context) ([]*OnlineUser, error)

	// GetWaitingUsers returns every waiting user of the given chat type,
	// ordered by descending interest overlap with askerInterests, ties broken
	// by ascending enqueue time. The ordering is a hint; the matcher
	// re-scores. The caller is responsible for excluding itself.
	GetWaitingUsers(ctx context.Context, chatType ChatType, askerInterests []string) ([]*OnlineUser, error)

	// CreateChatSession inserts a session; ErrConflict on duplicate id.
	CreateChatSession(ctx context.Context, s *ChatSession) error

	// GetChatSession returns the session or ErrNotFound.
	GetChatSession(ctx context.Context, id string) (*ChatSession, error)

	// UpdateChatSession applies patch atomically; ErrNotFound if missing.
	UpdateChatSession(ctx context.Context, id string, patch SessionPatch) (*ChatSession, error)

	// DeleteChatSession removes a session and its message log. Idempotent.
	DeleteChatSession(ctx context.Context, id string) error

	// ListChatSessions returns a snapshot of all sessions (used by the GC
	// sweep and the stats endpoints).
	ListChatSessions(ctx context.Context) ([]*ChatSession, error)

	// CreateMessage appends a message to its session's log; ErrNotFound if
	// the session does not exist, ErrConflict on duplicate message id.
	CreateMessage(ctx context.Context, m *Message) error

	// GetMessagesBySession returns the session's messages in chronological
	// order.
	GetMessagesBySession(ctx context.Context, sessionID string) ([]*Message, error)
}

// InterestOverlap counts the tags shared between two normalized interest
// lists.
func InterestOverlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	n := 0
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			n++
		}
	}
	return n
}

// SharedInterests returns the sorted intersection of two interest lists.
func SharedInterests(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	shared := make([]string, 0, len(b))
	seen := make(map[string]struct{}, len(b))
	for _, tag := range b {
		if _, ok := set[tag]; !ok {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		shared = append(shared, tag)
	}
	sort.Strings(shared)
	return shared
}
