// Package session owns the chat session lifecycle: explicit ends, partner
// skips, disconnect grace handling, recovery of interrupted sessions, and
// garbage collection of ended state.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/driftchat/server/internal/admission"
	"github.com/driftchat/server/internal/match"
	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/registry"
	"github.com/driftchat/server/internal/store"
)

const (
	// disconnectGrace is how long a dropped participant may stay offline
	// before their sessions end and their identity is released. Recovery
	// within this window reattaches silently.
	disconnectGrace = 30 * time.Second

	// endedRetention is how long an ended session stays queryable before the
	// GC purges it and its message log.
	endedRetention = 120 * time.Second

	// staleUserAfter is how long a user may go without any read activity
	// before the inactivity sweep expires them. Heartbeats refresh LastSeen
	// roughly every 30 seconds, so a healthy client never gets close.
	staleUserAfter = 5 * time.Minute

	opTimeout = 5 * time.Second
)

// Recovery failure reasons carried in session_recovery_failed frames.
const (
	ReasonSessionNotFound = "session_not_found"
	ReasonSessionEnded    = "session_ended"
	ReasonNotParticipant  = "not_participant"
)

// Chat end reasons carried in chat_ended frames.
const (
	ReasonPartnerEnded        = "partner_ended"
	ReasonPartnerDisconnected = "partner_disconnected"
	ReasonInactivity          = "inactivity"
)

// Observer receives session lifecycle events for the stats surface.
type Observer interface {
	SessionEnded(sess *store.ChatSession, cause string)
}

// Controller coordinates session lifecycle across the store and the
// connection registry.
type Controller struct {
	store    store.Store
	reg      *registry.Registry
	matcher  *match.Matcher
	limiter  *admission.Limiter
	observer Observer

	mu    sync.Mutex
	grace map[string]*time.Timer // userID -> pending disconnect timer
}

// New creates a Controller. observer may be nil.
func New(st store.Store, reg *registry.Registry, matcher *match.Matcher, limiter *admission.Limiter, observer Observer) *Controller {
	return &Controller{
		store:    st,
		reg:      reg,
		matcher:  matcher,
		limiter:  limiter,
		observer: observer,
		grace:    make(map[string]*time.Timer),
	}
}

// EndChat ends the named session on the user's request. Both participants
// get chat_ended; the partner's frame names the reason. Ending an already
// ended session yields session_already_ended.
func (c *Controller) EndChat(ctx context.Context, userID string, msg protocol.EndChatMsg) {
	sess, code := c.endSession(ctx, userID, msg.SessionID, ReasonPartnerEnded)
	if code != "" {
		c.sendError(userID, code)
		return
	}
	c.send(userID, protocol.TypeChatEnded, protocol.ChatEndedMsg{SessionID: sess.ID})
}

// NextStranger ends the current session and immediately re-enters matching
// with the supplied preferences. The initiator gets no chat_ended frame;
// their next frame is waiting_for_match or match_found.
func (c *Controller) NextStranger(ctx context.Context, userID string, msg protocol.NextStrangerMsg) {
	if msg.SessionID != "" {
		if _, code := c.endSession(ctx, userID, msg.SessionID, ReasonPartnerEnded); code != "" && code != protocol.CodeSessionAlreadyEnded {
			c.sendError(userID, code)
			return
		}
	}

	c.matcher.RequestMatch(ctx, userID, protocol.FindMatchMsg{
		ChatType:  msg.ChatType,
		Interests: msg.Interests,
		Gender:    msg.Gender,
	})
}

// endSession transitions a session to ended and notifies the partner. The
// initiator is NOT notified; callers decide what the initiator sees. Returns
// the protocol error code on failure.
func (c *Controller) endSession(ctx context.Context, userID, sessionID, partnerReason string) (*store.ChatSession, string) {
	sess, err := c.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, protocol.CodeNoSession
	}
	if !sess.IsParticipant(userID) {
		return nil, protocol.CodeNotParticipant
	}
	if sess.Status != store.SessionConnected {
		return nil, protocol.CodeSessionAlreadyEnded
	}

	ended := store.SessionEnded
	now := time.Now()
	updated, err := c.store.UpdateChatSession(ctx, sessionID, store.SessionPatch{Status: &ended, EndedAt: &now})
	if err != nil {
		log.Printf("session: end %s: %v", sessionID, err)
		return nil, protocol.CodeInternalRetry
	}

	// The initiator's modality resets: they are neither waiting nor in a
	// chat until their next find_match picks one.
	notWaiting := false
	noType := store.ChatTypeNone
	if _, err := c.store.UpdateOnlineUser(ctx, userID, store.UserPatch{IsWaiting: &notWaiting, ChatType: &noType}); err != nil {
		log.Printf("session: reset modality %s: %v", userID, err)
	}

	partnerID := sess.Partner(userID)
	c.send(partnerID, protocol.TypeChatEnded, protocol.ChatEndedMsg{
		SessionID: sessionID,
		Reason:    partnerReason,
	})

	log.Printf("session: ended session=%s by=%s", sessionID, userID)
	if c.observer != nil {
		c.observer.SessionEnded(updated, "user")
	}
	return updated, ""
}

// Recover handles a get_session_recovery probe from conn. When the caller's
// connection is already bound to a participant, recovery is a simple
// reattach. When the connection is fresh (unbound), it may adopt the
// identity of the one participant who currently has no live connection.
// Recovery never resurrects an ended session.
func (c *Controller) Recover(ctx context.Context, conn *registry.Conn, msg protocol.SessionRecoveryMsg) {
	fail := func(reason string) {
		data, err := protocol.NewServerMessage(protocol.TypeSessionRecoveryFailed, protocol.SessionRecoveryFailedMsg{Reason: reason})
		if err == nil {
			conn.Enqueue(data)
		}
	}

	sess, err := c.store.GetChatSession(ctx, msg.SessionID)
	if err != nil {
		fail(ReasonSessionNotFound)
		return
	}
	if sess.Status != store.SessionConnected {
		fail(ReasonSessionEnded)
		return
	}

	userID := conn.UserID()
	if userID == "" {
		userID = c.orphanedParticipant(sess)
		if userID == "" {
			fail(ReasonNotParticipant)
			return
		}
	} else if !sess.IsParticipant(userID) {
		fail(ReasonNotParticipant)
		return
	}

	c.cancelGrace(userID)
	c.reg.Bind(conn.ID, userID)

	partnerID := sess.Partner(userID)
	data, err := protocol.NewServerMessage(protocol.TypeSessionRecovered, protocol.SessionRecoveredMsg{
		SessionID: sess.ID,
		PartnerID: partnerID,
		ChatType:  string(sess.Type),
	})
	if err == nil {
		conn.Enqueue(data)
	}
	c.send(partnerID, protocol.TypePartnerReconnected, protocol.PartnerReconnectedMsg{PartnerID: userID})

	log.Printf("session: recovered session=%s user=%s conn=%s", sess.ID, userID, conn.ID)
}

// orphanedParticipant returns the one participant of sess without a live
// connection, or "" when zero or both are offline (an unbound caller cannot
// disambiguate two dead seats).
func (c *Controller) orphanedParticipant(sess *store.ChatSession) string {
	u1Live := c.reg.UserConn(sess.User1ID) != nil
	u2Live := c.reg.UserConn(sess.User2ID) != nil
	switch {
	case !u1Live && u2Live:
		return sess.User1ID
	case u1Live && !u2Live:
		return sess.User2ID
	default:
		return ""
	}
}

// OnConnectionClose is invoked by the WebSocket layer whenever a connection
// with a bound user goes away. The user's state survives for the grace
// window so a quick reconnect can recover; only after the window expires do
// their sessions end and their identity disappear.
func (c *Controller) OnConnectionClose(userID string) {
	if userID == "" {
		return
	}

	// The grace window preserves sessions, not pool membership: a waiting
	// user leaves the pool immediately so the matcher cannot pair someone
	// with a dead connection.
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	c.matcher.CancelWait(ctx, userID)
	cancel()

	c.mu.Lock()
	if t, ok := c.grace[userID]; ok {
		t.Stop()
	}
	c.grace[userID] = time.AfterFunc(disconnectGrace, func() {
		c.expireUser(userID, ReasonPartnerDisconnected)
	})
	c.mu.Unlock()

	log.Printf("session: disconnect grace started user=%s window=%s", userID, disconnectGrace)
}

// CancelGrace aborts a pending disconnect timer, typically because the user
// rebound a fresh connection.
func (c *Controller) CancelGrace(userID string) {
	c.cancelGrace(userID)
}

func (c *Controller) cancelGrace(userID string) {
	c.mu.Lock()
	if t, ok := c.grace[userID]; ok {
		t.Stop()
		delete(c.grace, userID)
	}
	c.mu.Unlock()
}

// expireUser ends the user's live sessions with the given partner-facing
// reason, notifies partners, and releases all per-user state. It runs when
// the grace window lapses without a reconnect, or from the inactivity sweep.
func (c *Controller) expireUser(userID, reason string) {
	c.mu.Lock()
	delete(c.grace, userID)
	c.mu.Unlock()

	// A reconnect may have landed between timer fire and now.
	if c.reg.UserConn(userID) != nil {
		return
	}

	cause := "disconnect"
	if reason == ReasonInactivity {
		cause = "inactivity"
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	sessions, err := c.store.ListChatSessions(ctx)
	if err != nil {
		log.Printf("session: expire user %s: list sessions: %v", userID, err)
	} else {
		for _, sess := range sessions {
			if sess.Status != store.SessionConnected || !sess.IsParticipant(userID) {
				continue
			}
			ended := store.SessionEnded
			now := time.Now()
			updated, err := c.store.UpdateChatSession(ctx, sess.ID, store.SessionPatch{Status: &ended, EndedAt: &now})
			if err != nil {
				log.Printf("session: expire user %s: end session %s: %v", userID, sess.ID, err)
				continue
			}
			c.send(sess.Partner(userID), protocol.TypeChatEnded, protocol.ChatEndedMsg{
				SessionID: sess.ID,
				Reason:    reason,
			})
			if c.observer != nil {
				c.observer.SessionEnded(updated, cause)
			}
		}
	}

	if err := c.store.RemoveOnlineUser(ctx, userID); err != nil {
		log.Printf("session: expire user %s: remove: %v", userID, err)
	}
	c.limiter.Forget(userID)
	log.Printf("session: user expired user=%s", userID)
}

// StartGC starts the background sweep that purges ended sessions past the
// retention window and expires online users gone quiet past the inactivity
// deadline. The returned function stops the sweep.
func (c *Controller) StartGC(interval time.Duration) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.sweepEnded()
				c.sweepStaleUsers()
			}
		}
	}()

	return func() { close(done) }
}

// sweepStaleUsers expires users whose last activity is past staleUserAfter
// and who have no live connection. Users inside a disconnect grace window are
// left to their timer.
func (c *Controller) sweepStaleUsers() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	users, err := c.store.GetAllOnlineUsers(ctx)
	if err != nil {
		log.Printf("session: inactivity sweep list: %v", err)
		return
	}

	now := time.Now()
	for _, u := range users {
		if now.Sub(u.LastSeen) < staleUserAfter {
			continue
		}
		if c.reg.UserConn(u.ID) != nil {
			continue
		}
		c.mu.Lock()
		_, pending := c.grace[u.ID]
		c.mu.Unlock()
		if pending {
			continue
		}
		log.Printf("session: expiring inactive user=%s lastSeen=%s", u.ID, u.LastSeen.Format(time.RFC3339))
		c.expireUser(u.ID, ReasonInactivity)
	}
}

func (c *Controller) sweepEnded() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	sessions, err := c.store.ListChatSessions(ctx)
	if err != nil {
		log.Printf("session: gc list: %v", err)
		return
	}

	now := time.Now()
	purged := 0
	for _, sess := range sessions {
		if sess.Status != store.SessionEnded || sess.EndedAt.IsZero() {
			continue
		}
		if now.Sub(sess.EndedAt) < endedRetention {
			continue
		}
		if err := c.store.DeleteChatSession(ctx, sess.ID); err != nil {
			log.Printf("session: gc delete %s: %v", sess.ID, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		log.Printf("session: gc purged %d ended sessions", purged)
	}
}

func (c *Controller) send(userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("session: build %s frame: %v", msgType, err)
		return
	}
	c.reg.Send(userID, data)
}

func (c *Controller) sendError(userID, code string) {
	var text string
	switch code {
	case protocol.CodeNoSession:
		text = "session not found"
	case protocol.CodeNotParticipant:
		text = "not a participant of this session"
	case protocol.CodeSessionAlreadyEnded:
		text = "session has ended"
	default:
		text = "please retry"
	}
	c.send(userID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: text})
}
