// Package match pairs waiting users into chat sessions. Pairing is scored:
// interest affinity and gender complement dominate, waiting time adds a
// growing bonus, and a small jitter keeps equal candidates rotating. All
// pairing decisions run under a single mutex so no user can be claimed by
// two matches at once.
package match

import (
	"context"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/server/internal/admission"
	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/store"
)

// Interest normalization limits. Extra tags and oversized tags are dropped,
// not rejected, so a sloppy client still gets matched.
const (
	maxInterestTags   = 32
	maxInterestLength = 32
)

// Sender delivers an encoded frame to the connection bound to a user ID.
// Returns false when the user is offline.
type Sender interface {
	Send(userID string, data []byte) bool
}

// Observer receives match lifecycle events for the stats surface. All
// methods must be non-blocking.
type Observer interface {
	MatchMade(sess *store.ChatSession, quality string, waited time.Duration)
	WaitStarted(chatType store.ChatType)
}

// Matcher owns the waiting pools and produces chat sessions.
type Matcher struct {
	store    store.Store
	sender   Sender
	limiter  *admission.Limiter
	observer Observer

	// pairMu serializes the enumerate-score-claim sequence so a waiting
	// user is matched at most once.
	pairMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Matcher. observer may be nil.
func New(st store.Store, sender Sender, limiter *admission.Limiter, observer Observer) *Matcher {
	return &Matcher{
		store:    st,
		sender:   sender,
		limiter:  limiter,
		observer: observer,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NormalizeInterests lowercases, trims, and dedupes interest tags, dropping
// empty or oversized tags and capping the set size.
func NormalizeInterests(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || len([]rune(t)) > maxInterestLength {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxInterestTags {
			break
		}
	}
	return out
}

// RequestMatch handles a find_match request: it validates and applies the
// requested parameters, then either pairs the user with the best waiting
// candidate or parks them in the waiting pool.
func (m *Matcher) RequestMatch(ctx context.Context, userID string, req protocol.FindMatchMsg) {
	if ok, retryAfter := m.limiter.Allow(userID, admission.RuleMatch); !ok {
		m.send(userID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(math.Ceil(retryAfter.Seconds())),
		})
		return
	}

	chatType := store.ChatType(req.ChatType)
	if !store.ValidChatType(chatType) {
		m.sendError(userID, protocol.CodeInvalidChatType, "chatType must be \"text\" or \"video\"")
		return
	}

	gender := store.Gender(req.Gender)
	if gender == "" {
		gender = store.GenderUnset
	}
	if !store.ValidGender(gender) {
		m.sendError(userID, protocol.CodeInvalidGender, "unrecognized gender value")
		return
	}

	interests := NormalizeInterests(req.Interests)

	waiting := false
	patch := store.UserPatch{
		Interests: &interests,
		Gender:    &gender,
		ChatType:  &chatType,
		IsWaiting: &waiting,
	}
	me, err := m.store.UpdateOnlineUser(ctx, userID, patch)
	if err != nil {
		log.Printf("match: update user %s: %v", userID, err)
		m.sendError(userID, protocol.CodeInternalRetry, "please retry")
		return
	}

	sess, partner, q, waited := m.pair(ctx, me)
	if sess != nil {
		m.announceMatch(sess, me, partner, q)
		if m.observer != nil {
			m.observer.MatchMade(sess, q, waited)
		}
		return
	}

	// No candidate: enter the pool and report the position.
	m.enterPool(ctx, userID, chatType)
}

// pair runs the critical section: enumerate the pool, score every candidate,
// and claim the best one. Returns the created session, the claimed partner,
// the match quality label, and how long the partner had been waiting.
// Returns a nil session when the pool has no eligible candidate.
func (m *Matcher) pair(ctx context.Context, me *store.OnlineUser) (*store.ChatSession, *store.OnlineUser, string, time.Duration) {
	m.pairMu.Lock()
	defer m.pairMu.Unlock()

	candidates, err := m.store.GetWaitingUsers(ctx, me.ChatType, me.Interests)
	if err != nil {
		log.Printf("match: list waiting pool: %v", err)
		return nil, nil, "", 0
	}

	now := time.Now()
	var best *store.OnlineUser
	bestScore := -1.0
	for _, cand := range candidates {
		if cand.ID == me.ID {
			continue
		}
		s := interestScore(me.Interests, cand.Interests) +
			genderScore(me.Gender, cand.Gender) +
			waitBonus(cand.WaitingSince, now) +
			m.jitter()
		if s > bestScore {
			best = cand
			bestScore = s
		}
	}
	if best == nil {
		return nil, nil, "", 0
	}

	// Claim both sides before releasing the pairing lock.
	notWaiting := false
	if _, err := m.store.UpdateOnlineUser(ctx, best.ID, store.UserPatch{IsWaiting: &notWaiting}); err != nil {
		log.Printf("match: claim candidate %s: %v", best.ID, err)
		return nil, nil, "", 0
	}

	// The session snapshots the caller's interests; the intersection is
	// computed per frame.
	sess := &store.ChatSession{
		ID:        uuid.New().String(),
		User1ID:   me.ID,
		User2ID:   best.ID,
		Type:      me.ChatType,
		Interests: me.Interests,
		Status:    store.SessionConnected,
		CreatedAt: now,
	}
	if err := m.store.CreateChatSession(ctx, sess); err != nil {
		log.Printf("match: create session: %v", err)
		// Put the candidate back so they are not stranded.
		rewait := true
		if _, rerr := m.store.UpdateOnlineUser(ctx, best.ID, store.UserPatch{IsWaiting: &rewait}); rerr != nil {
			log.Printf("match: requeue candidate %s: %v", best.ID, rerr)
		}
		return nil, nil, "", 0
	}

	waited := time.Duration(0)
	if !best.WaitingSince.IsZero() {
		waited = now.Sub(best.WaitingSince)
	}
	q := quality(bestScore, isCrossBinary(me.Gender, best.Gender))
	log.Printf("match: paired %s with %s session=%s quality=%s score=%.1f shared=%v",
		me.ID, best.ID, sess.ID, q, bestScore, store.SharedInterests(me.Interests, best.Interests))

	return sess, best, q, waited
}

// announceMatch sends match_found to both participants. Frames go out after
// the pairing lock is released; an offline side simply misses the frame and
// recovers via get_session_recovery.
func (m *Matcher) announceMatch(sess *store.ChatSession, a, b *store.OnlineUser, quality string) {
	shared := store.SharedInterests(a.Interests, b.Interests)
	m.send(a.ID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		SessionID:       sess.ID,
		PartnerID:       b.ID,
		ChatType:        string(sess.Type),
		SharedInterests: shared,
		MatchQuality:    quality,
	})
	m.send(b.ID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		SessionID:       sess.ID,
		PartnerID:       a.ID,
		ChatType:        string(sess.Type),
		SharedInterests: shared,
		MatchQuality:    quality,
	})
}

// enterPool marks the user waiting and sends the initial waiting_for_match
// frame with their queue position.
func (m *Matcher) enterPool(ctx context.Context, userID string, chatType store.ChatType) {
	waiting := true
	if _, err := m.store.UpdateOnlineUser(ctx, userID, store.UserPatch{IsWaiting: &waiting}); err != nil {
		log.Printf("match: enter pool %s: %v", userID, err)
		m.sendError(userID, protocol.CodeInternalRetry, "please retry")
		return
	}
	if m.observer != nil {
		m.observer.WaitStarted(chatType)
	}

	pos, total := m.poolPosition(ctx, userID, chatType)
	m.send(userID, protocol.TypeWaitingForMatch, protocol.WaitingForMatchMsg{
		QueuePosition:     pos,
		EstimatedWaitTime: estimatedWait(total),
		ChatType:          string(chatType),
	})
}

// CancelWait removes the user from the waiting pool, if present.
func (m *Matcher) CancelWait(ctx context.Context, userID string) {
	notWaiting := false
	if _, err := m.store.UpdateOnlineUser(ctx, userID, store.UserPatch{IsWaiting: &notWaiting}); err != nil {
		log.Printf("match: cancel wait %s: %v", userID, err)
	}
}

// QueueStatus answers a get_queue_status request with the caller's current
// pool standing.
func (m *Matcher) QueueStatus(ctx context.Context, userID string) {
	u, err := m.store.GetOnlineUser(ctx, userID)
	if err != nil {
		m.sendError(userID, protocol.CodeNotJoined, "join before requesting queue status")
		return
	}

	chatType := u.ChatType
	if !store.ValidChatType(chatType) {
		chatType = store.ChatTypeText
	}
	pos, total := m.poolPosition(ctx, userID, chatType)
	m.send(userID, protocol.TypeQueueStatus, protocol.QueueStatusMsg{
		Position:          pos,
		TotalWaiting:      total,
		EstimatedWaitTime: estimatedWait(total),
		ChatType:          string(chatType),
	})
}

// StartQueueTicker starts a background loop that pushes queue_status to
// every waiting user at the given interval. A single shared ticker serves
// all pools. The returned function stops the loop.
func (m *Matcher) StartQueueTicker(interval time.Duration) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.broadcastQueueStatus()
			}
		}
	}()

	return func() { close(done) }
}

func (m *Matcher) broadcastQueueStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, chatType := range []store.ChatType{store.ChatTypeText, store.ChatTypeVideo} {
		pool, err := m.store.GetWaitingUsers(ctx, chatType, nil)
		if err != nil {
			log.Printf("match: queue ticker list pool: %v", err)
			continue
		}
		total := len(pool)
		for _, u := range pool {
			pos := poolRank(pool, u.ID)
			m.send(u.ID, protocol.TypeQueueStatus, protocol.QueueStatusMsg{
				Position:          pos,
				TotalWaiting:      total,
				EstimatedWaitTime: estimatedWait(total),
				ChatType:          string(chatType),
			})
		}
	}
}

// poolPosition returns the user's 1-based rank (by enqueue time) and the
// total pool size. Position 0 means the user is not in the pool.
func (m *Matcher) poolPosition(ctx context.Context, userID string, chatType store.ChatType) (int, int) {
	pool, err := m.store.GetWaitingUsers(ctx, chatType, nil)
	if err != nil {
		log.Printf("match: pool position: %v", err)
		return 0, 0
	}
	return poolRank(pool, userID), len(pool)
}

// poolRank computes a 1-based position ordered by WaitingSince.
func poolRank(pool []*store.OnlineUser, userID string) int {
	var me *store.OnlineUser
	for _, u := range pool {
		if u.ID == userID {
			me = u
			break
		}
	}
	if me == nil {
		return 0
	}
	rank := 1
	for _, u := range pool {
		if u.ID == userID {
			continue
		}
		if u.WaitingSince.Before(me.WaitingSince) {
			rank++
		}
	}
	return rank
}

func (m *Matcher) jitter() float64 {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Float64() * maxJitter
}

func (m *Matcher) send(userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("match: build %s frame: %v", msgType, err)
		return
	}
	m.sender.Send(userID, data)
}

func (m *Matcher) sendError(userID, code, message string) {
	m.send(userID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
