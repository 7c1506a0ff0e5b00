package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Interests are stored comma-joined inside hashes; the
// waiting pools are sorted sets scored by enqueue time so queue position
// falls out of ZRANGE order.
const (
	keyUserPrefix    = "user:"        // + <user_id> -> hash
	keyUserIndex     = "users"        // set of user ids
	keyPoolPrefix    = "pool:"        // + <chat_type> -> zset, score = enqueue ms
	keySessionPrefix = "chatsession:" // + <session_id> -> hash
	keySessionIndex  = "chatsessions" // set of session ids
	keyMsgPrefix     = "messages:"    // + <session_id> -> list of JSON messages
	keyMsgIDPrefix   = "msgid:"       // + <message_id> -> "1" (dedupe marker)

	// userTTL auto-expires user hashes that outlive their connection by a
	// wide margin (the sweeps normally remove them much earlier).
	userTTL = 1 * time.Hour

	// sessionTTL caps session retention in Redis. The controller's GC
	// deletes ended sessions after the recovery window; the TTL is the
	// backstop for sessions the process never got to sweep.
	sessionTTL = 2 * time.Hour
)

// RedisStore is the optional durable Store backend. It mirrors the Memory
// semantics; network failures surface as ErrUnavailable so callers treat them
// as retryable transients.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis connects to Redis at addr and verifies the connection.
func NewRedis(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Client exposes the underlying Redis client for sibling components that
// share the connection (the ban store).
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// AddOnlineUser implements Store.
func (s *RedisStore) AddOnlineUser(ctx context.Context, u *OnlineUser) error {
	key := keyUserPrefix + u.ID

	added, err := s.rdb.SAdd(ctx, keyUserIndex, u.ID).Result()
	if err != nil {
		return wrapRedis(err)
	}
	if added == 0 {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}

	c := u.Clone()
	now := time.Now()
	if c.LastSeen.IsZero() {
		c.LastSeen = now
	}
	if c.JoinedAt.IsZero() {
		c.JoinedAt = c.LastSeen
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, userFields(c))
	pipe.Expire(ctx, key, userTTL)
	if c.IsWaiting {
		pipe.ZAdd(ctx, keyPoolPrefix+string(c.ChatType), redis.Z{
			Score:  float64(c.WaitingSince.UnixMilli()),
			Member: c.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// RemoveOnlineUser implements Store.
func (s *RedisStore) RemoveOnlineUser(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, keyUserIndex, id)
	pipe.Del(ctx, keyUserPrefix+id)
	for _, t := range []ChatType{ChatTypeText, ChatTypeVideo} {
		pipe.ZRem(ctx, keyPoolPrefix+string(t), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// UpdateOnlineUser implements Store. Read-modify-write under a WATCH on the
// user key so concurrent patches do not interleave.
func (s *RedisStore) UpdateOnlineUser(ctx context.Context, id string, patch UserPatch) (*OnlineUser, error) {
	key := keyUserPrefix + id
	var updated *OnlineUser

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		u := userFromFields(id, fields)

		wasWaiting, oldType := u.IsWaiting, u.ChatType
		if patch.Interests != nil {
			u.Interests = append([]string(nil), (*patch.Interests)...)
		}
		if patch.Gender != nil {
			u.Gender = *patch.Gender
		}
		if patch.ChatType != nil {
			u.ChatType = *patch.ChatType
		}
		if patch.IsWaiting != nil {
			u.IsWaiting = *patch.IsWaiting
		}
		if u.IsWaiting && (!wasWaiting || u.ChatType != oldType) {
			u.WaitingSince = time.Now()
		}
		if !u.IsWaiting {
			u.WaitingSince = time.Time{}
		}
		u.LastSeen = time.Now()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userFields(u))
			pipe.Expire(ctx, key, userTTL)
			if wasWaiting && (!u.IsWaiting || u.ChatType != oldType) {
				pipe.ZRem(ctx, keyPoolPrefix+string(oldType), id)
			}
			if u.IsWaiting {
				pipe.ZAdd(ctx, keyPoolPrefix+string(u.ChatType), redis.Z{
					Score:  float64(u.WaitingSince.UnixMilli()),
					Member: id,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = u
		return nil
	}

	for i := 0; i < 3; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed under us, retry
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, wrapRedis(err)
	}
	return nil, fmt.Errorf("user %s: update contention: %w", id, ErrUnavailable)
}

// GetOnlineUser implements Store.
func (s *RedisStore) GetOnlineUser(ctx context.Context, id string) (*OnlineUser, error) {
	fields, err := s.rdb.HGetAll(ctx, keyUserPrefix+id).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return userFromFields(id, fields), nil
}

// GetAllOnlineUsers implements Store.
func (s *RedisStore) GetAllOnlineUsers(ctx context.Context) ([]*OnlineUser, error) {
	ids, err := s.rdb.SMembers(ctx, keyUserIndex).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	out := make([]*OnlineUser, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetOnlineUser(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired hash, index is lazily pruned by the sweep
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// GetWaitingUsers implements Store. ZRANGE yields enqueue order; the overlap
// sort on top matches the Memory backend's ordering contract.
func (s *RedisStore) GetWaitingUsers(ctx context.Context, chatType ChatType, askerInterests []string) ([]*OnlineUser, error) {
	ids, err := s.rdb.ZRange(ctx, keyPoolPrefix+string(chatType), 0, -1).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}

	out := make([]*OnlineUser, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetOnlineUser(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !u.IsWaiting || u.ChatType != chatType {
			continue // stale pool entry
		}
		out = append(out, u)
	}

	// Stable sort preserves the enqueue-time order within equal overlap.
	sortWaitingByOverlap(out, askerInterests)
	return out, nil
}

// CreateChatSession implements Store.
func (s *RedisStore) CreateChatSession(ctx context.Context, sess *ChatSession) error {
	added, err := s.rdb.SAdd(ctx, keySessionIndex, sess.ID).Result()
	if err != nil {
		return wrapRedis(err)
	}
	if added == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrConflict)
	}

	c := sess.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	key := keySessionPrefix + c.ID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, sessionFields(c))
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// GetChatSession implements Store.
func (s *RedisStore) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	fields, err := s.rdb.HGetAll(ctx, keySessionPrefix+id).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sessionFromFields(id, fields), nil
}

// UpdateChatSession implements Store.
func (s *RedisStore) UpdateChatSession(ctx context.Context, id string, patch SessionPatch) (*ChatSession, error) {
	key := keySessionPrefix + id

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	fields := map[string]interface{}{}
	if patch.Status != nil {
		fields["status"] = string(*patch.Status)
	}
	if patch.EndedAt != nil {
		fields["ended_at"] = patch.EndedAt.UnixMilli()
	}
	if len(fields) > 0 {
		if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
			return nil, wrapRedis(err)
		}
	}
	return s.GetChatSession(ctx, id)
}

// DeleteChatSession implements Store.
func (s *RedisStore) DeleteChatSession(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, keySessionIndex, id)
	pipe.Del(ctx, keySessionPrefix+id)
	pipe.Del(ctx, keyMsgPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// ListChatSessions implements Store.
func (s *RedisStore) ListChatSessions(ctx context.Context) ([]*ChatSession, error) {
	ids, err := s.rdb.SMembers(ctx, keySessionIndex).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	out := make([]*ChatSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetChatSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// CreateMessage implements Store. Messages are stored as JSON blobs in a
// per-session list; RPUSH keeps chronological order for messages created in
// timestamp order, which is how the relay produces them.
func (s *RedisStore) CreateMessage(ctx context.Context, m *Message) error {
	exists, err := s.rdb.Exists(ctx, keySessionPrefix+m.SessionID).Result()
	if err != nil {
		return wrapRedis(err)
	}
	if exists == 0 {
		return fmt.Errorf("session %s: %w", m.SessionID, ErrNotFound)
	}

	ok, err := s.rdb.SetNX(ctx, keyMsgIDPrefix+m.ID, "1", sessionTTL).Result()
	if err != nil {
		return wrapRedis(err)
	}
	if !ok {
		return fmt.Errorf("message %s: %w", m.ID, ErrConflict)
	}

	c := *m
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	blob, err := json.Marshal(redisMessage{
		ID:          c.ID,
		SenderID:    c.SenderID,
		Content:     c.Content,
		Attachments: c.Attachments,
		HasEmoji:    c.HasEmoji,
		Ts:          c.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, keyMsgPrefix+m.SessionID, blob)
	pipe.Expire(ctx, keyMsgPrefix+m.SessionID, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// GetMessagesBySession implements Store.
func (s *RedisStore) GetMessagesBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	blobs, err := s.rdb.LRange(ctx, keyMsgPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	out := make([]*Message, 0, len(blobs))
	for _, blob := range blobs {
		var rm redisMessage
		if err := json.Unmarshal([]byte(blob), &rm); err != nil {
			return nil, fmt.Errorf("store: corrupt message entry: %w", err)
		}
		out = append(out, &Message{
			ID:          rm.ID,
			SessionID:   sessionID,
			SenderID:    rm.SenderID,
			Content:     rm.Content,
			Attachments: rm.Attachments,
			HasEmoji:    rm.HasEmoji,
			Timestamp:   time.UnixMilli(rm.Ts),
		})
	}
	return out, nil
}

// redisMessage is the JSON shape stored in the per-session list.
type redisMessage struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"sender_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	HasEmoji    bool         `json:"has_emoji,omitempty"`
	Ts          int64        `json:"ts"`
}

func userFields(u *OnlineUser) map[string]interface{} {
	waitingSince := int64(0)
	if !u.WaitingSince.IsZero() {
		waitingSince = u.WaitingSince.UnixMilli()
	}
	return map[string]interface{}{
		"interests":     strings.Join(u.Interests, ","),
		"gender":        string(u.Gender),
		"chat_type":     string(u.ChatType),
		"is_waiting":    strconv.FormatBool(u.IsWaiting),
		"waiting_since": waitingSince,
		"last_seen":     u.LastSeen.UnixMilli(),
		"joined_at":     u.JoinedAt.UnixMilli(),
	}
}

func userFromFields(id string, fields map[string]string) *OnlineUser {
	u := &OnlineUser{
		ID:       id,
		Gender:   Gender(fields["gender"]),
		ChatType: ChatType(fields["chat_type"]),
	}
	if fields["interests"] != "" {
		u.Interests = strings.Split(fields["interests"], ",")
	}
	u.IsWaiting = fields["is_waiting"] == "true"
	if ms, err := strconv.ParseInt(fields["waiting_since"], 10, 64); err == nil && ms > 0 {
		u.WaitingSince = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		u.LastSeen = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["joined_at"], 10, 64); err == nil {
		u.JoinedAt = time.UnixMilli(ms)
	}
	return u
}

func sessionFields(s *ChatSession) map[string]interface{} {
	endedAt := int64(0)
	if !s.EndedAt.IsZero() {
		endedAt = s.EndedAt.UnixMilli()
	}
	return map[string]interface{}{
		"user1":      s.User1ID,
		"user2":      s.User2ID,
		"chat_type":  string(s.Type),
		"interests":  strings.Join(s.Interests, ","),
		"status":     string(s.Status),
		"created_at": s.CreatedAt.UnixMilli(),
		"ended_at":   endedAt,
	}
}

func sessionFromFields(id string, fields map[string]string) *ChatSession {
	s := &ChatSession{
		ID:      id,
		User1ID: fields["user1"],
		User2ID: fields["user2"],
		Type:    ChatType(fields["chat_type"]),
		Status:  SessionStatus(fields["status"]),
	}
	if fields["interests"] != "" {
		s.Interests = strings.Split(fields["interests"], ",")
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		s.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["ended_at"], 10, 64); err == nil && ms > 0 {
		s.EndedAt = time.UnixMilli(ms)
	}
	return s
}

// wrapRedis maps go-redis errors onto the store sentinel errors. A missing
// key keeps ErrNotFound semantics; anything else is a backend problem.
func wrapRedis(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// sortWaitingByOverlap orders waiting users by descending overlap with the
// asker's interests, preserving enqueue order within equal overlap.
func sortWaitingByOverlap(users []*OnlineUser, askerInterests []string) {
	overlaps := make(map[string]int, len(users))
	for _, u := range users {
		overlaps[u.ID] = InterestOverlap(askerInterests, u.Interests)
	}
	sort.SliceStable(users, func(i, j int) bool {
		return overlaps[users[i].ID] > overlaps[users[j].ID]
	})
}
