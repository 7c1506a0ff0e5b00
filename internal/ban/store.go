// Package ban manages temporary IP bans backed by Redis. Users are anonymous
// and their ids die with the connection, so the client IP is the only stable
// identifier worth banning. Records are plain key-value pairs with TTL expiry:
//
//	Key:   ban:ip:<ip>
//	Value: <reason>
//	TTL:   ban duration
//
// All checks fail open: if Redis is unreachable (or the store is nil because
// no Redis is configured) nobody is banned.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	banPrefix     = "ban:ip:"
	reportsPrefix = "reports:ip:"

	// Escalating ban durations by offense count within the report window.
	ban15Min  = 15 * time.Minute // 1st ban
	ban1Hour  = 1 * time.Hour    // 2nd ban
	ban24Hour = 24 * time.Hour   // 3rd+ ban

	// reportsTTL is how long the per-IP report counter lives. The window is
	// fixed from the first report, not sliding.
	reportsTTL = 24 * time.Hour

	// AutoBanThreshold is the number of abuse reports within reportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3
)

// Store manages ban records in Redis. A nil Store disables banning.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned reports whether ip is currently banned, with the remaining seconds
// and the recorded reason. Redis errors fail open.
func (s *Store) IsBanned(ctx context.Context, ip string) (bool, int, string) {
	if s == nil || s.client == nil {
		return false, 0, ""
	}

	key := banPrefix + ip
	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, ""
	}
	if err != nil {
		return false, 0, ""
	}

	remaining := 0
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason
}

// Ban bans ip for the given duration. The ban expires on its own.
func (s *Store) Ban(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Set(ctx, banPrefix+ip, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, ip string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Del(ctx, banPrefix+ip).Err()
}

// escalationDuration maps the offense count to a ban duration.
func escalationDuration(count int) time.Duration {
	switch {
	case count <= AutoBanThreshold:
		return ban15Min
	case count == AutoBanThreshold+1:
		return ban1Hour
	default:
		return ban24Hour
	}
}

// ReportAndCheck increments the report counter for ip and, once the counter
// reaches AutoBanThreshold within the window, applies a ban whose duration
// escalates with further reports. Returns whether a ban was applied and for
// how long.
func (s *Store) ReportAndCheck(ctx context.Context, ip string) (bool, time.Duration, error) {
	if s == nil || s.client == nil {
		return false, 0, nil
	}

	key := reportsPrefix + ip
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}
	// TTL only on the first report so the window does not slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, reportsTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, ip, duration, "multiple_reports"); err != nil {
		return false, 0, fmt.Errorf("ban: report ban: %w", err)
	}
	return true, duration, nil
}
