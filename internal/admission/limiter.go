// Package admission provides in-process sliding-window rate limiting for
// per-user actions (messages, match requests). Each action is throttled by a
// Rule naming the action, the maximum count, and the window duration.
package admission

import (
	"sync"
	"time"
)

// Rule defines a rate limiting policy.
type Rule struct {
	Name   string        // action name (e.g., "message", "match")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard throttles for chat traffic.
var (
	// RuleMessage allows 10 chat messages per 10 seconds per user.
	RuleMessage = Rule{Name: "message", Limit: 10, Window: 10 * time.Second}

	// RuleMatch allows 10 match requests per minute per user.
	RuleMatch = Rule{Name: "match", Limit: 10, Window: 1 * time.Minute}
)

// Limiter tracks event timestamps per (rule, identifier) pair and answers
// whether the next event fits in the rule's window. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	now     func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an event for identifier under rule and reports whether it is
// within the limit. When the limit is exceeded the event is not recorded and
// the second return value is how long the caller should wait before retrying.
func (l *Limiter) Allow(identifier string, rule Rule) (bool, time.Duration) {
	key := rule.Name + ":" + identifier
	now := l.now()
	cutoff := now.Add(-rule.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.buckets[key]

	// Drop timestamps that have slid out of the window.
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rule.Limit {
		l.buckets[key] = kept
		retryAfter := kept[0].Add(rule.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	l.buckets[key] = append(kept, now)
	return true, 0
}

// Forget drops all buckets for identifier, freeing memory when a user
// disconnects for good.
func (l *Limiter) Forget(identifier string) {
	l.mu.Lock()
	delete(l.buckets, RuleMessage.Name+":"+identifier)
	delete(l.buckets, RuleMatch.Name+":"+identifier)
	l.mu.Unlock()
}
