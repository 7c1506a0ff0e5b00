// Package stats aggregates in-memory usage counters for the HTTP stats
// surface: daily chat counts, wait-time averages, popular interests, and
// hourly activity. Daily figures roll over at local midnight. The collector
// also feeds the Prometheus metrics.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/driftchat/server/internal/metrics"
	"github.com/driftchat/server/internal/store"
)

// ewmaAlpha is the smoothing factor for the average-wait estimate. Higher
// values weight recent matches more.
const ewmaAlpha = 0.2

// InterestCount is one entry of the popular-interest ranking.
type InterestCount struct {
	Interest string `json:"interest"`
	Count    int    `json:"count"`
}

// Snapshot is the aggregate view served by /api/stats.
type Snapshot struct {
	ChatsToday       int             `json:"chatsToday"`
	TotalMatches     int64           `json:"totalMatches"`
	TotalMessages    int64           `json:"totalMessages"`
	AvgWaitSeconds   float64         `json:"avgWaitSeconds"`
	PopularInterests []InterestCount `json:"popularInterests"`
	DistinctIPsToday int             `json:"distinctIPsToday"`
}

// Collector accumulates usage counters. All methods are safe for concurrent
// use and non-blocking, so the matcher and relay can call them inline.
type Collector struct {
	mu sync.Mutex

	day           string // "2006-01-02" of the current daily window
	chatsToday    int
	ipsToday      map[string]struct{}
	hourlyMsgs    [24]int64
	totalMatches  int64
	totalMessages int64
	waitEWMA      float64 // seconds
	interests     map[string]int

	now func() time.Time
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	now := time.Now
	return &Collector{
		day:       now().Format("2006-01-02"),
		ipsToday:  make(map[string]struct{}),
		interests: make(map[string]int),
		now:       now,
	}
}

// rollover resets daily counters when the local date changes. Callers hold mu.
func (c *Collector) rollover() {
	today := c.now().Format("2006-01-02")
	if today == c.day {
		return
	}
	c.day = today
	c.chatsToday = 0
	c.ipsToday = make(map[string]struct{})
	c.hourlyMsgs = [24]int64{}
}

// RecordJoin notes a new user joining from ip with the given interests.
func (c *Collector) RecordJoin(ip string, interests []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	if ip != "" {
		c.ipsToday[ip] = struct{}{}
	}
	for _, tag := range interests {
		c.interests[tag]++
	}
}

// WaitStarted implements the matcher observer; today it only feeds the
// waiting-pool gauge refresh, which reads the store directly.
func (c *Collector) WaitStarted(chatType store.ChatType) {}

// MatchMade implements the matcher observer.
func (c *Collector) MatchMade(sess *store.ChatSession, quality string, waited time.Duration) {
	metrics.MatchesTotal.WithLabelValues(quality).Inc()
	metrics.MatchWaitSeconds.Observe(waited.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	c.totalMatches++
	c.chatsToday++
	for _, tag := range sess.Interests {
		c.interests[tag]++
	}
	if waited > 0 {
		sec := waited.Seconds()
		if c.waitEWMA == 0 {
			c.waitEWMA = sec
		} else {
			c.waitEWMA = ewmaAlpha*sec + (1-ewmaAlpha)*c.waitEWMA
		}
	}
}

// MessageRelayed implements the relay observer.
func (c *Collector) MessageRelayed(sess *store.ChatSession, delivered bool) {
	outcome := "sent"
	if delivered {
		outcome = "delivered"
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	c.totalMessages++
	c.hourlyMsgs[c.now().Hour()]++
}

// MessageBlocked notes a message rejected by moderation.
func (c *Collector) MessageBlocked() {
	metrics.MessagesTotal.WithLabelValues("blocked").Inc()
}

// SessionEnded implements the session observer.
func (c *Collector) SessionEnded(sess *store.ChatSession, cause string) {
	metrics.SessionsEndedTotal.WithLabelValues(cause).Inc()
}

// Stats returns the current aggregate snapshot with the top interests.
func (c *Collector) Stats(topN int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	return Snapshot{
		ChatsToday:       c.chatsToday,
		TotalMatches:     c.totalMatches,
		TotalMessages:    c.totalMessages,
		AvgWaitSeconds:   c.waitEWMA,
		PopularInterests: c.topInterestsLocked(topN),
		DistinctIPsToday: len(c.ipsToday),
	}
}

// Suggestions returns the most popular interest tags, most counted first.
func (c *Collector) Suggestions(limit int) []string {
	c.mu.Lock()
	ranked := c.topInterestsLocked(limit)
	c.mu.Unlock()

	out := make([]string, len(ranked))
	for i, ic := range ranked {
		out[i] = ic.Interest
	}
	return out
}

// HourlyActivity returns today's message counts bucketed by hour of day.
func (c *Collector) HourlyActivity() [24]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.hourlyMsgs
}

// topInterestsLocked ranks interests by count, tie-broken alphabetically so
// the order is stable. Callers hold mu.
func (c *Collector) topInterestsLocked(n int) []InterestCount {
	ranked := make([]InterestCount, 0, len(c.interests))
	for tag, count := range c.interests {
		ranked = append(ranked, InterestCount{Interest: tag, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Interest < ranked[j].Interest
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// StartGauges starts a loop refreshing the Prometheus gauges from live
// counts. The live function returns current connections, connected sessions,
// and waiting pool sizes. The returned function stops the loop.
func (c *Collector) StartGauges(interval time.Duration, live func() (conns, sessions, waitingText, waitingVideo int)) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conns, sessions, wt, wv := live()
				metrics.ConnectionsTotal.Set(float64(conns))
				metrics.ActiveSessions.Set(float64(sessions))
				metrics.WaitingUsers.WithLabelValues(string(store.ChatTypeText)).Set(float64(wt))
				metrics.WaitingUsers.WithLabelValues(string(store.ChatTypeVideo)).Set(float64(wv))
			}
		}
	}()

	return func() { close(done) }
}
