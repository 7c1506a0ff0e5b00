package stats

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/driftchat/server/internal/store"
)

func newTestCollector(at time.Time) *Collector {
	c := NewCollector()
	c.now = func() time.Time { return at }
	c.day = at.Format("2006-01-02")
	return c
}

func sessionWith(interests ...string) *store.ChatSession {
	return &store.ChatSession{
		ID: "s1", User1ID: "u1", User2ID: "u2",
		Type: store.ChatTypeText, Status: store.SessionConnected,
		Interests: interests,
	}
}

func TestRecordJoinCountsDistinctIPs(t *testing.T) {
	c := newTestCollector(time.Now())
	c.RecordJoin("10.0.0.1", []string{"music"})
	c.RecordJoin("10.0.0.1", nil)
	c.RecordJoin("10.0.0.2", nil)
	c.RecordJoin("", nil) // unknown origin is not counted

	if got := c.Stats(0).DistinctIPsToday; got != 2 {
		t.Errorf("DistinctIPsToday = %d, want 2", got)
	}
}

func TestMatchMadeAccumulates(t *testing.T) {
	c := newTestCollector(time.Now())
	c.MatchMade(sessionWith("music", "art"), "high", 4*time.Second)
	c.MatchMade(sessionWith("music"), "random", 0)

	snap := c.Stats(10)
	if snap.TotalMatches != 2 || snap.ChatsToday != 2 {
		t.Errorf("matches = %d chatsToday = %d, want 2/2", snap.TotalMatches, snap.ChatsToday)
	}
	want := []InterestCount{{Interest: "music", Count: 2}, {Interest: "art", Count: 1}}
	if !reflect.DeepEqual(snap.PopularInterests, want) {
		t.Errorf("PopularInterests = %v, want %v", snap.PopularInterests, want)
	}
}

func TestWaitEWMA(t *testing.T) {
	c := newTestCollector(time.Now())

	c.MatchMade(sessionWith(), "random", 10*time.Second)
	if got := c.Stats(0).AvgWaitSeconds; got != 10 {
		t.Fatalf("first sample seeds the average: got %v, want 10", got)
	}

	c.MatchMade(sessionWith(), "random", 20*time.Second)
	want := ewmaAlpha*20 + (1-ewmaAlpha)*10
	if got := c.Stats(0).AvgWaitSeconds; math.Abs(got-want) > 1e-9 {
		t.Errorf("AvgWaitSeconds = %v, want %v", got, want)
	}

	// Instant matches carry no wait signal and leave the estimate alone.
	c.MatchMade(sessionWith(), "high", 0)
	if got := c.Stats(0).AvgWaitSeconds; math.Abs(got-want) > 1e-9 {
		t.Errorf("zero wait moved the average to %v", got)
	}
}

func TestMessageRelayedBucketsbyHour(t *testing.T) {
	at := time.Date(2026, 8, 26, 14, 30, 0, 0, time.Local)
	c := newTestCollector(at)

	c.MessageRelayed(sessionWith(), true)
	c.MessageRelayed(sessionWith(), false)
	c.now = func() time.Time { return at.Add(time.Hour) }
	c.MessageRelayed(sessionWith(), true)

	hourly := c.HourlyActivity()
	if hourly[14] != 2 || hourly[15] != 1 {
		t.Errorf("hourly[14]=%d hourly[15]=%d, want 2 and 1", hourly[14], hourly[15])
	}
	if got := c.Stats(0).TotalMessages; got != 3 {
		t.Errorf("TotalMessages = %d, want 3", got)
	}
}

func TestDailyRollover(t *testing.T) {
	day1 := time.Date(2026, 8, 25, 23, 0, 0, 0, time.Local)
	c := newTestCollector(day1)

	c.RecordJoin("10.0.0.1", []string{"music"})
	c.MatchMade(sessionWith(), "random", 5*time.Second)
	c.MessageRelayed(sessionWith(), true)

	c.now = func() time.Time { return day1.Add(2 * time.Hour) } // past midnight

	snap := c.Stats(10)
	if snap.ChatsToday != 0 || snap.DistinctIPsToday != 0 {
		t.Errorf("daily counters survive rollover: chats=%d ips=%d", snap.ChatsToday, snap.DistinctIPsToday)
	}
	if hourly := c.HourlyActivity(); hourly[23] != 0 {
		t.Errorf("hourly buckets survive rollover: %v", hourly)
	}
	// Lifetime counters and the interest ranking do not reset.
	if snap.TotalMatches != 1 || snap.TotalMessages != 1 {
		t.Errorf("lifetime counters reset: matches=%d messages=%d", snap.TotalMatches, snap.TotalMessages)
	}
	if len(snap.PopularInterests) == 0 {
		t.Error("interest ranking reset at rollover")
	}
}

func TestTopInterestsRankingAndLimit(t *testing.T) {
	c := newTestCollector(time.Now())
	c.RecordJoin("10.0.0.1", []string{"art", "music", "music", "books", "art", "music"})
	c.RecordJoin("10.0.0.2", []string{"books"})

	want := []InterestCount{
		{Interest: "music", Count: 3},
		{Interest: "art", Count: 2},
		{Interest: "books", Count: 2},
	}
	if got := c.Stats(10).PopularInterests; !reflect.DeepEqual(got, want) {
		t.Errorf("ranking = %v, want %v", got, want)
	}
	if got := c.Stats(2).PopularInterests; len(got) != 2 || got[1].Interest != "art" {
		t.Errorf("limited ranking = %v", got)
	}
}

func TestSuggestions(t *testing.T) {
	c := newTestCollector(time.Now())
	if got := c.Suggestions(5); len(got) != 0 {
		t.Fatalf("empty collector suggests %v", got)
	}

	c.RecordJoin("10.0.0.1", []string{"gaming", "music", "music"})
	want := []string{"music", "gaming"}
	if got := c.Suggestions(5); !reflect.DeepEqual(got, want) {
		t.Errorf("Suggestions = %v, want %v", got, want)
	}
	if got := c.Suggestions(1); !reflect.DeepEqual(got, []string{"music"}) {
		t.Errorf("Suggestions(1) = %v", got)
	}
}

func TestStartGaugesStops(t *testing.T) {
	c := newTestCollector(time.Now())
	calls := make(chan struct{}, 16)
	stop := c.StartGauges(5*time.Millisecond, func() (int, int, int, int) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return 1, 2, 3, 4
	})

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("gauge refresh never ran")
	}
	stop()
}
