package admission

import (
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	l := NewLimiter()
	now := start
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	rule := Rule{Name: "test", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("u1", rule); !ok {
			t.Fatalf("event %d denied, limit is %d", i+1, rule.Limit)
		}
	}
	ok, retry := l.Allow("u1", rule)
	if ok {
		t.Fatal("event over limit allowed")
	}
	if retry <= 0 || retry > rule.Window {
		t.Errorf("retryAfter = %v, want within (0, %v]", retry, rule.Window)
	}
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(time.Unix(1000, 0))
	rule := Rule{Name: "test", Limit: 2, Window: 10 * time.Second}

	l.Allow("u1", rule)
	*now = now.Add(6 * time.Second)
	l.Allow("u1", rule)

	if ok, _ := l.Allow("u1", rule); ok {
		t.Fatal("third event inside window allowed")
	}

	// First event slides out after 10s; one slot opens.
	*now = now.Add(5 * time.Second)
	if ok, _ := l.Allow("u1", rule); !ok {
		t.Fatal("event denied after window slid")
	}
	if ok, _ := l.Allow("u1", rule); ok {
		t.Fatal("only one slot should have opened")
	}
}

func TestRetryAfterMatchesOldestEvent(t *testing.T) {
	l, now := newTestLimiter(time.Unix(1000, 0))
	rule := Rule{Name: "test", Limit: 1, Window: 10 * time.Second}

	l.Allow("u1", rule)
	*now = now.Add(4 * time.Second)

	ok, retry := l.Allow("u1", rule)
	if ok {
		t.Fatal("second event allowed")
	}
	if want := 6 * time.Second; retry != want {
		t.Errorf("retryAfter = %v, want %v", retry, want)
	}
}

func TestDeniedEventNotRecorded(t *testing.T) {
	l, now := newTestLimiter(time.Unix(1000, 0))
	rule := Rule{Name: "test", Limit: 1, Window: 10 * time.Second}

	l.Allow("u1", rule)
	for i := 0; i < 5; i++ {
		l.Allow("u1", rule) // denied, must not extend the block
	}

	*now = now.Add(rule.Window + time.Millisecond)
	if ok, _ := l.Allow("u1", rule); !ok {
		t.Error("denied events extended the window")
	}
}

func TestIdentifiersAndRulesIsolated(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	rule := Rule{Name: "test", Limit: 1, Window: 10 * time.Second}

	l.Allow("u1", rule)
	if ok, _ := l.Allow("u2", rule); !ok {
		t.Error("u2 throttled by u1's events")
	}
	other := Rule{Name: "other", Limit: 1, Window: 10 * time.Second}
	if ok, _ := l.Allow("u1", other); !ok {
		t.Error("rules share a bucket")
	}
}

func TestForget(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	for i := 0; i < RuleMessage.Limit; i++ {
		l.Allow("u1", RuleMessage)
	}
	if ok, _ := l.Allow("u1", RuleMessage); ok {
		t.Fatal("expected message limit hit")
	}

	l.Forget("u1")
	if ok, _ := l.Allow("u1", RuleMessage); !ok {
		t.Error("Forget did not clear the message bucket")
	}
}
