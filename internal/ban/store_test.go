package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and cleans
// up test keys around the run. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, pattern := range []string{banPrefix + "test_*", reportsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestIsBannedNotBanned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	banned, remaining, reason := store.IsBanned(ctx, "test_no_ban")
	if banned {
		t.Errorf("expected not banned, got banned (remaining=%d reason=%q)", remaining, reason)
	}
}

func TestBanAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ip := "test_ban_check"

	if err := store.Ban(ctx, ip, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	banned, remaining, reason := store.IsBanned(ctx, ip)
	if !banned {
		t.Fatal("expected banned")
	}
	if reason != "spam" {
		t.Errorf("reason = %q, want %q", reason, "spam")
	}
	if remaining <= 0 || remaining > 30 {
		t.Errorf("remaining = %d, want within (0, 30]", remaining)
	}
}

func TestUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ip := "test_unban"

	if err := store.Ban(ctx, ip, time.Minute, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	if err := store.Unban(ctx, ip); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}
	if banned, _, _ := store.IsBanned(ctx, ip); banned {
		t.Error("expected ban lifted")
	}
}

func TestReportAndCheckThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ip := "test_threshold"

	for i := 1; i < AutoBanThreshold; i++ {
		banned, _, err := store.ReportAndCheck(ctx, ip)
		if err != nil {
			t.Fatalf("ReportAndCheck() #%d error: %v", i, err)
		}
		if banned {
			t.Fatalf("banned after %d reports, threshold is %d", i, AutoBanThreshold)
		}
	}

	banned, duration, err := store.ReportAndCheck(ctx, ip)
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if !banned {
		t.Fatal("expected auto-ban at threshold")
	}
	if duration != ban15Min {
		t.Errorf("first auto-ban duration = %v, want %v", duration, ban15Min)
	}

	if got, _, _ := store.IsBanned(ctx, ip); !got {
		t.Error("expected IsBanned after auto-ban")
	}
}

func TestNilStoreFailsOpen(t *testing.T) {
	var store *Store
	ctx := context.Background()

	if banned, _, _ := store.IsBanned(ctx, "anyone"); banned {
		t.Error("nil store must never report banned")
	}
	if err := store.Ban(ctx, "anyone", time.Minute, "x"); err != nil {
		t.Errorf("nil store Ban() error: %v", err)
	}
	if banned, _, err := store.ReportAndCheck(ctx, "anyone"); banned || err != nil {
		t.Errorf("nil store ReportAndCheck() = (%v, _, %v), want (false, _, nil)", banned, err)
	}
}
