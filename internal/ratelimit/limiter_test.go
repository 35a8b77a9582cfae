package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestLimiter creates a Limiter connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), ctx
}

func TestLimiter_NilClientAllowsEverything(t *testing.T) {
	var l *Limiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "conn", RuleChat)
		if !ok || err != nil {
			t.Fatalf("expected disabled limiter to allow, got %v, %v", ok, err)
		}
	}
	if got := NewLimiter(nil).RetryAfter(context.Background(), "conn", RuleChat); got != RuleChat.Window {
		t.Errorf("expected window fallback, got %v", got)
	}
}

func TestLimiter_BlocksAfterLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 1; i <= rule.Limit; i++ {
		ok, err := l.Allow(ctx, "conn-1", rule)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "conn-1", rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected request over the limit to be blocked")
	}

	// Other identifiers are unaffected.
	if ok, _ := l.Allow(ctx, "conn-2", rule); !ok {
		t.Error("expected a different identifier to be allowed")
	}

	retry := l.RetryAfter(ctx, "conn-1", rule)
	if retry < time.Second || retry > rule.Window {
		t.Errorf("expected retry-after within (0, %v], got %v", rule.Window, retry)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, ctx := setupTestLimiter(t)

	for i := 0; i < RuleChat.Limit+1; i++ {
		_, _ = l.Allow(ctx, "conn-r", RuleChat)
	}
	if ok, _ := l.Allow(ctx, "conn-r", RuleChat); ok {
		t.Fatal("expected to be limited before reset")
	}
	if err := l.Reset(ctx, "conn-r", RuleChat, RuleLocation, RuleNext); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := l.Allow(ctx, "conn-r", RuleChat); !ok {
		t.Error("expected to be allowed after reset")
	}
}

func TestRules(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range []Rule{RuleChat, RuleLocation, RuleNext} {
		if seen[r.Key] {
			t.Errorf("duplicate key prefix %q", r.Key)
		}
		seen[r.Key] = true
		if r.Limit <= 0 || r.Window <= 0 {
			t.Errorf("rule %s: invalid limit or window %+v", r.Key, r)
		}
	}
}
