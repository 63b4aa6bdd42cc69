package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}
	id := fmt.Sprintf("within-%d", time.Now().UnixNano())

	for i := 0; i < rule.Limit; i++ {
		allowed, err := l.Allow(ctx, id, rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d was limited, want allowed", i+1)
		}
	}

	allowed, err := l.Allow(ctx, id, rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Error("request past the limit was allowed")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: 10 * time.Second}
	id := fmt.Sprintf("remaining-%d", time.Now().UnixNano())

	remaining, err := l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != rule.Limit {
		t.Errorf("fresh identifier remaining = %d, want %d", remaining, rule.Limit)
	}

	l.Allow(ctx, id, rule)
	l.Allow(ctx, id, rule)

	remaining, err = l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != rule.Limit-2 {
		t.Errorf("remaining = %d, want %d", remaining, rule.Limit-2)
	}
}
