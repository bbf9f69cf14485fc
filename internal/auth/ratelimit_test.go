package auth

import (
	"testing"
	"time"
)

func TestBurstThenReject(t *testing.T) {
	// burst 2, 60 rpm → capacity 3 (one second of headroom above burst).
	rl := NewRateLimiter(60, 2)

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("alice", nil)
		if !ok {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	ok, retryAfter := rl.Allow("alice", nil)
	if ok {
		t.Fatalf("4th immediate request should be rejected")
	}
	if retryAfter != 1 {
		t.Errorf("expected retry after 1s at 60 rpm, got %d", retryAfter)
	}
}

func TestRetryAfterScalesWithRPM(t *testing.T) {
	rl := NewRateLimiter(6, 0)

	// Capacity is 6/60 = 0.1; the first request is already rejected.
	ok, retryAfter := rl.Allow("alice", nil)
	if ok {
		t.Fatalf("expected rejection below one token")
	}
	if retryAfter != 10 {
		t.Errorf("expected ceil(60/6)=10s, got %d", retryAfter)
	}
}

func TestOverrideRPM(t *testing.T) {
	rl := NewRateLimiter(60, 0)
	slow := 6

	// The override lowers capacity to 0.1 tokens.
	ok, retryAfter := rl.Allow("alice", &slow)
	if ok {
		t.Fatalf("expected rejection under the override rpm")
	}
	if retryAfter != 10 {
		t.Errorf("expected 10s retry hint, got %d", retryAfter)
	}
}

func TestRefill(t *testing.T) {
	rl := NewRateLimiter(600, 1) // 10 tokens/sec, capacity 11

	for i := 0; i < 11; i++ {
		if ok, _ := rl.Allow("alice", nil); !ok {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if ok, _ := rl.Allow("alice", nil); ok {
		t.Fatalf("bucket should be empty")
	}

	time.Sleep(150 * time.Millisecond) // ≥1 token refilled at 10/sec
	if ok, _ := rl.Allow("alice", nil); !ok {
		t.Fatalf("expected a refilled token")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	rl := NewRateLimiter(60, 0)

	if ok, _ := rl.Allow("alice", nil); !ok {
		t.Fatalf("alice's first request should pass")
	}
	if ok, _ := rl.Allow("bob", nil); !ok {
		t.Fatalf("bob has his own bucket")
	}
}

func TestPrune(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	rl.Allow("alice", nil)
	if rl.BucketCount() != 1 {
		t.Fatalf("expected one bucket")
	}

	rl.mu.Lock()
	rl.buckets["alice"].lastRefill = time.Now().Add(-10 * time.Minute)
	rl.mu.Unlock()

	rl.prune()
	if rl.BucketCount() != 0 {
		t.Fatalf("stale bucket should be pruned")
	}
}
