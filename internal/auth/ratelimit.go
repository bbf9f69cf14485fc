package auth

import (
	"context"
	"math"
	"sync"
	"time"
)

// staleBucketAge is how long an untouched bucket survives before pruning.
const staleBucketAge = 5 * time.Minute

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-client token bucket. Refill is linear at rpm/60 per
// second; capacity clamps at burst + rpm/60 (one second of headroom above
// burst).
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	defaultRPM int
	burst      int
}

// NewRateLimiter creates a limiter with the server defaults.
func NewRateLimiter(defaultRPM, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		defaultRPM: defaultRPM,
		burst:      burst,
	}
}

// Allow admits or rejects one request for the client. The effective RPM is
// the token's override when present, else the server default. On rejection
// retryAfter is ceil(60/rpm) seconds.
func (r *RateLimiter) Allow(client string, rpmOverride *int) (ok bool, retryAfter int) {
	rpm := r.defaultRPM
	if rpmOverride != nil && *rpmOverride > 0 {
		rpm = *rpmOverride
	}
	perSecond := float64(rpm) / 60.0
	capacity := float64(r.burst) + perSecond

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, exists := r.buckets[client]
	if !exists {
		b = &bucket{tokens: capacity, lastRefill: now}
		r.buckets[client] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens = math.Min(capacity, b.tokens+elapsed*perSecond)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, int(math.Ceil(60.0 / float64(rpm)))
}

// BucketCount returns the number of tracked clients.
func (r *RateLimiter) BucketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// prune drops buckets that have not refilled within staleBucketAge.
func (r *RateLimiter) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-staleBucketAge)
	for client, b := range r.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(r.buckets, client)
		}
	}
}

// StartPruner periodically removes stale buckets until ctx is cancelled.
func (r *RateLimiter) StartPruner(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.prune()
			}
		}
	}()
}
