package auth

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter tracks failed login attempts per remote address.
// Within window at most maxAttempts failures are tolerated, and after each
// failure the next attempt must wait 2^(n-1) seconds.
type RateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptInfo
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

type attemptInfo struct {
	count    int
	firstAt  time.Time
	lastFail time.Time
}

// NewRateLimiter creates a rate limiter (e.g. 5 attempts per 15 minutes).
// A non-positive maxAttempts disables limiting.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:    make(map[string]*attemptInfo),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// Run evicts stale entries until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// Check returns whether key may attempt a login now, and otherwise how long
// it has to wait.
func (rl *RateLimiter) Check(key string) (bool, time.Duration) {
	if rl == nil || rl.maxAttempts <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	info, exists := rl.attempts[key]
	if !exists {
		return true, 0
	}
	now := rl.now()

	// Window expired → reset
	if now.Sub(info.firstAt) > rl.window {
		delete(rl.attempts, key)
		return true, 0
	}

	if info.count >= rl.maxAttempts {
		return false, rl.window - now.Sub(info.firstAt)
	}

	if info.count > 0 {
		backoff := time.Duration(math.Pow(2, float64(info.count-1))) * time.Second
		if since := now.Sub(info.lastFail); since < backoff {
			return false, backoff - since
		}
	}

	return true, 0
}

// RecordFail records a failed login attempt
func (rl *RateLimiter) RecordFail(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.attempts[key]
	if !exists {
		rl.attempts[key] = &attemptInfo{count: 1, firstAt: now, lastFail: now}
		return
	}
	info.count++
	info.lastFail = now
}

// RecordSuccess clears attempts for key
func (rl *RateLimiter) RecordSuccess(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	for key, info := range rl.attempts {
		if info.firstAt.Before(cutoff) {
			delete(rl.attempts, key)
		}
	}
}
