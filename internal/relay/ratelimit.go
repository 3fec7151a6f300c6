package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-user limits on signaling events. A call burst of
// ICE candidates fits in the burst allowance.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter allows eventsPerMin per user. Zero disables limiting.
func NewRateLimiter(eventsPerMin int) *RateLimiter {
	if eventsPerMin <= 0 {
		return &RateLimiter{rate: rate.Inf}
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(eventsPerMin) / 60.0),
		burst:    max(eventsPerMin/10, 5),
	}
}

func (rl *RateLimiter) getLimiter(userID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[userID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists = rl.limiters[userID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[userID] = limiter
	return limiter
}

// Allow reports whether userID may send one more event now.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.rate == rate.Inf {
		return true
	}
	return rl.getLimiter(userID).Allow()
}

// Cleanup removes limiters of idle users (call periodically).
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for userID, limiter := range rl.limiters {
		if limiter.Tokens() >= float64(rl.burst) {
			delete(rl.limiters, userID)
		}
	}
}

// Len returns the number of tracked users.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}
