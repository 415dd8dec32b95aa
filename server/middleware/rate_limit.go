package middleware

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-minute budget per key (webhook client IP).
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	limits    map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing perMinute events per key.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		limits:    make(map[string]*rate.Limiter),
	}
}

// Allow checks whether a request is within budget for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.perMinute <= 0 {
		return true
	}
	return rl.getLimiter(key).Allow()
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limits[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute)
	rl.limits[key] = limiter
	return limiter
}
