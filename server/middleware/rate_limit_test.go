package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterEnforcesBudget(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d should fit the burst", i)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterIsPerKey(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "a fresh key gets its own budget")
}

func TestRateLimiterDisabled(t *testing.T) {
	for _, perMinute := range []int{0, -1} {
		rl := NewRateLimiter(perMinute)
		for i := 0; i < 100; i++ {
			assert.True(t, rl.Allow("10.0.0.1"))
		}
	}
}
