package session

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a session-wide token bucket plus optional tighter
// buckets for named methods.
type RateLimiter struct {
	session *rate.Limiter

	mu      sync.Mutex
	methods map[string]*rate.Limiter
	rates   map[string]float64
}

// NewRateLimiter builds a limiter allowing perSecond sustained requests
// with the given burst. methodRates overrides the sustained rate for
// specific methods (burst is derived as max(1, rate)).
func NewRateLimiter(perSecond float64, burst int, methodRates map[string]float64) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = int(perSecond) * 2
	}
	return &RateLimiter{
		session: rate.NewLimiter(rate.Limit(perSecond), burst),
		methods: make(map[string]*rate.Limiter),
		rates:   methodRates,
	}
}

// Allow reports whether one more call of method may proceed now.
func (rl *RateLimiter) Allow(method string) bool {
	if !rl.session.Allow() {
		return false
	}
	perSecond, ok := rl.rates[method]
	if !ok {
		return true
	}
	rl.mu.Lock()
	lim, exists := rl.methods[method]
	if !exists {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		rl.methods[method] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}
