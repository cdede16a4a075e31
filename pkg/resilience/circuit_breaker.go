package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError is a provider telling us to slow down.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message == "" {
		return e.Provider + ": rate limited"
	}
	return e.Provider + ": " + e.Message
}

// IsRateLimit reports whether the chain contains a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker opens after a run of consecutive rate limit errors and
// stays open for the cooldown. Errors other than rate limits do not
// count against the breaker.
type CircuitBreaker struct {
	mu       sync.Mutex
	streak   int
	limit    int
	reopenAt time.Time
	cooldown time.Duration
}

func NewCircuitBreaker(limit int, cooldown time.Duration) *CircuitBreaker {
	if limit <= 0 {
		limit = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{limit: limit, cooldown: cooldown}
}

// Allow reports whether a request may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reopenAt.IsZero() {
		return true
	}
	if time.Now().Before(c.reopenAt) {
		return false
	}
	c.reopenAt = time.Time{}
	c.streak = 0
	return true
}

// OnSuccess resets the failure streak and closes the breaker.
func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.streak = 0
	c.reopenAt = time.Time{}
	c.mu.Unlock()
}

// OnError records err against the breaker.
func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streak++
	if c.streak >= c.limit {
		c.reopenAt = time.Now().Add(c.cooldown)
	}
}
