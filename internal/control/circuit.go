package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Status is a point-in-time view of a breaker.
type Status struct {
	State    CircuitState
	Class    string
	OpenedAt time.Time
	// Failures per error class since the last success.
	Failures map[string]int
}

// CircuitBreaker guards the LLM provider. Failures are counted per error
// class, so a burst of rate limits does not mix with auth errors. Safe for
// concurrent use; one breaker outlives pipeline reloads.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    CircuitState
	failures map[string]int
	openedAt time.Time
	class    string
	probing  bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

// Allow reports whether a request may go out at now. While open it also
// returns how long until the next probe. After the cooldown exactly one
// caller gets the half-open probe; the rest wait for its outcome.
func (c *CircuitBreaker) Allow(now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true, 0
	case CircuitHalfOpen:
		if c.probing {
			return false, 0
		}
		c.probing = true
		return true, 0
	}
	if wait := c.cooldown - now.Sub(c.openedAt); wait > 0 {
		return false, wait
	}
	c.state = CircuitHalfOpen
	c.probing = true
	return true, 0
}

// Success closes the breaker and reports whether it was not closed before.
func (c *CircuitBreaker) Success() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.state != CircuitClosed
	c.state = CircuitClosed
	c.class = ""
	c.probing = false
	clear(c.failures)
	return changed
}

// Failure counts one error of class and reports whether it opened the
// breaker. A failed half-open probe reopens it at once.
func (c *CircuitBreaker) Failure(class string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if class == "" {
		class = "unknown"
	}
	c.failures[class]++
	switch c.state {
	case CircuitHalfOpen:
		c.open(class, now)
		return true
	case CircuitClosed:
		if c.failures[class] >= c.threshold {
			c.open(class, now)
			return true
		}
	}
	return false
}

func (c *CircuitBreaker) open(class string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.class = class
	c.probing = false
}

func (c *CircuitBreaker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures := make(map[string]int, len(c.failures))
	for k, v := range c.failures {
		failures[k] = v
	}
	return Status{State: c.state, Class: c.class, OpenedAt: c.openedAt, Failures: failures}
}
