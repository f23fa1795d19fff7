package session

import (
	"sync"
	"time"
)

// Cooldown is a time-boxed block on new recording attempts after a provider
// rate-limit signal. Expiry is purely time-based; there is no early cancel.
type Cooldown struct {
	mu      sync.Mutex
	until   time.Time
	lastErr string
	now     func() time.Time
}

// NewCooldown creates an inactive cooldown.
func NewCooldown() *Cooldown {
	return &Cooldown{now: time.Now}
}

// Start arms the cooldown for d, recording why.
func (c *Cooldown) Start(d time.Duration, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = c.now().Add(d)
	c.lastErr = reason
}

// Remaining returns the wait left, or 0 when inactive. An expired cooldown
// clears its state.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.until.IsZero() {
		return 0
	}
	rem := c.until.Sub(c.now())
	if rem <= 0 {
		c.until = time.Time{}
		c.lastErr = ""
		return 0
	}
	return rem
}

// LastError returns the reason the cooldown was armed, if still active.
func (c *Cooldown) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
