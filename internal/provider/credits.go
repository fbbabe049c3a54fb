package provider

import (
	"strconv"
	"sync"
	"time"
)

// CreditCache holds the last provider-reported credit balance. It is
// written on every response, success or error, and read only by the
// observability endpoint.
type CreditCache struct {
	mu        sync.Mutex
	remaining int64
	updatedAt time.Time
	seen      bool
}

// Observe records a credit header value. Blank or malformed values are
// ignored.
func (c *CreditCache) Observe(raw string) {
	if c == nil || raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.remaining = v
	c.updatedAt = time.Now()
	c.seen = true
	c.mu.Unlock()
}

// Snapshot returns the last-known balance and when it was observed. ok is
// false until the first observation.
func (c *CreditCache) Snapshot() (remaining int64, updatedAt time.Time, ok bool) {
	if c == nil {
		return 0, time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.updatedAt, c.seen
}
