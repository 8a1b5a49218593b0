package policy

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys so senders
// rotating identities cannot exhaust memory.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// windowLimiter counts hits per key in fixed windows. Window length and the
// hit budget are supplied per call so one limiter serves every binding.
// Safe for concurrent use.
type windowLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{entries: make(map[string]*rateLimitEntry)}
}

// allow records a hit for key at now and reports whether the key is still
// within maxHits for the current window.
func (r *windowLimiter) allow(key string, now time.Time, window time.Duration, maxHits int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return maxHits >= 1
	}

	e.count++
	return e.count <= maxHits
}

func (r *windowLimiter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*rateLimitEntry)
}
