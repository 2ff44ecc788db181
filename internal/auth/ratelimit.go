package auth

import (
	"fmt"
	"sync"
	"time"
)

// Login limiter defaults.
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 60 * time.Second
	DefaultBlock       = 300 * time.Second
)

// LoginLimiter tracks failed login attempts per key in a sliding
// window and locks the key out once the threshold is reached. Keys
// are "<subject>:<source_ip>".
type LoginLimiter struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	maxAttempts int
	window      time.Duration
	block       time.Duration

	// now is swappable for tests.
	now func() time.Time
}

type limiterEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

// NewLoginLimiter creates a limiter with the default thresholds.
func NewLoginLimiter() *LoginLimiter {
	return &LoginLimiter{
		entries:     make(map[string]*limiterEntry),
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultWindow,
		block:       DefaultBlock,
		now:         time.Now,
	}
}

// LimiterKey builds the canonical limiter key.
func LimiterKey(subject, ip string) string {
	return fmt.Sprintf("%s:%s", subject, ip)
}

// Check returns the remaining lockout for key, or zero when the key
// is not locked out.
func (l *LoginLimiter) Check(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return 0
	}
	if remaining := entry.lockedUntil.Sub(l.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Hit records a failed attempt. When the attempt count inside the
// window reaches the threshold the key is locked and the remaining
// lockout is returned; otherwise zero.
func (l *LoginLimiter) Hit(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{}
		l.entries[key] = entry
	}

	cutoff := now.Add(-l.window)
	kept := entry.failures[:0]
	for _, t := range entry.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.failures = append(kept, now)

	if len(entry.failures) >= l.maxAttempts {
		entry.lockedUntil = now.Add(l.block)
		entry.failures = nil
		return l.block
	}
	return 0
}

// Reset clears failures and lockout for key. Called on successful
// authentication.
func (l *LoginLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
