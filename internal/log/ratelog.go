package log

import (
	"sync"
	"time"
)

// RateLimited drops messages arriving less than interval after the last
// emitted one. Used for noisy, repeating conditions such as failed prefetches.
type RateLimited struct {
	h        *Handle
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
	now      func() time.Time
}

func NewRateLimited(h *Handle, interval time.Duration) *RateLimited {
	return &RateLimited{h: h, interval: interval, now: time.Now}
}

// Warnf logs at warn level unless suppressed. It reports whether the message
// was emitted.
func (l *RateLimited) Warnf(format string, args ...any) bool {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return false
	}
	dropped := l.dropped
	l.dropped = 0
	l.lastAt = now
	l.mu.Unlock()

	ev := l.h.Warn()
	if dropped > 0 {
		ev = ev.Int("suppressed", dropped)
	}
	ev.Msgf(format, args...)
	return true
}
