package proxy

import (
	"sync"
	"time"
)

// SignLimiter caps how many sign requests a socket will accept within
// a sliding window. It is shared by every session on the socket so a
// client cannot reset the budget by reconnecting.
type SignLimiter struct {
	max    int
	window time.Duration

	mu    sync.Mutex
	times []time.Time
}

// NewSignLimiter allows at most max sign requests per window. A max of
// zero or less disables limiting; the returned limiter always allows.
func NewSignLimiter(max int, window time.Duration) *SignLimiter {
	return &SignLimiter{max: max, window: window}
}

// Allow records one sign attempt at now and reports whether it is
// within budget. Refused attempts still count toward the window, so a
// flooding client stays refused until it backs off.
func (l *SignLimiter) Allow(now time.Time) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.times = kept

	l.times = append(l.times, now)
	return len(l.times) <= l.max
}
