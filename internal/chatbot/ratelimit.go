package chatbot

import (
	"sync"
	"time"
)

// slidingWindowLimiter bounds outbound sends to max events per window,
// per channel, pruning timestamps older than the window lazily on each
// check rather than on a background ticker.
type slidingWindowLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events []time.Time
}

func newSlidingWindowLimiter(max int, window time.Duration) *slidingWindowLimiter {
	if max <= 0 {
		max = 20
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &slidingWindowLimiter{max: max, window: window}
}

// Allow reports whether a send is permitted right now, and if so records
// it against the window.
func (l *slidingWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events = kept

	if len(l.events) >= l.max {
		return false
	}
	l.events = append(l.events, now)
	return true
}
