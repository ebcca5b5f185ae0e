package codelink

import (
	"time"
)

// slidingWindow admits work starts at a bounded rate: at most maxRequests
// starts inside any window. A refused attempt stamps blockedUntil so the
// scheduler backs off for retryAfter instead of retrying immediately.
//
// It is not safe for concurrent use; the queue loop owns it exclusively.
type slidingWindow struct {
	maxRequests int
	window      time.Duration
	retryAfter  time.Duration

	starts       []time.Time
	blockedUntil time.Time
}

func newSlidingWindow(maxRequests int, window, retryAfter time.Duration) *slidingWindow {
	return &slidingWindow{
		maxRequests: maxRequests,
		window:      window,
		retryAfter:  retryAfter,
	}
}

// allow reports whether a start is admitted at now and records it if so.
func (l *slidingWindow) allow(now time.Time) bool {
	if now.Before(l.blockedUntil) {
		return false
	}

	l.prune(now)
	if len(l.starts) >= l.maxRequests {
		l.blockedUntil = now.Add(l.retryAfter)
		return false
	}

	l.starts = append(l.starts, now)
	return true
}

// nextAllowed returns the earliest instant a start could be admitted. When
// the window is open it returns now, so callers can use it to arm a wake-up
// timer after a refusal.
func (l *slidingWindow) nextAllowed(now time.Time) time.Time {
	next := now
	if next.Before(l.blockedUntil) {
		next = l.blockedUntil
	}

	l.prune(now)
	if len(l.starts) >= l.maxRequests {
		if opens := l.starts[0].Add(l.window); opens.After(next) {
			next = opens
		}
	}
	return next
}

// prune drops starts that have aged out of the window. A start admitted at t
// stops counting at t+window.
func (l *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}
