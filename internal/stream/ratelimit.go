package stream

import (
	"sync"
	"time"
)

// SendLimiter caps order-mutating sends per fixed window. Wait returns how
// long the caller must sleep before its send fits; zero means go now.
type SendLimiter struct {
	mu sync.Mutex

	limit  int
	window time.Duration

	windowStart time.Time
	used        int
}

func NewSendLimiter(limit int, window time.Duration) *SendLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Second
	}
	return &SendLimiter{limit: limit, window: window}
}

func (l *SendLimiter) Wait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := now.Truncate(l.window)
	if l.windowStart.IsZero() || l.windowStart.Before(windowStart) {
		l.windowStart = windowStart
		l.used = 0
	}
	if l.used+1 > l.limit {
		delay := windowStart.Add(l.window).Sub(now)
		if delay < 0 {
			return 0
		}
		return delay
	}
	l.used++
	return 0
}
