package conversation

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PhoneLimiter throttles inbound events per phone so one abusive or looping
// sender cannot starve the worker pool. Rejected events never touch state.
type PhoneLimiter struct {
	mu       sync.Mutex
	limiters map[string]*phoneEntry
	limit    rate.Limit
	burst    int

	// pruneAfter removes idle entries during the periodic sweep.
	pruneAfter time.Duration
	lastPrune  time.Time
}

type phoneEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPhoneLimiter allows perMinute events per phone with the given burst.
func NewPhoneLimiter(perMinute, burst int) *PhoneLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	if burst <= 0 {
		burst = 5
	}
	return &PhoneLimiter{
		limiters:   make(map[string]*phoneEntry),
		limit:      rate.Limit(float64(perMinute) / 60.0),
		burst:      burst,
		pruneAfter: 3 * time.Minute,
		lastPrune:  time.Now(),
	}
}

// Allow reports whether an event from phone may proceed now.
func (l *PhoneLimiter) Allow(phone string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[phone]
	if !ok {
		entry = &phoneEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[phone] = entry
	}
	entry.lastSeen = now

	if now.Sub(l.lastPrune) > l.pruneAfter {
		l.pruneLocked(now)
	}
	return entry.limiter.Allow()
}

func (l *PhoneLimiter) pruneLocked(now time.Time) {
	for phone, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.pruneAfter {
			delete(l.limiters, phone)
		}
	}
	l.lastPrune = now
}

// Size returns the number of tracked phones.
func (l *PhoneLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
