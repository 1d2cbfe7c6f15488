package broker

import (
	"sync"
	"time"
)

type rateState struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

func (s *rateState) reset(now time.Time) {
	s.count = 0
	s.windowStart = now
	s.blockedUntil = time.Time{}
}

// RateLimiter is a fixed-window per-connection message budget. Exceeding the
// budget blocks the connection for one full window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	states map[string]*rateState
}

// NewRateLimiter allows limit messages per window for each connection
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    now,
		states: make(map[string]*rateState),
	}
}

// Reset starts a fresh window for id
func (l *RateLimiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := &rateState{}
	st.reset(l.now())
	l.states[id] = st
}

// Allow spends one unit of id's budget and reports whether the send may proceed
func (l *RateLimiter) Allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.states[id]
	if !ok {
		st = &rateState{}
		st.reset(now)
		l.states[id] = st
	}

	if !st.blockedUntil.IsZero() {
		if now.Before(st.blockedUntil) {
			return false
		}
		st.reset(now)
	}
	if now.Sub(st.windowStart) >= l.window {
		st.reset(now)
	}

	st.count++
	if st.count > l.limit {
		st.blockedUntil = now.Add(l.window)
		return false
	}
	return true
}

// Forget discards the state of id
func (l *RateLimiter) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, id)
}

// Len returns the number of tracked connections
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}
