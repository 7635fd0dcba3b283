// Package ratelimit throttles inbound messages per participant with a token
// bucket.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket holding up to burst tokens, refilled at rate
// tokens per second.
type Limiter struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	t := now()
	return &Limiter{
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
		last:     t,
		now:      now,
	}
}

// refill credits the tokens earned since the last call. Callers hold mu.
func (l *Limiter) refill(t time.Time) {
	if t.After(l.last) {
		l.tokens = min(l.capacity, l.tokens+t.Sub(l.last).Seconds()*l.rate)
		l.last = t
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens at once or none at all.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.now())
	cost := float64(n)
	if cost > l.tokens {
		return false
	}
	l.tokens -= cost
	return true
}

// idle reports whether the bucket is full again and untouched for at least d,
// so dropping it loses no state.
func (l *Limiter) idle(t time.Time, d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	quiet := t.Sub(l.last)
	if quiet < d {
		return false
	}
	return l.tokens+quiet.Seconds()*l.rate >= l.capacity
}

// ClientLimiters hands out one limiter per participant id. Limiters that sit
// full and unused for idleTTL are swept periodically.
type ClientLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    int
	now      func() time.Time

	sweepEvery time.Duration
	idleTTL    time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:   make(map[string]*Limiter),
		rate:       rate,
		burst:      burst,
		now:        time.Now,
		sweepEvery: 5 * time.Minute,
		idleTTL:    10 * time.Minute,
		stop:       make(chan struct{}),
	}
	go cl.run()
	return cl
}

func (cl *ClientLimiters) Get(participantID string) *Limiter {
	cl.mu.RLock()
	l, ok := cl.limiters[participantID]
	cl.mu.RUnlock()
	if ok {
		return l
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if l, ok = cl.limiters[participantID]; !ok {
		l = newLimiter(cl.rate, cl.burst, cl.now)
		cl.limiters[participantID] = l
	}
	return l
}

func (cl *ClientLimiters) Remove(participantID string) {
	cl.mu.Lock()
	delete(cl.limiters, participantID)
	cl.mu.Unlock()
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// sweep drops idle limiters and returns how many were dropped.
func (cl *ClientLimiters) sweep() int {
	t := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	dropped := 0
	for id, l := range cl.limiters {
		if l.idle(t, cl.idleTTL) {
			delete(cl.limiters, id)
			dropped++
		}
	}
	return dropped
}

func (cl *ClientLimiters) run() {
	ticker := time.NewTicker(cl.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.sweep()
		}
	}
}
