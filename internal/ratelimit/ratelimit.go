// Package ratelimit provides a keyed fixed-window rate limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// Limiter allows up to rate events per key in each window.
type Limiter struct {
	mu     sync.Mutex
	keys   map[string]*window
	rate   int
	window time.Duration
	now    func() time.Time
}

// New creates a Limiter that allows rate events per key per window. A
// non-positive rate disables limiting.
func New(rate int, per time.Duration) *Limiter {
	return &Limiter{
		keys:   make(map[string]*window),
		rate:   rate,
		window: per,
		now:    time.Now,
	}
}

// Allow records an event for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.keys[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.keys[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.rate
}

// Prune drops keys whose window has ended and returns how many were dropped.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, w := range l.keys {
		if now.Sub(w.start) >= l.window {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// Run prunes stale keys every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Prune()
		}
	}
}
