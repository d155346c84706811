package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many model calls run at once across all tasks. Waiters
// are admitted in arrival order.
type Limiter struct {
	sem  *semaphore.Weighted
	size int64

	mu      sync.Mutex
	current int64
	peak    int64
}

func NewLimiter(size int64) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(size), size: size}
}

// Do runs fn while holding one slot. The slot is released when fn returns,
// whatever the outcome.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	l.enter()
	defer func() {
		l.leave()
		l.sem.Release(1)
	}()
	return fn(ctx)
}

func (l *Limiter) enter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current++
	if l.current > l.peak {
		l.peak = l.current
	}
}

func (l *Limiter) leave() {
	l.mu.Lock()
	l.current--
	l.mu.Unlock()
}

// InFlight is the number of calls currently holding a slot.
func (l *Limiter) InFlight() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Peak is the highest InFlight value observed.
func (l *Limiter) Peak() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

func (l *Limiter) Size() int64 {
	return l.size
}
