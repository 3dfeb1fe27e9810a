package whatsapp

import (
	"context"
	"sync"
	"time"
)

// windowLimiter enforces the Cloud API budget with a fixed window. Acquire
// blocks until the window has room instead of failing the send.
type windowLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	count   int
	resetAt time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newWindowLimiter(max int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (l *windowLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		if now.After(l.resetAt) {
			l.count = 0
			l.resetAt = now.Add(l.window)
		}
		if l.count < l.max {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.resetAt.Sub(now)
		l.mu.Unlock()

		// Window is full; sleep until it rolls over and re-check, since
		// another sender may have taken the freed slot.
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
