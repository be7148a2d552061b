package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TierLimiter is the process-wide gate that spaces remote calls per tier.
// It is shared by reference among all session queues: its job is to keep the
// aggregate of many concurrent sessions inside a single external budget, so
// there must be exactly one instance per remote workspace.
//
// Reservations are taken under one mutex so two sessions can never both
// observe "no wait needed" for the same tier inside one interval window. The
// wait itself happens outside the lock; one session's sleep never blocks
// another session's reservation.
type TierLimiter struct {
	mu        sync.Mutex
	intervals map[Tier]time.Duration
	limiters  map[Tier]*rate.Limiter

	// Injected for tests; real clock and ctx-aware sleep by default.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewTierLimiter(intervals map[Tier]time.Duration) *TierLimiter {
	if intervals == nil {
		intervals = DefaultTierIntervals()
	}
	return &TierLimiter{
		intervals: intervals,
		limiters:  make(map[Tier]*rate.Limiter, len(intervals)),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Throttle suspends the caller until a call in the given tier fits the tier's
// minimum inter-call interval. The reservation is consumed immediately before
// dispatch; a failing call still counts against the budget.
func (l *TierLimiter) Throttle(ctx context.Context, tier Tier) error {
	l.mu.Lock()
	lim := l.limiters[tier]
	if lim == nil {
		interval := l.intervals[tier]
		if interval <= 0 {
			l.mu.Unlock()
			return ctx.Err()
		}
		lim = rate.NewLimiter(rate.Every(interval), 1)
		l.limiters[tier] = lim
	}
	now := l.now()
	r := lim.ReserveN(now, 1)
	l.mu.Unlock()

	if !r.OK() {
		// Unreachable with burst 1 and n 1, but don't wedge the worker.
		return ctx.Err()
	}
	if d := r.DelayFrom(now); d > 0 {
		return l.sleep(ctx, d)
	}
	return ctx.Err()
}

// SetIntervals swaps the tier table (config hot reload). Tiers rebuild their
// pacing lazily on next use; in-flight waits are unaffected.
func (l *TierLimiter) SetIntervals(intervals map[Tier]time.Duration) {
	if intervals == nil {
		return
	}
	l.mu.Lock()
	l.intervals = intervals
	l.limiters = make(map[Tier]*rate.Limiter, len(intervals))
	l.mu.Unlock()
}

// sleepCtx waits d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
