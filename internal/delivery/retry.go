package delivery

import (
	"context"
	"fmt"
	"time"

	"threadflow/internal/eventbus"
	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

// Executor wraps a single remote call with bounded retry on rate-limit
// rejections. Any other error is propagated immediately; retry of transient
// non-429 failures is the caller's policy, not this layer's.
type Executor struct {
	cfg RetryConfig
	log logx.Logger
	bus eventbus.Bus

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg RetryConfig, log logx.Logger, bus eventbus.Bus) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = 3 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, log: log, bus: bus, sleep: sleepCtx}
}

// Do runs call, retrying rate-limited rejections up to MaxRetries times.
// op names the remote operation for diagnostics.
func (e *Executor) Do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	maxAttempts := e.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		err := call(ctx)
		if err == nil {
			return nil
		}

		rl, ok := kit.AsRateLimited(err)
		if !ok {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%s: rate limited after %d attempts: %w", op, attempt, err)
		}

		delay := rl.RetryAfter()
		if delay <= 0 {
			delay = e.cfg.FallbackDelay
		}
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}

		e.log.Debug("rate limited; retry scheduled",
			logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("delay", delay))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.EventRateLimited, Data: RetryEvent{Op: op, Attempt: attempt, Delay: delay}})
		}

		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// RetryEvent is emitted on the event bus for every rate-limited attempt.
type RetryEvent struct {
	Op      string        `json:"op"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}
