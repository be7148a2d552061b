package delivery

import (
	"context"
	"fmt"
	"time"

	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

// Poller confirms that a finalized upload is actually attached to its target
// channel. The remote API acknowledges sharing asynchronously, so the worker
// must not post follow-up messages until the file shows up; otherwise the
// thread renders out of order.
type Poller struct {
	api     kit.Messenger
	limiter *TierLimiter
	cfg     VisibilityConfig
	log     logx.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewPoller(api kit.Messenger, limiter *TierLimiter, cfg VisibilityConfig, log logx.Logger) *Poller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 1.5
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{api: api, limiter: limiter, cfg: cfg, log: log, sleep: sleepCtx, now: time.Now}
}

// WaitVisible polls file metadata until the file reports as shared in
// channel, or the configured timeout elapses (ErrNotVisible). Transient query
// errors count as "not yet visible" and polling continues.
func (p *Poller) WaitVisible(ctx context.Context, fileID, channel string) error {
	deadline := p.now().Add(p.cfg.Timeout)
	delay := p.cfg.InitialDelay

	for {
		if p.limiter != nil {
			if err := p.limiter.Throttle(ctx, TierHighVolume); err != nil {
				return err
			}
		}

		info, err := p.api.FileMetadata(ctx, fileID)
		if err == nil && info.SharedInChannel(channel) {
			return nil
		}
		if err != nil {
			p.log.Debug("file metadata query failed; still waiting",
				logx.String("file", fileID), logx.Err(err))
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.now().Add(delay).Before(deadline) {
			return fmt.Errorf("file %s in %s after %s: %w", fileID, channel, p.cfg.Timeout, ErrNotVisible)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}

		delay = time.Duration(float64(delay) * p.cfg.BackoffFactor)
		if delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
	}
}
