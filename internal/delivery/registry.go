package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"threadflow/internal/eventbus"
	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

// RegistryConfig controls session housekeeping.
type RegistryConfig struct {
	// SweepSchedule is a cron spec (e.g. "@every 1m") for the janitor that
	// evicts stopped sessions. Empty disables the janitor.
	SweepSchedule string

	// IdleTTL, when > 0, lets the janitor also stop and evict sessions that
	// have neither accepted nor processed an operation for this long.
	IdleTTL time.Duration
}

// Registry maps session keys to their active delivery queues: one queue per
// backend task, created on first use, torn down on Release/StopAll or by the
// janitor. All queues share the registry's limiter, retry executor, and
// visibility poller.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Queue

	d    deps
	cfg  Config
	rcfg RegistryConfig

	cron *cron.Cron
}

func NewRegistry(api kit.Messenger, limiter *TierLimiter, log logx.Logger, bus eventbus.Bus, cfg Config, rcfg RegistryConfig) *Registry {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if limiter == nil {
		limiter = NewTierLimiter(nil)
	}

	r := &Registry{
		sessions: map[string]*Queue{},
		d: deps{
			api:     api,
			limiter: limiter,
			exec:    NewExecutor(cfg.Retry, log, bus),
			poller:  NewPoller(api, limiter, cfg.Visibility, log),
			log:     log,
			bus:     bus,
		},
		cfg:  cfg,
		rcfg: rcfg,
	}

	if rcfg.SweepSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(rcfg.SweepSchedule, r.sweep); err != nil {
			log.Warn("invalid registry sweep schedule",
				logx.String("schedule", rcfg.SweepSchedule), logx.Err(err))
		} else {
			c.Start()
			r.cron = c
		}
	}
	return r
}

// QueueFor returns the session's queue, creating and starting one on first
// use (or when the previous queue for the key already stopped).
func (r *Registry) QueueFor(session, channel string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q := r.sessions[session]; q != nil && q.State() != StateStopped {
		return q
	}
	q := newQueue(session, channel, r.d, r.cfg)
	r.sessions[session] = q
	return q
}

// Lookup returns the session's queue without creating one.
func (r *Registry) Lookup(session string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.sessions[session]
	return q, ok
}

// Len reports the number of tracked sessions (including stopped ones not yet
// swept).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Release stops the session's queue (graceful, bounded by the queue's stop
// timeout) and removes it from the registry. Releasing an unknown session is
// a no-op.
func (r *Registry) Release(ctx context.Context, session string) error {
	r.mu.Lock()
	q := r.sessions[session]
	delete(r.sessions, session)
	r.mu.Unlock()

	if q == nil {
		return nil
	}
	return q.Stop(ctx)
}

// StopAll stops the janitor and every active queue. Queues stop in parallel
// so one slow final flush doesn't serialize shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
	queues := make([]*Queue, 0, len(r.sessions))
	for _, q := range r.sessions {
		queues = append(queues, q)
	}
	r.sessions = map[string]*Queue{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			if err := q.Stop(ctx); err != nil {
				r.d.log.Warn("session stop failed",
					logx.String("session", q.Session()), logx.Err(err))
			}
		}(q)
	}
	wg.Wait()
}

// sweep evicts stopped sessions and, when IdleTTL is set, stops sessions
// that have gone quiet, so abandoned sessions don't accumulate forever.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var stale []*Queue
	for id, q := range r.sessions {
		if q == nil || q.State() == StateStopped {
			delete(r.sessions, id)
			continue
		}
		if r.rcfg.IdleTTL > 0 && now.Sub(q.IdleSince()) > r.rcfg.IdleTTL {
			delete(r.sessions, id)
			stale = append(stale, q)
		}
	}
	r.mu.Unlock()

	for _, q := range stale {
		go func(q *Queue) {
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.StopTimeout)
			defer cancel()
			r.d.log.Info("evicting idle session", logx.String("session", q.Session()))
			_ = q.Stop(ctx)
		}(q)
	}
}
