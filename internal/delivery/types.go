package delivery

import (
	"time"

	kit "threadflow/internal/transport"
)

// Tier enumerates the remote API's documented rate classes. Each tier has its
// own budget, expressed here as a minimum interval between calls in that tier.
type Tier int

const (
	TierVeryInfrequent Tier = iota + 1 // workspace-level, rarely called methods
	TierStandard                       // standard write methods
	TierPaginated                      // pagination / read methods
	TierHighVolume                     // high-volume methods (upload slots, metadata)
	TierPostMessage                    // special per-channel message budget
)

func (t Tier) String() string {
	switch t {
	case TierVeryInfrequent:
		return "tier1"
	case TierStandard:
		return "tier2"
	case TierPaginated:
		return "tier3"
	case TierHighVolume:
		return "tier4"
	case TierPostMessage:
		return "post_message"
	default:
		return "unknown"
	}
}

// DefaultTierIntervals mirrors the remote API's published budgets.
func DefaultTierIntervals() map[Tier]time.Duration {
	return map[Tier]time.Duration{
		TierVeryInfrequent: time.Minute,
		TierStandard:       3 * time.Second,
		TierPaginated:      1200 * time.Millisecond,
		TierHighVolume:     600 * time.Millisecond,
		TierPostMessage:    time.Second,
	}
}

// Operation is the sealed set of work items a session queue accepts.
// Operations are immutable values; all mutable state lives in the queue's
// worker.
type Operation interface {
	isOperation()
}

// TextUpdate appends a fragment to the session's running message.
type TextUpdate struct {
	Text string
}

// FileUpload attaches a binary payload to the thread as a new item.
type FileUpload struct {
	Filename string
	Content  []byte
	Comment  string
}

// MessagePost posts a brand-new message (not an append to the running one).
type MessagePost struct {
	Text string
	Rich any
}

// MessageUpdate replaces the content of a previously posted message.
type MessageUpdate struct {
	Ref  kit.MessageRef
	Text string
	Rich any
}

// MessageDelete removes a previously posted message.
type MessageDelete struct {
	Ref kit.MessageRef
}

// stopOp asks the worker to flush remaining text and exit.
type stopOp struct{}

// barrierOp completes once every operation enqueued before it has been
// processed. Pending text is flushed but the running message stays open.
type barrierOp struct {
	done chan struct{}
}

func (TextUpdate) isOperation()    {}
func (FileUpload) isOperation()    {}
func (MessagePost) isOperation()   {}
func (MessageUpdate) isOperation() {}
func (MessageDelete) isOperation() {}
func (stopOp) isOperation()        {}
func (barrierOp) isOperation()     {}

// RetryConfig bounds the per-call retry policy applied by Executor.
//
// A call is attempted at most MaxRetries+1 times. A server-provided
// retry-after hint is honored up to MaxDelay; FallbackDelay applies when the
// server gave no hint.
type RetryConfig struct {
	MaxRetries    int
	FallbackDelay time.Duration
	MaxDelay      time.Duration
}

// VisibilityConfig controls how long and how eagerly the Poller waits for an
// upload to be confirmed as shared in the target channel.
type VisibilityConfig struct {
	Timeout       time.Duration
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// Config carries the static knobs for session queues.
//
// Zero values take the documented defaults.
type Config struct {
	// QueueSize bounds the per-session operation channel. Enqueues never
	// block; overflow is rejected with ErrQueueFull.
	QueueSize int

	// StopTimeout bounds Stop()'s wait for the worker's final flush before
	// escalating to forced cancellation.
	StopTimeout time.Duration

	// FinalFlushRetries caps how many locally-throttled windows a final text
	// flush will wait out before the flush is dropped.
	FinalFlushRetries int

	// LocalThrottleFallback is the local throttle window applied after a
	// rate-limit rejection that carried no retry-after hint.
	LocalThrottleFallback time.Duration

	Retry      RetryConfig
	Visibility VisibilityConfig
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 60 * time.Second
	}
	if c.FinalFlushRetries <= 0 {
		c.FinalFlushRetries = 10
	}
	if c.LocalThrottleFallback <= 0 {
		c.LocalThrottleFallback = 3 * time.Second
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.FallbackDelay <= 0 {
		c.Retry.FallbackDelay = 3 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Visibility.Timeout <= 0 {
		c.Visibility.Timeout = 60 * time.Second
	}
	if c.Visibility.InitialDelay <= 0 {
		c.Visibility.InitialDelay = 500 * time.Millisecond
	}
	if c.Visibility.BackoffFactor <= 1 {
		c.Visibility.BackoffFactor = 1.5
	}
	if c.Visibility.MaxDelay <= 0 {
		c.Visibility.MaxDelay = 5 * time.Second
	}
	return c
}
