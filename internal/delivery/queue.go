package delivery

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threadflow/internal/eventbus"
	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

// State is the queue lifecycle: Running until Stop is requested, Stopping
// while the final flush is in progress, Stopped once the worker exited.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// deps bundles the collaborators shared by all queues of one registry.
type deps struct {
	api     kit.Messenger
	limiter *TierLimiter
	exec    *Executor
	poller  *Poller
	log     logx.Logger
	bus     eventbus.Bus
}

// Queue delivers one session's output stream into one channel/thread.
//
// Producers enqueue typed operations and return immediately; the single
// worker goroutine owns all session state and applies operations in enqueue
// order, except that consecutive text updates may be coalesced into fewer
// remote calls (order-preserving).
type Queue struct {
	session string
	channel string
	worker  string // uuid, correlates logs/events across components

	d   deps
	cfg Config

	ops    chan Operation
	cancel context.CancelFunc
	done   chan struct{}

	accepting atomic.Bool
	state     atomic.Int32
	lastOp    atomic.Int64 // unix nano of last enqueue/processed op

	stopOnce sync.Once
	stopErr  error

	// Worker-owned state. Only run() and its callees touch these.
	cur            kit.MessageRef
	hasCur         bool
	buf            strings.Builder
	sentLen        int
	throttledUntil time.Time
	pendingUploads map[string]kit.MessageRef
}

func newQueue(session, channel string, d deps, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	q := &Queue{
		session:        session,
		channel:        channel,
		worker:         uuid.NewString(),
		d:              d,
		cfg:            cfg,
		ops:            make(chan Operation, cfg.QueueSize),
		done:           make(chan struct{}),
		pendingUploads: map[string]kit.MessageRef{},
	}
	q.d.log = d.log.With(logx.String("session", session), logx.String("worker", q.worker))
	q.accepting.Store(true)
	q.touch()

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.run(ctx)

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.EventSessionCreated, Data: SessionEvent{Session: session, Channel: channel, Worker: q.worker}})
	}
	return q
}

// Session returns the session key this queue delivers for.
func (q *Queue) Session() string { return q.session }

// Channel returns the destination channel/thread.
func (q *Queue) Channel() string { return q.channel }

// State reports the queue lifecycle state.
func (q *Queue) State() State { return State(q.state.Load()) }

// IdleSince reports when the queue last accepted or processed an operation.
func (q *Queue) IdleSince() time.Time { return time.Unix(0, q.lastOp.Load()) }

func (q *Queue) touch() { q.lastOp.Store(time.Now().UnixNano()) }

// EnqueueTextUpdate appends a text fragment to the session's running message.
func (q *Queue) EnqueueTextUpdate(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	return q.enqueue(TextUpdate{Text: text})
}

// EnqueueFileUpload attaches a file to the thread. Buffered text is flushed
// first; text arriving afterwards starts a new message below the file.
func (q *Queue) EnqueueFileUpload(filename string, content []byte, comment string) error {
	if strings.TrimSpace(filename) == "" {
		return ErrEmptyFilename
	}
	if len(content) == 0 {
		return ErrEmptyContent
	}
	return q.enqueue(FileUpload{Filename: filename, Content: content, Comment: comment})
}

// EnqueueMessagePost posts a brand-new message (not a running-text append).
func (q *Queue) EnqueueMessagePost(text string, rich any) error {
	if text == "" && rich == nil {
		return ErrEmptyText
	}
	return q.enqueue(MessagePost{Text: text, Rich: rich})
}

// EnqueueMessageUpdate replaces the content of a previously posted message.
func (q *Queue) EnqueueMessageUpdate(ref kit.MessageRef, text string, rich any) error {
	if ref.IsZero() {
		return ErrEmptyRef
	}
	if text == "" && rich == nil {
		return ErrEmptyText
	}
	return q.enqueue(MessageUpdate{Ref: ref, Text: text, Rich: rich})
}

// EnqueueMessageDelete removes a previously posted message.
func (q *Queue) EnqueueMessageDelete(ref kit.MessageRef) error {
	if ref.IsZero() {
		return ErrEmptyRef
	}
	return q.enqueue(MessageDelete{Ref: ref})
}

func (q *Queue) enqueue(op Operation) error {
	if !q.accepting.Load() {
		return ErrStopped
	}
	select {
	case q.ops <- op:
		q.touch()
		return nil
	default:
		return ErrQueueFull
	}
}

// WaitUntilComplete blocks until every operation enqueued before the call has
// been fully processed. Use it as a barrier before posting something that
// must visually follow everything queued so far.
func (q *Queue) WaitUntilComplete(ctx context.Context) error {
	if !q.accepting.Load() {
		return ErrStopped
	}
	b := barrierOp{done: make(chan struct{})}
	select {
	case q.ops <- b:
	default:
		return ErrQueueFull
	}
	select {
	case <-b.done:
		return nil
	case <-q.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests a graceful shutdown: the worker finishes the operation in
// flight, performs a final text flush, then exits. If it does not exit within
// the configured stop timeout (or ctx's deadline, whichever is sooner) the
// worker is force-cancelled and ErrStopTimeout is returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.accepting.Store(false)
		q.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))

		tmr := time.NewTimer(q.cfg.StopTimeout)
		defer func() {
			if !tmr.Stop() {
				select {
				case <-tmr.C:
				default:
				}
			}
		}()

		escalate := func(err error) {
			q.cancel()
			<-q.done
			q.stopErr = err
		}

		// A full channel means the worker is busy, not gone: keep offering
		// the sentinel for as long as the bounded wait allows, and only then
		// escalate to forced cancellation.
		for delivered := false; !delivered; {
			select {
			case q.ops <- stopOp{}:
				delivered = true
			case <-q.done:
				return
			case <-tmr.C:
				escalate(ErrStopTimeout)
				return
			case <-ctx.Done():
				escalate(ctx.Err())
				return
			}
		}

		select {
		case <-q.done:
		case <-tmr.C:
			escalate(ErrStopTimeout)
		case <-ctx.Done():
			escalate(ctx.Err())
		}
	})

	select {
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.stopErr
}

// SessionEvent is emitted on the event bus for session lifecycle changes.
type SessionEvent struct {
	Session string `json:"session"`
	Channel string `json:"channel"`
	Worker  string `json:"worker"`
}

// OpEvent is emitted on the event bus for per-operation outcomes.
type OpEvent struct {
	Session string `json:"session"`
	Kind    string `json:"kind"`
	Error   string `json:"error,omitempty"`
}

// UploadEvent is emitted on the event bus for file upload milestones.
type UploadEvent struct {
	Session  string `json:"session"`
	Filename string `json:"filename"`
	FileID   string `json:"file_id,omitempty"`
	Error    string `json:"error,omitempty"`
}
