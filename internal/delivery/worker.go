package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"threadflow/internal/eventbus"
	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

func (q *Queue) run(ctx context.Context) {
	defer func() {
		q.state.Store(int32(StateStopped))
		q.accepting.Store(false)
		close(q.done)
		q.publish(eventbus.EventSessionClosed, SessionEvent{Session: q.session, Channel: q.channel, Worker: q.worker})
		q.d.log.Debug("session worker exited")
	}()

	// deferred holds a non-text operation captured while draining a text
	// burst; it is processed on the next iteration, after the text it
	// followed has been flushed.
	var deferred Operation
	for {
		var op Operation
		if deferred != nil {
			op, deferred = deferred, nil
		} else {
			select {
			case <-ctx.Done():
				return
			case op = <-q.ops:
			}
		}
		q.touch()

		switch v := op.(type) {
		case stopOp:
			q.state.Store(int32(StateStopping))
			q.sendPendingText(ctx, true)
			return
		case barrierOp:
			// The barrier completes only once buffered text is out, but the
			// running message stays open: a barrier is not a remote effect.
			q.sendPendingText(ctx, true)
			close(v.done)
		case TextUpdate:
			q.buf.WriteString(v.Text)
			deferred = q.drainText()
			// A pending non-text operation makes this send final: the text
			// must land before the file/message that follows it.
			q.sendPendingText(ctx, deferred != nil)
		default:
			q.execOp(ctx, op)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// drainText opportunistically absorbs text updates already waiting in the
// channel so a burst of token-level fragments becomes one remote call. The
// first non-text operation encountered stops the drain and is returned to be
// processed after the flush.
func (q *Queue) drainText() Operation {
	for {
		select {
		case op := <-q.ops:
			if t, ok := op.(TextUpdate); ok {
				q.buf.WriteString(t.Text)
				continue
			}
			return op
		default:
			return nil
		}
	}
}

// sendPendingText transmits any text accumulated since the last send.
//
// Non-final sends are skipped while locally throttled; the buffer simply
// keeps growing and catches up on the next opportunity. A final send (a
// non-text operation or shutdown follows) waits out throttle windows instead,
// bounded by FinalFlushRetries so shutdown can never hang on repeated 429s.
func (q *Queue) sendPendingText(ctx context.Context, final bool) {
	if q.buf.Len() == q.sentLen {
		return
	}

	if !final {
		if time.Now().Before(q.throttledUntil) {
			return
		}
		_ = q.sendText(ctx)
		return
	}

	for attempt := 0; ; attempt++ {
		if wait := time.Until(q.throttledUntil); wait > 0 {
			if sleepCtx(ctx, wait) != nil {
				return
			}
		}
		err := q.sendText(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if _, ok := kit.AsRateLimited(err); !ok {
			// Already logged in sendText; not worth holding the queue for.
			return
		}
		if attempt >= q.cfg.FinalFlushRetries {
			q.d.log.Warn("final text flush dropped after repeated rate limits",
				logx.Int("attempts", attempt+1))
			q.publish(eventbus.EventOpDropped, OpEvent{Session: q.session, Kind: "text_update", Error: err.Error()})
			return
		}
	}
}

// sendText posts or updates the running message with the full accumulated
// buffer (the remote message always renders everything streamed so far). On
// a rate-limit rejection it records the local throttle deadline and returns
// the error for the caller to defer or retry.
func (q *Queue) sendText(ctx context.Context) error {
	text := q.buf.String()

	tier := TierPostMessage
	if q.hasCur {
		tier = TierPaginated // message edits sit in the read/update tier
	}
	if err := q.d.limiter.Throttle(ctx, tier); err != nil {
		return err
	}

	var err error
	if !q.hasCur {
		var ref kit.MessageRef
		ref, err = q.d.api.PostMessage(ctx, q.channel, text, nil)
		if err == nil {
			q.cur, q.hasCur = ref, true
		}
	} else {
		err = q.d.api.UpdateMessage(ctx, q.cur, text, nil)
	}

	if err != nil {
		if rl, ok := kit.AsRateLimited(err); ok {
			window := rl.RetryAfter()
			if window <= 0 {
				window = q.cfg.LocalThrottleFallback
			}
			q.throttledUntil = time.Now().Add(window)
			q.d.log.Debug("text send throttled", logx.Duration("window", window))
			q.publish(eventbus.EventThrottled, OpEvent{Session: q.session, Kind: "text_update"})
			return err
		}
		if ctx.Err() == nil {
			q.d.log.Warn("text send failed", logx.Err(err))
		}
		return err
	}

	q.sentLen = q.buf.Len()
	q.publish(eventbus.EventTextSent, OpEvent{Session: q.session, Kind: "text_update"})
	return nil
}

// resetRunningMessage closes the running message so subsequent text starts a
// fresh one. Called whenever a non-text operation executes: appending to a
// message buried above a file or data post would render out of order.
func (q *Queue) resetRunningMessage() {
	q.hasCur = false
	q.cur = kit.MessageRef{}
	q.buf.Reset()
	q.sentLen = 0
}

// execOp handles a single non-text operation. Errors and panics are scoped
// to the operation: they are logged and published, and the worker moves on.
func (q *Queue) execOp(ctx context.Context, op Operation) {
	defer func() {
		if r := recover(); r != nil {
			q.d.log.Error("operation panic",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	// Causal ordering: buffered text lands first, then the running message
	// is closed so later text starts below this operation.
	q.sendPendingText(ctx, true)
	q.resetRunningMessage()

	var (
		kind string
		err  error
	)
	switch v := op.(type) {
	case FileUpload:
		kind = "file_upload"
		err = q.uploadFile(ctx, v)
	case MessagePost:
		kind = "message_post"
		err = q.d.exec.Do(ctx, "message.post", func(ctx context.Context) error {
			if terr := q.d.limiter.Throttle(ctx, TierPostMessage); terr != nil {
				return terr
			}
			_, perr := q.d.api.PostMessage(ctx, q.channel, v.Text, v.Rich)
			return perr
		})
	case MessageUpdate:
		kind = "message_update"
		err = q.d.exec.Do(ctx, "message.update", func(ctx context.Context) error {
			if terr := q.d.limiter.Throttle(ctx, TierPaginated); terr != nil {
				return terr
			}
			return q.d.api.UpdateMessage(ctx, v.Ref, v.Text, v.Rich)
		})
	case MessageDelete:
		kind = "message_delete"
		err = q.d.exec.Do(ctx, "message.delete", func(ctx context.Context) error {
			if terr := q.d.limiter.Throttle(ctx, TierPaginated); terr != nil {
				return terr
			}
			return q.d.api.DeleteMessage(ctx, v.Ref)
		})
	default:
		return
	}

	if err != nil && ctx.Err() == nil {
		q.d.log.Warn("operation failed", logx.String("kind", kind), logx.Err(err))
		q.publish(eventbus.EventOpFailed, OpEvent{Session: q.session, Kind: kind, Error: err.Error()})
	}
}

// uploadFile runs the three-step upload flow (slot, transfer, finalize) and
// blocks on visibility confirmation before the worker continues. A
// placeholder message keeps upload progress pinned to one spot in the thread.
func (q *Queue) uploadFile(ctx context.Context, f FileUpload) error {
	log := q.d.log.With(logx.String("file", f.Filename))
	q.publish(eventbus.EventUploadStarted, UploadEvent{Session: q.session, Filename: f.Filename})

	ph, havePh := q.pendingUploads[f.Filename]
	if !havePh {
		err := q.d.exec.Do(ctx, "message.post", func(ctx context.Context) error {
			if terr := q.d.limiter.Throttle(ctx, TierPostMessage); terr != nil {
				return terr
			}
			ref, perr := q.d.api.PostMessage(ctx, q.channel, fmt.Sprintf("Uploading %s…", f.Filename), nil)
			if perr == nil {
				ph = ref
			}
			return perr
		})
		if err == nil {
			q.pendingUploads[f.Filename] = ph
			havePh = true
		} else {
			log.Debug("upload placeholder post failed", logx.Err(err))
		}
	}

	fail := func(err error) error {
		q.noteUploadFailure(ctx, f.Filename, ph, havePh)
		q.publish(eventbus.EventUploadFailed, UploadEvent{Session: q.session, Filename: f.Filename, Error: err.Error()})
		return err
	}

	var slot kit.UploadSlot
	if err := q.d.exec.Do(ctx, "files.upload_slot", func(ctx context.Context) error {
		if terr := q.d.limiter.Throttle(ctx, TierHighVolume); terr != nil {
			return terr
		}
		s, serr := q.d.api.RequestUploadSlot(ctx, f.Filename, len(f.Content))
		if serr == nil {
			slot = s
		}
		return serr
	}); err != nil {
		return fail(err)
	}

	// The raw transfer goes to a pre-signed destination outside the Web API
	// tiers; only the retry policy applies.
	if err := q.d.exec.Do(ctx, "files.transfer", func(ctx context.Context) error {
		return q.d.api.TransferContent(ctx, slot, f.Content)
	}); err != nil {
		return fail(err)
	}

	if err := q.d.exec.Do(ctx, "files.finalize", func(ctx context.Context) error {
		if terr := q.d.limiter.Throttle(ctx, TierHighVolume); terr != nil {
			return terr
		}
		return q.d.api.FinalizeUpload(ctx, slot.FileID, q.channel, f.Comment)
	}); err != nil {
		return fail(err)
	}

	if err := q.d.poller.WaitVisible(ctx, slot.FileID, q.channel); err != nil {
		if ctx.Err() != nil {
			return err
		}
		// Uploaded but unconfirmed: log and move on rather than stall the
		// rest of the stream.
		log.Warn("upload visibility unconfirmed", logx.Err(err))
		q.publish(eventbus.EventUploadUnconfirmed, UploadEvent{Session: q.session, Filename: f.Filename, FileID: slot.FileID, Error: err.Error()})
	} else {
		q.publish(eventbus.EventUploadVisible, UploadEvent{Session: q.session, Filename: f.Filename, FileID: slot.FileID})
	}

	q.finishUploadPlaceholder(ctx, f.Filename, ph, havePh)
	return nil
}

func (q *Queue) finishUploadPlaceholder(ctx context.Context, filename string, ph kit.MessageRef, havePh bool) {
	delete(q.pendingUploads, filename)
	if !havePh {
		return
	}
	err := q.d.exec.Do(ctx, "message.update", func(ctx context.Context) error {
		if terr := q.d.limiter.Throttle(ctx, TierPaginated); terr != nil {
			return terr
		}
		return q.d.api.UpdateMessage(ctx, ph, fmt.Sprintf("Uploaded %s", filename), nil)
	})
	if err != nil && ctx.Err() == nil {
		q.d.log.Debug("upload placeholder update failed",
			logx.String("file", filename), logx.Err(err))
	}
}

// noteUploadFailure leaves a best-effort error notice in the thread, reusing
// the placeholder message when one exists.
func (q *Queue) noteUploadFailure(ctx context.Context, filename string, ph kit.MessageRef, havePh bool) {
	delete(q.pendingUploads, filename)
	notice := fmt.Sprintf("Failed to upload %s", filename)

	var err error
	if havePh {
		err = q.d.exec.Do(ctx, "message.update", func(ctx context.Context) error {
			if terr := q.d.limiter.Throttle(ctx, TierPaginated); terr != nil {
				return terr
			}
			return q.d.api.UpdateMessage(ctx, ph, notice, nil)
		})
	} else {
		err = q.d.exec.Do(ctx, "message.post", func(ctx context.Context) error {
			if terr := q.d.limiter.Throttle(ctx, TierPostMessage); terr != nil {
				return terr
			}
			_, perr := q.d.api.PostMessage(ctx, q.channel, notice, nil)
			return perr
		})
	}
	if err != nil && ctx.Err() == nil {
		q.d.log.Debug("upload failure notice failed",
			logx.String("file", filename), logx.Err(err))
	}
}

func (q *Queue) publish(typ string, data any) {
	if q.d.bus == nil {
		return
	}
	q.d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
