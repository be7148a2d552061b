package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	kit "threadflow/internal/transport"
)

func TestQueueCoalescesTextBurst(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	api.hook = func(method string) {
		if method == "chat.delete" {
			once.Do(func() { close(started) })
			<-gate
		}
	}

	q := newTestQueue(t, api, testConfig())

	// Park the worker on an unrelated operation, then pile up fragments.
	if err := q.EnqueueMessageDelete(kit.MessageRef{Channel: "C1", ID: "1.0"}); err != nil {
		t.Fatal(err)
	}
	<-started

	fragments := []string{"alpha ", "beta ", "gamma ", "delta ", "epsilon"}
	for _, f := range fragments {
		if err := q.EnqueueTextUpdate(f); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.WaitUntilComplete(ctx); err != nil {
		t.Fatal(err)
	}

	if got := api.count("chat.postMessage"); got != 1 {
		t.Fatalf("post calls = %d, want 1 (burst should coalesce); calls: %s", got, joinMethods(api.methods()))
	}
	if got, want := api.lastText("chat.postMessage"), "alpha beta gamma delta epsilon"; got != want {
		t.Fatalf("posted text = %q, want %q", got, want)
	}
}

func TestQueueRunningMessageUpdatesInPlace(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	q := newTestQueue(t, api, testConfig())

	if err := q.EnqueueTextUpdate("hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return api.count("chat.postMessage") == 1 }, "first post")

	if err := q.EnqueueTextUpdate(" world"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return api.count("chat.update") == 1 }, "in-place update")

	if got := api.count("chat.postMessage"); got != 1 {
		t.Fatalf("post calls = %d, want 1 (appends must edit, not repost)", got)
	}
	if got, want := api.lastText("chat.update"), "hello world"; got != want {
		t.Fatalf("updated text = %q, want %q (edits carry the full buffer)", got, want)
	}
}

func TestQueueTextThenFileCausalOrdering(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	q := newTestQueue(t, api, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := q.EnqueueTextUpdate("progress"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return api.count("chat.postMessage") == 1 }, "text post")

	if err := q.EnqueueFileUpload("out.txt", []byte("data"), "done"); err != nil {
		t.Fatal(err)
	}
	if err := q.WaitUntilComplete(ctx); err != nil {
		t.Fatal(err)
	}

	want := joinMethods([]string{
		"chat.postMessage",           // running text
		"chat.postMessage",           // upload placeholder
		"files.getUploadURLExternal", // slot
		"upload.transfer",            // raw content
		"files.completeUploadExternal",
		"files.info",  // visibility confirm
		"chat.update", // placeholder resolved
	})
	if got := joinMethods(api.methods()); got != want {
		t.Fatalf("call order = %s\nwant       = %s", got, want)
	}

	// Text after a file starts a fresh message below it.
	if err := q.EnqueueTextUpdate("after"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return api.count("chat.postMessage") == 3 }, "new message after file")
	if got, want := api.lastText("chat.postMessage"), "after"; got != want {
		t.Fatalf("text after file = %q, want %q", got, want)
	}
}

func TestQueueThrottledTextFlushedOnStop(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.postErrs = []error{kit.RateLimited(errors.New("429"), 30*time.Millisecond)}
	q := newTestQueue(t, api, testConfig())

	for _, f := range []string{"a", "b", "c"} {
		if err := q.EnqueueTextUpdate(f); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got, want := api.lastText("chat.postMessage"), "abc"; got != want {
		t.Fatalf("final flush text = %q, want %q", got, want)
	}
	if got := q.State(); got != StateStopped {
		t.Fatalf("state = %v, want %v", got, StateStopped)
	}
}

func TestQueueFinalFlushDroppedAfterRepeatedRateLimits(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	limited := kit.RateLimited(errors.New("429"), 2*time.Millisecond)
	for i := 0; i < 10; i++ {
		api.postErrs = append(api.postErrs, limited)
	}

	cfg := testConfig()
	cfg.FinalFlushRetries = 2
	cfg.LocalThrottleFallback = 2 * time.Millisecond
	q := newTestQueue(t, api, cfg)

	if err := q.EnqueueTextUpdate("never lands"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop must not hang on persistent 429s: %v", err)
	}
	if got := q.State(); got != StateStopped {
		t.Fatalf("state = %v, want %v", got, StateStopped)
	}
}

func TestQueueOverflowRejected(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	api.hook = func(method string) {
		if method == "chat.delete" {
			once.Do(func() { close(started) })
			<-gate
		}
	}

	cfg := testConfig()
	cfg.QueueSize = 1
	q := newTestQueue(t, api, cfg)
	defer close(gate)

	if err := q.EnqueueMessageDelete(kit.MessageRef{Channel: "C1", ID: "1.0"}); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := q.EnqueueTextUpdate("fits"); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueTextUpdate("overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestQueueRejectsAfterStop(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	q := newTestQueue(t, api, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	if err := q.EnqueueTextUpdate("late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue err = %v, want ErrStopped", err)
	}
	if err := q.WaitUntilComplete(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("wait err = %v, want ErrStopped", err)
	}
	// Stop is idempotent.
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	q := newTestQueue(t, api, testConfig())
	ref := kit.MessageRef{Channel: "C1", ID: "1.0"}

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"empty text", func() error { return q.EnqueueTextUpdate("") }, ErrEmptyText},
		{"empty filename", func() error { return q.EnqueueFileUpload("  ", []byte("x"), "") }, ErrEmptyFilename},
		{"empty content", func() error { return q.EnqueueFileUpload("a.txt", nil, "") }, ErrEmptyContent},
		{"empty post", func() error { return q.EnqueueMessagePost("", nil) }, ErrEmptyText},
		{"update zero ref", func() error { return q.EnqueueMessageUpdate(kit.MessageRef{}, "x", nil) }, ErrEmptyRef},
		{"update empty body", func() error { return q.EnqueueMessageUpdate(ref, "", nil) }, ErrEmptyText},
		{"delete zero ref", func() error { return q.EnqueueMessageDelete(kit.MessageRef{}) }, ErrEmptyRef},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestQueueSurvivesOperationFailure(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.deleteErrs = []error{fmt.Errorf("message_not_found")}
	q := newTestQueue(t, api, testConfig())

	if err := q.EnqueueMessageDelete(kit.MessageRef{Channel: "C1", ID: "1.0"}); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueTextUpdate("still alive"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return api.count("chat.postMessage") == 1 }, "text after failed op")
	if got := q.State(); got != StateRunning {
		t.Fatalf("state = %v, want %v", got, StateRunning)
	}
}

func TestQueueUploadFailureLeavesNotice(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.slotErrs = []error{fmt.Errorf("invalid_auth")}
	q := newTestQueue(t, api, testConfig())

	if err := q.EnqueueFileUpload("report.csv", []byte("1,2"), ""); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.WaitUntilComplete(ctx); err != nil {
		t.Fatal(err)
	}

	want := joinMethods([]string{
		"chat.postMessage",           // placeholder
		"files.getUploadURLExternal", // fails
		"chat.update",                // failure notice on the placeholder
	})
	if got := joinMethods(api.methods()); got != want {
		t.Fatalf("call order = %s\nwant       = %s", got, want)
	}
	if got, want := api.lastText("chat.update"), "Failed to upload report.csv"; got != want {
		t.Fatalf("notice = %q, want %q", got, want)
	}
}

func TestQueueStopDrainsFullQueueGracefully(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	api.hook = func(method string) {
		if method == "chat.delete" {
			once.Do(func() { close(started) })
			<-gate
		}
	}

	cfg := testConfig()
	cfg.QueueSize = 1
	q := newTestQueue(t, api, cfg)

	// Park the worker in a remote call and fill the channel behind it.
	if err := q.EnqueueMessageDelete(kit.MessageRef{Channel: "C1", ID: "1.0"}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := q.EnqueueTextUpdate("tail"); err != nil {
		t.Fatal(err)
	}

	// Stop finds the channel full; it must keep offering the sentinel within
	// the stop timeout instead of force-cancelling right away.
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- q.Stop(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	close(gate)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the worker freed up")
	}

	if got, want := api.lastText("chat.postMessage"), "tail"; got != want {
		t.Fatalf("flushed text = %q, want %q (queued text must survive a full-queue stop)", got, want)
	}
	if got := q.State(); got != StateStopped {
		t.Fatalf("state = %v, want %v", got, StateStopped)
	}
}

func TestQueueProceedsPastUnconfirmedUpload(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.visibleAfter = 1 << 30 // metadata never reports the file as shared

	cfg := testConfig()
	cfg.Visibility = VisibilityConfig{Timeout: 30 * time.Millisecond, InitialDelay: time.Millisecond, BackoffFactor: 1.5, MaxDelay: 5 * time.Millisecond}
	q := newTestQueue(t, api, cfg)

	if err := q.EnqueueFileUpload("slow.bin", []byte{1}, ""); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueTextUpdate("carry on"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.WaitUntilComplete(ctx); err != nil {
		t.Fatal(err)
	}

	// The visibility timeout is a delivery anomaly, not a worker failure.
	if got := api.count("files.info"); got == 0 {
		t.Fatal("expected at least one metadata poll")
	}
	if got, want := api.lastText("chat.update"), "Uploaded slow.bin"; got != want {
		t.Fatalf("placeholder resolution = %q, want %q", got, want)
	}
	if got, want := api.lastText("chat.postMessage"), "carry on"; got != want {
		t.Fatalf("text after unconfirmed upload = %q, want %q", got, want)
	}
	if got := q.State(); got != StateRunning {
		t.Fatalf("state = %v, want %v", got, StateRunning)
	}
}

func TestQueueUploadRetriesRateLimitedSlot(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.slotErrs = []error{kit.RateLimited(errors.New("429"), time.Millisecond)}
	q := newTestQueue(t, api, testConfig())

	if err := q.EnqueueFileUpload("big.bin", []byte{1, 2, 3}, ""); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.WaitUntilComplete(ctx); err != nil {
		t.Fatal(err)
	}

	if got := api.count("files.getUploadURLExternal"); got != 2 {
		t.Fatalf("slot requests = %d, want 2 (one 429, one retry)", got)
	}
	if got := api.count("files.completeUploadExternal"); got != 1 {
		t.Fatalf("finalize calls = %d, want 1", got)
	}
	if got, want := api.lastText("chat.update"), "Uploaded big.bin"; got != want {
		t.Fatalf("placeholder resolution = %q, want %q", got, want)
	}
}
