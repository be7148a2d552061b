package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

// apiCall records one Messenger invocation for assertions.
type apiCall struct {
	Method string
	Text   string
	Ref    kit.MessageRef
	File   string
	At     time.Time
}

// fakeAPI is an in-memory Messenger. Errors are scripted per method and
// consumed in call order; once a script runs out the method succeeds.
type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	seq   int

	postErrs     []error
	updateErrs   []error
	deleteErrs   []error
	slotErrs     []error
	transferErrs []error
	finalizeErrs []error
	metaErrs     []error

	// visibleAfter is how many FileMetadata calls report "not shared yet"
	// before the file shows up in metaChannel.
	visibleAfter int
	metaChannel  string
	metaCalls    int

	// hook, when set, runs at the start of every call (used to block the
	// worker at a known point).
	hook func(method string)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{metaChannel: "C1"}
}

func (a *fakeAPI) record(c apiCall) {
	c.At = time.Now()
	a.calls = append(a.calls, c)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (a *fakeAPI) enter(method string) {
	a.mu.Lock()
	hook := a.hook
	a.mu.Unlock()
	if hook != nil {
		hook(method)
	}
}

func (a *fakeAPI) PostMessage(_ context.Context, channel, text string, _ any) (kit.MessageRef, error) {
	a.enter("chat.postMessage")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(apiCall{Method: "chat.postMessage", Text: text})
	if err := pop(&a.postErrs); err != nil {
		return kit.MessageRef{}, err
	}
	a.seq++
	return kit.MessageRef{Channel: channel, ID: fmt.Sprintf("100.%06d", a.seq)}, nil
}

func (a *fakeAPI) UpdateMessage(_ context.Context, ref kit.MessageRef, text string, _ any) error {
	a.enter("chat.update")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(apiCall{Method: "chat.update", Text: text, Ref: ref})
	return pop(&a.updateErrs)
}

func (a *fakeAPI) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	a.enter("chat.delete")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(apiCall{Method: "chat.delete", Ref: ref})
	return pop(&a.deleteErrs)
}

func (a *fakeAPI) RequestUploadSlot(_ context.Context, filename string, _ int) (kit.UploadSlot, error) {
	a.enter("files.getUploadURLExternal")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(apiCall{Method: "files.getUploadURLExternal", File: filename})
	if err := pop(&a.slotErrs); err != nil {
		return kit.UploadSlot{}, err
	}
	a.seq++
	return kit.UploadSlot{URL: "https://upload.invalid/" + filename, FileID: fmt.Sprintf("F%06d", a.seq)}, nil
}

func (a *fakeAPI) TransferContent(_ context.Context, slot kit.UploadSlot, _ []byte) error {
	a.enter("upload.transfer")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(apiCall{Method: "upload.transfer", File: slot.FileID})
	return pop(&a.transferErrs)
}

func (a *fakeAPI) FinalizeUpload(_ context.Context, fileID, _, comment string) error {
	a.enter("files.completeUploadExternal")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(apiCall{Method: "files.completeUploadExternal", File: fileID, Text: comment})
	return pop(&a.finalizeErrs)
}

func (a *fakeAPI) FileMetadata(_ context.Context, fileID string) (kit.FileInfo, error) {
	a.enter("files.info")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(apiCall{Method: "files.info", File: fileID})
	if err := pop(&a.metaErrs); err != nil {
		return kit.FileInfo{}, err
	}
	a.metaCalls++
	if a.metaCalls <= a.visibleAfter {
		return kit.FileInfo{ID: fileID}, nil
	}
	return kit.FileInfo{ID: fileID, SharedIn: []string{a.metaChannel}}, nil
}

func (a *fakeAPI) snapshot() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

func (a *fakeAPI) methods() []string {
	calls := a.snapshot()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

func (a *fakeAPI) count(method string) int {
	n := 0
	for _, c := range a.snapshot() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (a *fakeAPI) lastText(method string) string {
	calls := a.snapshot()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method {
			return calls[i].Text
		}
	}
	return ""
}

// noThrottle disables tier pacing entirely.
func noThrottle() *TierLimiter {
	return NewTierLimiter(map[Tier]time.Duration{})
}

func testConfig() Config {
	return Config{
		QueueSize:             64,
		StopTimeout:           2 * time.Second,
		FinalFlushRetries:     3,
		LocalThrottleFallback: 10 * time.Millisecond,
		Retry:                 RetryConfig{MaxRetries: 2, FallbackDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Visibility:            VisibilityConfig{Timeout: 200 * time.Millisecond, InitialDelay: time.Millisecond, BackoffFactor: 1.5, MaxDelay: 5 * time.Millisecond},
	}
}

func newTestQueue(t *testing.T, api *fakeAPI, cfg Config) *Queue {
	t.Helper()
	d := deps{
		api:     api,
		limiter: noThrottle(),
		exec:    NewExecutor(cfg.Retry, logx.Nop(), nil),
		poller:  NewPoller(api, nil, cfg.Visibility, logx.Nop()),
		log:     logx.Nop(),
		bus:     nil,
	}
	q := newQueue("sess-1", "C1", d, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func joinMethods(methods []string) string {
	return strings.Join(methods, " -> ")
}
