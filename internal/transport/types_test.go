package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRateLimitedClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("429 Too Many Requests")
	err := RateLimited(base, 7*time.Second)

	rl, ok := AsRateLimited(err)
	if !ok {
		t.Fatal("RateLimited error not recognized")
	}
	if rl.RetryAfter() != 7*time.Second {
		t.Fatalf("retry after = %v, want 7s", rl.RetryAfter())
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapping lost the underlying error")
	}

	// The classification survives further wrapping.
	wrapped := fmt.Errorf("chat.postMessage: %w", err)
	if _, ok := AsRateLimited(wrapped); !ok {
		t.Fatal("wrapped RateLimited error not recognized")
	}

	if _, ok := AsRateLimited(errors.New("plain")); ok {
		t.Fatal("plain error misclassified as rate limited")
	}
	if RateLimited(nil, time.Second) != nil {
		t.Fatal("RateLimited(nil) must be nil")
	}
	if rl := RateLimited(base, -time.Second); rl.(RateLimitedError).RetryAfter() != 0 {
		t.Fatal("negative hints must clamp to zero")
	}
}

func TestSharedInChannel(t *testing.T) {
	t.Parallel()

	f := FileInfo{ID: "F1", SharedIn: []string{"C1", "C2"}}
	if !f.SharedInChannel("C2") {
		t.Fatal("expected C2 to be shared")
	}
	if f.SharedInChannel("C9") {
		t.Fatal("C9 should not be shared")
	}
	if (FileInfo{}).SharedInChannel("C1") {
		t.Fatal("empty share list should match nothing")
	}
}

func TestMessageRefIsZero(t *testing.T) {
	t.Parallel()

	if !(MessageRef{}).IsZero() {
		t.Fatal("zero ref must report IsZero")
	}
	if (MessageRef{Channel: "C1", ID: "1.0"}).IsZero() {
		t.Fatal("populated ref must not report IsZero")
	}
}
