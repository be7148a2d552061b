package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MessageRef identifies a message previously posted to a channel.
// For Slack-shaped APIs the ID is the message timestamp.
type MessageRef struct {
	Channel string
	ID      string
}

func (r MessageRef) IsZero() bool { return r.Channel == "" && r.ID == "" }

// UploadSlot is a reserved destination for a single file upload.
type UploadSlot struct {
	URL    string
	FileID string
}

// FileInfo is the subset of upload metadata the engine cares about:
// where the file is currently attached/shared.
type FileInfo struct {
	ID string

	// SharedIn lists channel ids the file is shared into, merging public
	// and private share records (either may apply to a given channel).
	SharedIn []string
}

// SharedInChannel reports whether the file is attached to the given channel.
func (f FileInfo) SharedInChannel(channel string) bool {
	for _, c := range f.SharedIn {
		if c == channel {
			return true
		}
	}
	return false
}

// Messenger is the capability surface the delivery engine consumes from a
// remote chat API client. Implementations must be safe for concurrent use;
// every method is fallible and may return a rate-limited error (see
// RateLimited) carrying an optional retry-after hint.
//
// Rich is an adapter-specific structured payload (Slack: []slack.Block);
// the engine passes it through opaquely.
type Messenger interface {
	PostMessage(ctx context.Context, channel, text string, rich any) (MessageRef, error)
	UpdateMessage(ctx context.Context, ref MessageRef, text string, rich any) error
	DeleteMessage(ctx context.Context, ref MessageRef) error

	RequestUploadSlot(ctx context.Context, filename string, size int) (UploadSlot, error)
	TransferContent(ctx context.Context, slot UploadSlot, content []byte) error
	FinalizeUpload(ctx context.Context, fileID, channel, comment string) error
	FileMetadata(ctx context.Context, fileID string) (FileInfo, error)
}

// RateLimited wraps err as an over-quota rejection with a suggested delay
// before retrying. after may be zero when the server gave no hint.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// RateLimitedError is implemented by errors that signal an over-quota
// rejection from the remote API.
type RateLimitedError interface {
	error
	RetryAfter() time.Duration
}

// AsRateLimited extracts a rate-limited error from err's chain.
func AsRateLimited(err error) (RateLimitedError, bool) {
	var rl RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.after, e.err)
}
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.after }
