package delivery

import "errors"

var (
	ErrStopped     = errors.New("delivery queue stopped")
	ErrQueueFull   = errors.New("delivery queue full")
	ErrStopTimeout = errors.New("delivery queue stop timed out")

	ErrEmptyText     = errors.New("empty text update")
	ErrEmptyFilename = errors.New("empty filename")
	ErrEmptyContent  = errors.New("empty file content")
	ErrEmptyRef      = errors.New("empty message reference")

	// ErrNotVisible means the upload completed but the remote API never
	// confirmed the file as shared in the target channel within the
	// configured window. Callers treat this as a delivery anomaly, not a
	// fatal condition.
	ErrNotVisible = errors.New("upload visibility not confirmed")
)
