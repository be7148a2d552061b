// Package delivery renders a live stream of task output events (incremental
// text, file attachments, message posts/updates/deletes) into a single
// conversation thread on a rate-limited chat API.
//
// # Architecture
//
// One Queue per session: producers enqueue typed operations and return
// immediately; a single worker goroutine drains them in order, coalescing
// bursts of text into one running message, flushing buffered text before any
// non-text operation, and waiting for upload visibility before moving on.
//
// All queues share one TierLimiter so that concurrent sessions collectively
// respect the remote API's per-tier budgets, and one Executor that retries
// individual calls on rate-limit rejections.
//
// # Delivery semantics
//
// Best-effort, at-least-once. Failures are scoped to the operation that
// caused them: they are logged, surfaced on the event bus, and where feasible
// turned into an error notice in the thread, but they never stop the worker
// or propagate to producers. Nothing is persisted across restarts.
package delivery
