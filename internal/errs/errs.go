// Package errs defines the typed error kinds that cross component boundaries
// in the chat/echo service, per the error handling design.
package errs

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) at the call site so
// callers can errors.Is against a stable value while still getting context.
var (
	// BadRequest marks input validation failures at the HTTP/WS entry.
	// Surfaced to the caller as a 4xx; never counted in app_errors_total.
	BadRequest = errors.New("bad request")

	// StoreUnavailable marks a KV store call that failed or timed out.
	// Reads degrade to absent; writes are logged and counted, not retried.
	StoreUnavailable = errors.New("store unavailable")

	// FrameWriteFailed marks a failed write to a connection's socket.
	FrameWriteFailed = errors.New("frame write failed")

	// FrameReadFailed marks a failed read from a connection's socket.
	FrameReadFailed = errors.New("frame read failed")

	// QueueFull marks a bounded sink that dropped a frame under backpressure.
	QueueFull = errors.New("queue full")

	// BroadcastDeadlineExceeded marks a broadcast fan-out that did not finish
	// within its deadline; the broadcast was partial.
	BroadcastDeadlineExceeded = errors.New("broadcast deadline exceeded")

	// ShutdownDeadlineExceeded marks a shutdown phase that ran past its
	// bound; shutdown proceeds regardless.
	ShutdownDeadlineExceeded = errors.New("shutdown deadline exceeded")
)
