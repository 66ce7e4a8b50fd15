package eventbus

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned by CircuitBreaker.Call while the breaker is
	// open and its cool-down has not elapsed. The publisher converts it into a
	// buffered event; it never reaches typed publisher callers.
	ErrCircuitOpen = errors.New("eventbus: circuit breaker open")

	// ErrPublishTimeout marks a publish attempt that did not complete within the
	// configured per-attempt timeout. It counts as a failed attempt.
	ErrPublishTimeout = errors.New("eventbus: publish timeout")

	// ErrInvalidEnvelope is returned for malformed envelopes or payloads.
	ErrInvalidEnvelope = errors.New("eventbus: invalid envelope")

	// ErrUnknownQueue is returned when a queue outside the configured set is used.
	ErrUnknownQueue = errors.New("eventbus: unknown queue")

	// ErrPublisherClosed is returned by publish calls made after Close.
	ErrPublisherClosed = errors.New("eventbus: publisher closed")

	// ErrNotConnected is the cause wrapped by ConnectionError when an operation
	// needs a channel that does not exist.
	ErrNotConnected = errors.New("eventbus: broker not connected")
)

// ConnectionError reports that the broker could not be reached.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("eventbus: broker %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HandlerError wraps a failure returned by a consumer handler. The message that
// produced it is dropped (acknowledged without redelivery).
type HandlerError struct {
	Queue Queue
	Role  string
	ID    string
	Err   error
}

func (e *HandlerError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("eventbus: %s handler %q failed for event %s: %v", e.Queue, e.Role, e.ID, e.Err)
	}
	return fmt.Sprintf("eventbus: %s handler failed for event %s: %v", e.Queue, e.ID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DiskWriteError reports that an event could not be appended to the overflow
// log. The event is lost.
type DiskWriteError struct {
	Path string
	Err  error
}

func (e *DiskWriteError) Error() string {
	return fmt.Sprintf("eventbus: overflow write %s: %v", e.Path, e.Err)
}

func (e *DiskWriteError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err signals broker unavailability.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
