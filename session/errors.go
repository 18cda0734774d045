package session

import "fmt"

// ConnectionError wraps a transport-level failure (dial, reset, broken
// pipe). These are the only errors the retry policy is allowed to retry.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable marks connection failures as transient.
func (e *ConnectionError) Retryable() bool { return true }

// NotFoundError is the server telling us a session id no longer exists.
// The client reacts by expiring the local record and recreating the
// session once; it is not surfaced to callers unless recreation fails too.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// ValidationError reports a malformed request (missing payload, bad
// image). Never retried, surfaced immediately.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ServerError covers 5xx responses from the detection service.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Message)
}

// CreationError is surfaced when session creation fails after the retry
// budget is exhausted.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("session creation failed: %v", e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }
