package realtime

import "fmt"

// ConnectionError reports that the transport or an initial fetch required
// to bring a session up is unreachable. It is retried with backoff and
// surfaced as a degraded status, never as a fatal condition.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError reports a failed request/response call against the storage
// layer. A fetch failure for one room never affects another room's state.
type FetchError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *FetchError) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("fetch: %s (room %s): %v", e.Op, e.RoomID, e.Err)
	}
	return fmt.Sprintf("fetch: %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError reports a malformed broadcast payload. Malformed events
// are logged and dropped; they never break the listener chain.
type ValidationError struct {
	Event string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
