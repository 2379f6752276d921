package claude

import (
	"fmt"
	"time"
)

// SpawnError indicates the CLI process could not be started at all
// (binary missing, not executable, PTY allocation failed). Not retried.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IOError indicates a read or write on a running process failed
// (broken pipe, closed descriptor). Fatal for the current run.
type IOError struct {
	Op  string // "write", "read"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("process %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// TimeoutError indicates no terminal event arrived within the configured
// timeout. The process has already been terminated when this surfaces.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session timed out after %s", e.Elapsed.Round(time.Second))
}

// PermissionDeniedError indicates the CLI rejected a tool invocation during
// execution. Recoverable by restarting with permissions skipped, up to the
// retry ceiling; Exhausted is set when the ceiling was reached.
type PermissionDeniedError struct {
	Reason    string
	Retries   int
	Exhausted bool
}

func (e *PermissionDeniedError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("permission retries exhausted after %d attempts: %s", e.Retries, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s", e.Reason)
}

// BusyError is returned by the concurrency gate when a channel already has
// an active session. It is a pre-condition rejection, not a session failure.
type BusyError struct {
	ChannelKey   string
	ActivePrompt string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("channel %s is busy with: %s", e.ChannelKey, e.ActivePrompt)
}
