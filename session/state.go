package session

// State is the tagged lifecycle state of a session. The waiting states and
// the terminal states are mutually exclusive by construction, so illegal
// flag combinations cannot be represented.
type State int

const (
	// StateIdle is the zero state before Run is called.
	StateIdle State = iota

	// StateStarting covers spawn until the first successful read.
	StateStarting

	// StateRunning means the process is producing output.
	StateRunning

	// StateWaitingPermission means a permission request is pending a human
	// decision. No output is produced while waiting.
	StateWaitingPermission

	// StateWaitingInput means a free-text question is pending an answer.
	StateWaitingInput

	// StateCompleted is the successful terminal state.
	StateCompleted

	// StateFailed is the fatal terminal state; the session's Err explains why.
	StateFailed

	// StateCancelled is the terminal state after an external abort.
	StateCancelled
)

// String returns a short human-readable label.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateWaitingPermission:
		return "waiting for permission"
	case StateWaitingInput:
		return "waiting for input"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Waiting reports whether the session is suspended on a human response.
// Both waiting states imply the process is alive.
func (s State) Waiting() bool {
	return s == StateWaitingPermission || s == StateWaitingInput
}
