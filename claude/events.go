package claude

// EventType identifies the kind of a decoded stream event.
type EventType int

const (
	// EventRawText is a line that failed structured decode. Emitted verbatim
	// so log lines interleaved with the JSON stream are preserved, never fatal.
	EventRawText EventType = iota

	// EventText is an assistant text block.
	EventText

	// EventToolUse announces a tool invocation.
	EventToolUse

	// EventToolResult reports the outcome of a tool invocation.
	EventToolResult

	// EventPermissionRequest asks the human to approve a tool invocation.
	EventPermissionRequest

	// EventInputRequest asks the human a free-text question.
	EventInputRequest

	// EventPermissionDenied reports that a tool invocation was rejected
	// mid-run. Triggers the terminate-and-restart cycle.
	EventPermissionDenied

	// EventResult is the terminal event of a run, carrying the final text.
	EventResult
)

// String returns a short label for the event type.
func (t EventType) String() string {
	switch t {
	case EventRawText:
		return "raw_text"
	case EventText:
		return "text"
	case EventToolUse:
		return "tool_use"
	case EventToolResult:
		return "tool_result"
	case EventPermissionRequest:
		return "permission_request"
	case EventInputRequest:
		return "input_request"
	case EventPermissionDenied:
		return "permission_denied"
	case EventResult:
		return "result"
	default:
		return "unknown"
	}
}

// Event is one decoded unit of the CLI's stream output. Immutable once
// constructed; produced by the Parser, consumed once by the state machine.
type Event struct {
	Type EventType

	// Text carries assistant text, the raw line for EventRawText, the final
	// text for EventResult, or the question for EventInputRequest.
	Text string

	// Tool fields, set for EventToolUse, EventToolResult and
	// EventPermissionRequest.
	ToolName  string
	ToolInput string
	ToolUseID string
	Path      string

	// IsError is set on EventToolResult and EventResult when the underlying
	// message reported a failure. The failure reason is in Text.
	IsError bool
}
