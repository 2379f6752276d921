package claude

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParser_AssistantText(t *testing.T) {
	p := NewParser(testLogger())

	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello there"}]}}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventText {
		t.Errorf("expected EventText, got %v", events[0].Type)
	}
	if events[0].Text != "Hello there" {
		t.Errorf("expected 'Hello there', got %q", events[0].Text)
	}
}

func TestParser_ToolUse(t *testing.T) {
	p := NewParser(testLogger())

	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls -la"}}]}}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventToolUse {
		t.Errorf("expected EventToolUse, got %v", ev.Type)
	}
	if ev.ToolName != "Bash" {
		t.Errorf("expected tool Bash, got %q", ev.ToolName)
	}
	if ev.ToolUseID != "tu_1" {
		t.Errorf("expected tool use id tu_1, got %q", ev.ToolUseID)
	}
	if ev.ToolInput != "ls -la" {
		t.Errorf("expected input 'ls -la', got %q", ev.ToolInput)
	}
}

func TestParser_ChunkBoundaries(t *testing.T) {
	// The same byte stream must yield the same events regardless of how it
	// is split across Feed calls.
	stream := `{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}` + "\n" +
		`{"type":"result","result":"done","session_id":"abc-123"}` + "\n"

	whole := NewParser(testLogger())
	expected := whole.Feed([]byte(stream))

	// Try a range of split sizes, including mid-line splits
	for _, size := range []int{1, 3, 7, 16, 64} {
		p := NewParser(testLogger())
		var got []Event
		data := []byte(stream)
		for start := 0; start < len(data); start += size {
			end := start + size
			if end > len(data) {
				end = len(data)
			}
			got = append(got, p.Feed(data[start:end])...)
		}

		if len(got) != len(expected) {
			t.Fatalf("split size %d: got %d events, want %d", size, len(got), len(expected))
		}
		for i := range got {
			if got[i] != expected[i] {
				t.Errorf("split size %d: event %d = %+v, want %+v", size, i, got[i], expected[i])
			}
		}
		if p.SessionID() != "abc-123" {
			t.Errorf("split size %d: session id %q, want abc-123", size, p.SessionID())
		}
	}
}

func TestParser_MalformedLine(t *testing.T) {
	p := NewParser(testLogger())

	stream := `{"type":"assistant","message":{"content":[{"type":"text","text":"before"}]}}` + "\n" +
		`{this is not json` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"after"}]}}` + "\n"

	events := p.Feed([]byte(stream))

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventText || events[0].Text != "before" {
		t.Errorf("event 0 = %+v, want text 'before'", events[0])
	}
	if events[1].Type != EventRawText {
		t.Errorf("event 1 = %+v, want EventRawText", events[1])
	}
	if events[1].Text != `{this is not json` {
		t.Errorf("raw text = %q, want the malformed line verbatim", events[1].Text)
	}
	if events[2].Type != EventText || events[2].Text != "after" {
		t.Errorf("event 2 = %+v, want text 'after'", events[2])
	}
}

func TestParser_NonJSONLine(t *testing.T) {
	p := NewParser(testLogger())

	events := p.Feed([]byte("some verbose log output\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventRawText || events[0].Text != "some verbose log output" {
		t.Errorf("got %+v, want raw text event", events[0])
	}
}

func TestParser_SessionIDFirstWins(t *testing.T) {
	p := NewParser(testLogger())

	p.Feed([]byte(`{"type":"system","subtype":"init","session_id":"first-id"}` + "\n"))
	if p.SessionID() != "first-id" {
		t.Fatalf("session id = %q, want first-id", p.SessionID())
	}

	p.Feed([]byte(`{"type":"result","result":"ok","session_id":"second-id"}` + "\n"))
	if p.SessionID() != "first-id" {
		t.Errorf("session id = %q, first capture should win", p.SessionID())
	}
}

func TestParser_SessionIDCamelCase(t *testing.T) {
	p := NewParser(testLogger())

	p.Feed([]byte(`{"type":"system","subtype":"init","sessionId":"camel-id"}` + "\n"))
	if p.SessionID() != "camel-id" {
		t.Errorf("session id = %q, want camel-id", p.SessionID())
	}
}

func TestParser_PermissionRequest(t *testing.T) {
	p := NewParser(testLogger())

	line := `{"type":"system","subtype":"permission_request","tool_name":"Edit","path":"/tmp/main.go","summary":"edit main.go"}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventPermissionRequest {
		t.Errorf("expected EventPermissionRequest, got %v", ev.Type)
	}
	if ev.ToolName != "Edit" || ev.Path != "/tmp/main.go" {
		t.Errorf("unexpected request fields: %+v", ev)
	}
}

func TestParser_InputRequest(t *testing.T) {
	p := NewParser(testLogger())

	line := `{"type":"system","subtype":"input_request","prompt":"Which branch?"}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventInputRequest || events[0].Text != "Which branch?" {
		t.Errorf("got %+v, want input request 'Which branch?'", events[0])
	}
}

func TestParser_ToolResultOK(t *testing.T) {
	p := NewParser(testLogger())

	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"file written"}]}}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventToolResult || ev.IsError {
		t.Errorf("got %+v, want successful tool result", ev)
	}
	if ev.ToolUseID != "tu_1" {
		t.Errorf("tool use id = %q, want tu_1", ev.ToolUseID)
	}
}

func TestParser_PermissionDenialDetection(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		denied bool
	}{
		{"requires approval", "This command requires approval from the user", true},
		{"havent granted", "You haven't granted Bash permission for this directory", true},
		{"was blocked", "The edit was blocked", true},
		{"permission word", "Permission to write /etc denied", true},
		{"ordinary failure", "exit status 1: file not found", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(testLogger())
			line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_9","is_error":true,"content":` + quoteJSON(tt.text) + `}]}}` + "\n"
			events := p.Feed([]byte(line))

			wantEvents := 1
			if tt.denied {
				wantEvents = 2
			}
			if len(events) != wantEvents {
				t.Fatalf("got %d events, want %d", len(events), wantEvents)
			}
			if events[0].Type != EventToolResult || !events[0].IsError {
				t.Errorf("event 0 = %+v, want error tool result", events[0])
			}
			if tt.denied {
				if events[1].Type != EventPermissionDenied {
					t.Errorf("event 1 = %+v, want EventPermissionDenied", events[1])
				}
				if events[1].Text != tt.text {
					t.Errorf("denial reason = %q, want %q", events[1].Text, tt.text)
				}
			}
		})
	}
}

func TestParser_DenialRequiresErrorFlag(t *testing.T) {
	// A successful tool result mentioning "permission" is not a denial.
	p := NewParser(testLogger())
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"changed file permission bits"}]}}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 1 || events[0].Type != EventToolResult {
		t.Fatalf("got %+v, want a single tool result", events)
	}
}

func TestParser_ToolResultBlockContent(t *testing.T) {
	p := NewParser(testLogger())

	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_2","is_error":true,"content":[{"type":"text","text":"Bash requires approval"}]}]}}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 2 {
		t.Fatalf("expected tool result + denial, got %d events", len(events))
	}
	if events[1].Type != EventPermissionDenied || events[1].Text != "Bash requires approval" {
		t.Errorf("got %+v, want denial with flattened block text", events[1])
	}
}

func TestParser_Result(t *testing.T) {
	p := NewParser(testLogger())

	events := p.Feed([]byte(`{"type":"result","subtype":"success","result":"All done","session_id":"s-1"}` + "\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventResult || ev.IsError {
		t.Errorf("got %+v, want successful result", ev)
	}
	if ev.Text != "All done" {
		t.Errorf("result text = %q, want 'All done'", ev.Text)
	}
	if p.SessionID() != "s-1" {
		t.Errorf("session id = %q, want s-1", p.SessionID())
	}
}

func TestParser_ResultError(t *testing.T) {
	p := NewParser(testLogger())

	events := p.Feed([]byte(`{"type":"result","subtype":"error_during_execution","error":"boom"}` + "\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if !events[0].IsError {
		t.Error("expected error result")
	}
	if events[0].Text != "boom" {
		t.Errorf("result text = %q, want 'boom'", events[0].Text)
	}
}

func TestParser_Flush(t *testing.T) {
	p := NewParser(testLogger())

	// Final line without a trailing newline
	events := p.Feed([]byte(`{"type":"result","result":"partial"}`))
	if len(events) != 0 {
		t.Fatalf("incomplete line should produce no events, got %d", len(events))
	}

	events = p.Flush()
	if len(events) != 1 || events[0].Type != EventResult {
		t.Fatalf("flush should complete the trailing line, got %+v", events)
	}
	if p.Flush() != nil {
		t.Error("second flush should produce nothing")
	}
}

func TestParser_EmptyLines(t *testing.T) {
	p := NewParser(testLogger())
	events := p.Feed([]byte("\n\n  \n"))
	if len(events) != 0 {
		t.Errorf("blank lines should produce no events, got %d", len(events))
	}
}

func TestExtractToolInputDescription(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		input    string
		expected string
	}{
		{"read shortens path", "Read", `{"file_path":"/home/user/project/main.go"}`, "main.go"},
		{"bash truncates", "Bash", `{"command":"` + strings.Repeat("x", 60) + `"}`, strings.Repeat("x", 37) + "..."},
		{"glob pattern", "Glob", `{"pattern":"**/*.go"}`, "**/*.go"},
		{"unknown tool first string", "Mystery", `{"arg":"value"}`, "value"},
		{"empty input", "Read", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractToolInputDescription(tt.tool, []byte(tt.input))
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorTypes(t *testing.T) {
	var spawn *SpawnError
	err := error(&SpawnError{Binary: "claude", Err: errors.New("not found")})
	if !errors.As(err, &spawn) {
		t.Error("errors.As should match SpawnError")
	}

	var denied *PermissionDeniedError
	err = error(&PermissionDeniedError{Reason: "blocked", Retries: 3, Exhausted: true})
	if !errors.As(err, &denied) {
		t.Fatal("errors.As should match PermissionDeniedError")
	}
	if !strings.Contains(denied.Error(), "exhausted") {
		t.Errorf("exhausted error should say so: %v", denied)
	}

	var busy *BusyError
	err = error(&BusyError{ChannelKey: "dev", ActivePrompt: "make a login UI"})
	if !errors.As(err, &busy) {
		t.Fatal("errors.As should match BusyError")
	}
	if !strings.Contains(busy.Error(), "make a login UI") {
		t.Errorf("busy error should carry the active prompt: %v", busy)
	}
}

// quoteJSON marshals a string as a JSON literal for test fixtures.
func quoteJSON(s string) string {
	b := make([]byte, 0, len(s)+2)
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		default:
			b = append(b, string(r)...)
		}
	}
	return string(append(b, '"'))
}
