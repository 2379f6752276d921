package claude

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// streamMessage represents a JSON line from the CLI's stream-json output.
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"` // "init", "success", "permission_request", "input_request", ...
	Message struct {
		Content []struct {
			Type      string          `json:"type"` // "text", "tool_use", "tool_result"
			ID        string          `json:"id,omitempty"`
			Text      string          `json:"text,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			ToolUseId string          `json:"toolUseId,omitempty"` // camelCase variant from the CLI
			IsError   bool            `json:"is_error,omitempty"`
			Content   json.RawMessage `json:"content,omitempty"` // string or array of blocks
		} `json:"content"`
	} `json:"message"`
	// Permission/input request fields (system messages)
	ToolName string `json:"tool_name,omitempty"`
	Path     string `json:"path,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	// Result fields
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	// The CLI has emitted both spellings across versions.
	SessionID      string `json:"session_id,omitempty"`
	SessionIDCamel string `json:"sessionId,omitempty"`
}

// permissionDenialKeywords mark a tool result as a mid-run permission
// rejection. Matched case-insensitively against the result text.
var permissionDenialKeywords = []string{
	"permission",
	"haven't granted",
	"requires approval",
	"require approval",
	"was blocked",
	"command requires",
}

// Parser decodes the CLI's newline-delimited JSON stream into events.
// It buffers partial lines across Feed calls, so the same byte stream split
// at any boundaries yields the same event sequence. Not safe for concurrent
// use; each session owns one Parser per process run.
type Parser struct {
	buf       bytes.Buffer
	sessionID string
	log       *slog.Logger
}

// NewParser creates a Parser. The logger receives parse anomalies at debug
// level; they are never surfaced as errors.
func NewParser(log *slog.Logger) *Parser {
	return &Parser{log: log}
}

// Feed appends data to the line buffer and returns the events decoded from
// every line completed by this chunk. A trailing partial line is held until
// a later Feed (or Flush) completes it.
func (p *Parser) Feed(data []byte) []Event {
	p.buf.Write(data)

	var events []Event
	for {
		raw := p.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := string(raw[:idx])
		p.buf.Next(idx + 1)
		events = append(events, p.parseLine(line)...)
	}
	return events
}

// Flush decodes any buffered partial line. Call once at EOF so a final line
// without a trailing newline is not lost.
func (p *Parser) Flush() []Event {
	if p.buf.Len() == 0 {
		return nil
	}
	line := p.buf.String()
	p.buf.Reset()
	return p.parseLine(line)
}

// SessionID returns the conversation identifier captured from the stream,
// or "" if none has been seen yet. The first capture wins; later messages
// carrying a different id do not overwrite it.
func (p *Parser) SessionID() string {
	return p.sessionID
}

// parseLine decodes one complete line into zero or more events.
func (p *Parser) parseLine(line string) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	// The CLI with --verbose interleaves plain log lines with the JSON
	// stream. They pass through as raw text rather than aborting the run.
	if !strings.HasPrefix(line, "{") {
		p.log.Debug("non-JSON line from CLI", "line", truncateForLog(line))
		return []Event{{Type: EventRawText, Text: line}}
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		p.log.Debug("failed to parse stream message", "error", err, "line", truncateForLog(line))
		return []Event{{Type: EventRawText, Text: line}}
	}

	if msg.Type == "" {
		p.log.Debug("JSON message without type", "line", truncateForLog(line))
		return []Event{{Type: EventRawText, Text: line}}
	}

	p.captureSessionID(&msg)

	var events []Event

	switch msg.Type {
	case "system":
		switch msg.Subtype {
		case "init":
			p.log.Debug("session initialized", "sessionID", p.sessionID)
		case "permission_request":
			events = append(events, Event{
				Type:      EventPermissionRequest,
				ToolName:  msg.ToolName,
				Path:      msg.Path,
				ToolInput: msg.Summary,
			})
		case "input_request":
			events = append(events, Event{
				Type: EventInputRequest,
				Text: msg.Prompt,
			})
		default:
			p.log.Debug("unhandled system message", "subtype", msg.Subtype)
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				if content.Text != "" {
					events = append(events, Event{
						Type: EventText,
						Text: content.Text,
					})
				}
			case "tool_use":
				events = append(events, Event{
					Type:      EventToolUse,
					ToolName:  content.Name,
					ToolInput: extractToolInputDescription(content.Name, content.Input),
					ToolUseID: content.ID,
				})
			}
		}

	case "user":
		// User messages in stream-json carry tool results.
		for _, content := range msg.Message.Content {
			toolUseID := content.ToolUseID
			if toolUseID == "" {
				toolUseID = content.ToolUseId
			}
			if content.Type != "tool_result" && toolUseID == "" {
				continue
			}
			resultText := extractToolResultText(content.Content)
			events = append(events, Event{
				Type:      EventToolResult,
				ToolUseID: toolUseID,
				Text:      resultText,
				IsError:   content.IsError,
			})
			if content.IsError && isPermissionDenial(resultText) {
				events = append(events, Event{
					Type: EventPermissionDenied,
					Text: resultText,
				})
			}
		}

	case "result":
		text := msg.Result
		isError := msg.IsError || msg.Error != "" || (msg.Subtype != "" && msg.Subtype != "success")
		if text == "" && msg.Error != "" {
			text = msg.Error
		}
		events = append(events, Event{
			Type:    EventResult,
			Text:    text,
			IsError: isError,
		})

	default:
		p.log.Debug("unhandled message type", "type", msg.Type)
		events = append(events, Event{Type: EventRawText, Text: line})
	}

	return events
}

// captureSessionID records the first conversation identifier seen on any
// message so it can be persisted before the run completes.
func (p *Parser) captureSessionID(msg *streamMessage) {
	if p.sessionID != "" {
		return
	}
	if msg.SessionID != "" {
		p.sessionID = msg.SessionID
	} else if msg.SessionIDCamel != "" {
		p.sessionID = msg.SessionIDCamel
	}
}

// isPermissionDenial reports whether a tool error message describes a
// permission rejection rather than an ordinary tool failure.
func isPermissionDenial(text string) bool {
	lower := strings.ToLower(text)
	for _, keyword := range permissionDenialKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// extractToolResultText flattens tool_result content, which the CLI emits
// either as a plain string or as an array of content blocks.
func extractToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toolInputConfig defines how to extract a description from a tool's input.
type toolInputConfig struct {
	Field       string // JSON field to extract
	ShortenPath bool   // Whether to shorten file paths to just filename
	MaxLen      int    // Maximum length before truncation (0 = no limit)
}

// toolInputConfigs maps tool names to their input extraction configuration.
var toolInputConfigs = map[string]toolInputConfig{
	// File operations - extract file_path and shorten to filename
	"Read":  {Field: "file_path", ShortenPath: true},
	"Edit":  {Field: "file_path", ShortenPath: true},
	"Write": {Field: "file_path", ShortenPath: true},

	// Search operations - extract the pattern/query
	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 30},
	"WebSearch": {Field: "query"},

	// Command execution - show the command with truncation
	"Bash": {Field: "command", MaxLen: 40},

	// Task delegation - show the description
	"Task": {Field: "description"},

	// Web operations - show URL with truncation
	"WebFetch": {Field: "url", MaxLen: 40},
}

// DefaultToolInputMaxLen is the default max length for tool descriptions.
const DefaultToolInputMaxLen = 40

// extractToolInputDescription extracts a brief, human-readable description
// from tool input for status display.
func extractToolInputDescription(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}

	if cfg, ok := toolInputConfigs[toolName]; ok {
		if value, exists := inputMap[cfg.Field].(string); exists {
			return formatToolInput(value, cfg.ShortenPath, cfg.MaxLen)
		}
	}

	// Default: return first string value found
	for _, v := range inputMap {
		if s, ok := v.(string); ok && s != "" {
			return truncateString(s, DefaultToolInputMaxLen)
		}
	}
	return ""
}

// formatToolInput formats a tool input value according to the config.
func formatToolInput(value string, shorten bool, maxLen int) string {
	if shorten {
		value = shortenPath(value)
	}
	if maxLen > 0 {
		value = truncateString(value, maxLen)
	}
	return value
}

// truncateString truncates a string to maxLen characters, including "..." suffix.
// A maxLen of 0 means no limit.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// shortenPath returns just the filename or last path component
func shortenPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return path
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
