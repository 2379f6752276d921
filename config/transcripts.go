package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhubert/relay-core/paths"
)

// Configuration constants
const (
	// MaxTranscriptLines is the maximum number of lines to keep in a run transcript
	MaxTranscriptLines = 10000
)

// TranscriptEntry is one recorded piece of a run's output
type TranscriptEntry struct {
	Kind    string    `json:"kind"` // "prompt", "text", "tool", "result", "raw"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Transcript is the persisted record of one session run. Partial runs are
// saved too: a failed run keeps whatever output arrived before the failure.
type Transcript struct {
	ChannelKey     string            `json:"channel_key"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Outcome        string            `json:"outcome,omitempty"` // terminal state name
	Entries        []TranscriptEntry `json:"entries"`
}

// SaveTranscript saves a run transcript (keeps last maxLines lines of entries)
func SaveTranscript(runID string, tr *Transcript, maxLines int) error {
	dir, err := paths.TranscriptsDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Keep only the last maxLines worth of content
	entries := tr.Entries
	if maxLines > 0 && len(entries) > 0 {
		var totalLines int
		startIdx := len(entries)
		for i := len(entries) - 1; i >= 0; i-- {
			lines := countLines(entries[i].Content)
			if totalLines+lines > maxLines && startIdx < len(entries) {
				break
			}
			totalLines += lines
			startIdx = i
		}
		entries = entries[startIdx:]
	}

	trimmed := *tr
	trimmed.Entries = entries

	data, err := json.MarshalIndent(&trimmed, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, runID+".json")
	return os.WriteFile(path, data, 0644)
}

// LoadTranscript loads the transcript for a run.
// Returns an empty transcript if none has been saved.
func LoadTranscript(runID string) (*Transcript, error) {
	dir, err := paths.TranscriptsDir()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, runID+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Transcript{Entries: []TranscriptEntry{}}, nil
	}
	if err != nil {
		return nil, err
	}

	var tr Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, err
	}
	if tr.Entries == nil {
		tr.Entries = []TranscriptEntry{}
	}

	return &tr, nil
}

// DeleteTranscript deletes the transcript file for a run
func DeleteTranscript(runID string) error {
	dir, err := paths.TranscriptsDir()
	if err != nil {
		return err
	}

	path := filepath.Join(dir, runID+".json")
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ClearAllTranscripts deletes all transcript files.
// Returns the number of files deleted.
func ClearAllTranscripts() (int, error) {
	dir, err := paths.TranscriptsDir()
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			continue // Best-effort deletion
		}
		deleted++
	}

	return deleted, nil
}

// FormatTranscript formats a transcript as human-readable plain text.
// Tool entries are prefixed with "Tool:", assistant text with "Assistant:".
func FormatTranscript(tr *Transcript) string {
	if tr == nil || len(tr.Entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, entry := range tr.Entries {
		switch entry.Kind {
		case "prompt":
			sb.WriteString("User:\n")
		case "text":
			sb.WriteString("Assistant:\n")
		case "tool":
			sb.WriteString("Tool:\n")
		case "result":
			sb.WriteString("Result:\n")
		default:
			sb.WriteString(entry.Kind + ":\n")
		}
		sb.WriteString(entry.Content)
		if i < len(tr.Entries)-1 {
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// countLines counts the number of lines in a string
func countLines(s string) int {
	if s == "" {
		return 0
	}
	count := 1
	for _, c := range s {
		if c == '\n' {
			count++
		}
	}
	return count
}
