package agent

import (
	"encoding/json"
	"strings"

	"github.com/parallax-dev/parallax/pkg/model"
)

// Event types emitted by agent CLIs over the streaming JSON protocol.
const (
	EventStatus = "status"
	EventOutput = "output"
	EventResult = "result"
	EventError  = "error"
)

// Event is one parsed line of the agent's newline-delimited JSON protocol.
// A result event is the sole definitive completion signal: output going
// quiet is never treated as completion.
type Event struct {
	Type    string
	Message string

	// Result-only fields.
	Success      bool
	SessionID    string
	FilesChanged []string

	// Source identifies the emitting agent when sub-agents are active.
	Source *model.AgentSource
}

// wireEvent is the common JSON shape shared by the supported CLIs.
type wireEvent struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	Message   string   `json:"message,omitempty"`
	Content   string   `json:"content,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Files     []string `json:"files_changed,omitempty"`
	Source    *struct {
		Name       string `json:"name"`
		IsSubAgent bool   `json:"is_sub_agent"`
		Parent     string `json:"parent,omitempty"`
	} `json:"source,omitempty"`
}

// parseJSONLine decodes one NDJSON protocol line. Lines that are not JSON
// objects, or carry an unknown type, are treated as plain output (nil).
func parseJSONLine(line string) *Event {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil
	}

	var w wireEvent
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return nil
	}

	ev := &Event{Message: w.Message}
	if ev.Message == "" {
		ev.Message = w.Content
	}
	if w.Source != nil {
		ev.Source = &model.AgentSource{
			Name:       w.Source.Name,
			IsSubAgent: w.Source.IsSubAgent,
			Parent:     w.Source.Parent,
		}
	}

	switch w.Type {
	case EventStatus:
		ev.Type = EventStatus
	case EventOutput, "assistant", "partial":
		ev.Type = EventOutput
	case EventResult:
		ev.Type = EventResult
		ev.Success = !w.IsError && w.Subtype != "failure"
		ev.SessionID = w.SessionID
		ev.FilesChanged = w.Files
	case EventError:
		ev.Type = EventError
	default:
		return nil
	}
	return ev
}
