package agent

import "testing"

func TestParseJSONLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Event
	}{
		{
			name: "plain output is not an event",
			line: "cloning repository...",
			want: nil,
		},
		{
			name: "malformed json is not an event",
			line: `{"type": "result"`,
			want: nil,
		},
		{
			name: "unknown type is not an event",
			line: `{"type": "telemetry", "message": "x"}`,
			want: nil,
		},
		{
			name: "status event",
			line: `{"type": "status", "message": "thinking"}`,
			want: &Event{Type: EventStatus, Message: "thinking"},
		},
		{
			name: "assistant maps to output",
			line: `{"type": "assistant", "content": "patching main.go"}`,
			want: &Event{Type: EventOutput, Message: "patching main.go"},
		},
		{
			name: "successful result",
			line: `{"type": "result", "session_id": "abc123", "files_changed": ["main.go"]}`,
			want: &Event{Type: EventResult, Success: true, SessionID: "abc123", FilesChanged: []string{"main.go"}},
		},
		{
			name: "is_error result is a failure",
			line: `{"type": "result", "is_error": true}`,
			want: &Event{Type: EventResult, Success: false},
		},
		{
			name: "failure subtype is a failure",
			line: `{"type": "result", "subtype": "failure"}`,
			want: &Event{Type: EventResult, Success: false},
		},
		{
			name: "error event",
			line: `{"type": "error", "message": "boom"}`,
			want: &Event{Type: EventError, Message: "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseJSONLine(tt.line)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("parseJSONLine(%q) = %+v, want nil", tt.line, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("parseJSONLine(%q) = nil, want %+v", tt.line, tt.want)
			}
			if got.Type != tt.want.Type || got.Message != tt.want.Message ||
				got.Success != tt.want.Success || got.SessionID != tt.want.SessionID {
				t.Errorf("parseJSONLine(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
			if len(got.FilesChanged) != len(tt.want.FilesChanged) {
				t.Errorf("FilesChanged = %v, want %v", got.FilesChanged, tt.want.FilesChanged)
			}
		})
	}
}

func TestParseJSONLineSubAgentSource(t *testing.T) {
	line := `{"type": "output", "content": "exploring", "source": {"name": "searcher", "is_sub_agent": true, "parent": "claude-code"}}`
	got := parseJSONLine(line)
	if got == nil || got.Source == nil {
		t.Fatalf("parseJSONLine(%q) missing source: %+v", line, got)
	}
	if got.Source.Name != "searcher" || !got.Source.IsSubAgent || got.Source.Parent != "claude-code" {
		t.Errorf("Source = %+v, want searcher/sub/claude-code", got.Source)
	}
}
