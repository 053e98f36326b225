package agent

import "fmt"

// ClaudeCode wraps the Claude Code CLI agent.
// It emits stream-json output where the final result event carries the
// session id used for conversational resumption.
type ClaudeCode struct{}

func (a *ClaudeCode) Name() string   { return "claude-code" }
func (a *ClaudeCode) Binary() string { return "claude" }

func (a *ClaudeCode) InstallCommand() string {
	return "command -v claude >/dev/null 2>&1 || npm install -g @anthropic-ai/claude-code"
}

func (a *ClaudeCode) Command(prompt string) string {
	return fmt.Sprintf("claude --print --verbose --output-format stream-json %q 2>&1", prompt)
}

func (a *ClaudeCode) ResumeCommand(sessionID, prompt string) string {
	return fmt.Sprintf("claude --print --verbose --output-format stream-json --resume %q %q 2>&1", sessionID, prompt)
}

func (a *ClaudeCode) ParseEvent(line string) *Event {
	return parseJSONLine(line)
}
