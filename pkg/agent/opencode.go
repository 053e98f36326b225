package agent

import "fmt"

// OpenCode wraps the OpenCode CLI agent.
// OpenCode is model-agnostic (15+ providers) and MIT licensed.
type OpenCode struct{}

func (a *OpenCode) Name() string   { return "opencode" }
func (a *OpenCode) Binary() string { return "opencode" }

func (a *OpenCode) InstallCommand() string {
	return "command -v opencode >/dev/null 2>&1 || npm install -g opencode-ai"
}

func (a *OpenCode) Command(prompt string) string {
	return fmt.Sprintf("opencode run --print-logs --format json %q 2>&1", prompt)
}

func (a *OpenCode) ResumeCommand(sessionID, prompt string) string {
	return fmt.Sprintf("opencode run --print-logs --format json --session %q %q 2>&1", sessionID, prompt)
}

func (a *OpenCode) ParseEvent(line string) *Event {
	return parseJSONLine(line)
}
