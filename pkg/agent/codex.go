package agent

import "fmt"

// Codex wraps the OpenAI Codex CLI agent.
type Codex struct{}

func (a *Codex) Name() string   { return "codex" }
func (a *Codex) Binary() string { return "codex" }

func (a *Codex) InstallCommand() string {
	return "command -v codex >/dev/null 2>&1 || npm install -g @openai/codex"
}

func (a *Codex) Command(prompt string) string {
	return fmt.Sprintf("codex exec --full-auto --json %q 2>&1", prompt)
}

func (a *Codex) ResumeCommand(sessionID, prompt string) string {
	return fmt.Sprintf("codex exec --full-auto --json resume %q %q 2>&1", sessionID, prompt)
}

func (a *Codex) ParseEvent(line string) *Event {
	return parseJSONLine(line)
}
