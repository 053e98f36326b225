// Package agent defines the pluggable coding-agent interface for Parallax.
// Each implementation wraps a headless coding CLI that runs inside a sandbox
// and emits a newline-delimited JSON event stream.
package agent

import (
	"fmt"
	"sort"
)

// CodingAgent is the interface for a pluggable coding CLI.
// Implementations know how to install the CLI, launch it with a prompt,
// resume a previous session, and parse its streaming output.
type CodingAgent interface {
	// Name returns the agent identifier (e.g. "claude-code", "codex").
	Name() string

	// Binary returns the executable name used to probe whether the CLI is
	// already installed in a sandbox.
	Binary() string

	// InstallCommand returns the shell command that installs the CLI.
	// It must be idempotent: re-running on a sandbox that already has the
	// CLI is a no-op.
	InstallCommand() string

	// Command returns the shell command to execute the agent with the
	// given prompt. The command runs inside the sandbox workspace.
	Command(prompt string) string

	// ResumeCommand returns the shell command that continues a previous
	// session identified by sessionID with a follow-up prompt.
	ResumeCommand(sessionID, prompt string) string

	// ParseEvent parses a single stdout line into an Event.
	// Returns nil if the line is not a protocol event (plain output).
	ParseEvent(line string) *Event
}

// Registry holds named CodingAgent implementations.
var registry = map[string]CodingAgent{}

// Register adds a CodingAgent to the global registry.
func Register(a CodingAgent) {
	registry[a.Name()] = a
}

// Get returns a CodingAgent by name, or an error if not found.
func Get(name string) (CodingAgent, error) {
	if a, ok := registry[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown coding agent: %q", name)
}

// Default returns the default CodingAgent (Claude Code).
func Default() CodingAgent {
	return registry["claude-code"]
}

// Resolve returns the CodingAgent for the given name.
// Empty string or "auto" returns the default agent.
func Resolve(name string) CodingAgent {
	if name == "" || name == "auto" {
		return Default()
	}
	if a, ok := registry[name]; ok {
		return a
	}
	return Default()
}

// Names returns all registered agent names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(&ClaudeCode{})
	Register(&Codex{})
	Register(&OpenCode{})
}
