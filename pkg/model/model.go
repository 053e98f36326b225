// Package model defines the core domain types shared by the Parallax
// orchestrator: tasks, their append-only log, sandbox instances, and
// agent execution results.
package model

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// StatusPending means the task is created but no sandbox exists yet.
	StatusPending TaskStatus = "pending"
	// StatusProcessing means a sandbox is provisioned and the agent is running.
	StatusProcessing TaskStatus = "processing"
	// StatusCompleted means the agent emitted a successful result event.
	StatusCompleted TaskStatus = "completed"
	// StatusError means the task failed (agent failure, inactivity, timeout).
	StatusError TaskStatus = "error"
	// StatusStopped means an external stop request terminated the task.
	StatusStopped TaskStatus = "stopped"
)

// Terminal reports whether the status is a final state. Once a task is
// terminal, no further log writes or sandbox actions may occur for it.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	}
	return false
}

// Task is the durable record driving a single agent execution. It is the
// root aggregate: the log sequence and the sandbox instance belong to it.
// All mutations flow through the orchestrator and the continuation handler;
// external callers may only request a stop.
type Task struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	Repo      string `json:"repo"`
	Prompt    string `json:"prompt"`
	AgentType string `json:"agent_type"`
	Provider  string `json:"provider"`

	Status TaskStatus `json:"status"`

	// SandboxID is the durable provider-side id of the sandbox, set once a
	// sandbox exists. The live handle does not survive process restarts;
	// only this id does.
	SandboxID string `json:"sandbox_id,omitempty"`

	// AgentSessionID is the opaque resumption token returned by the agent.
	// It is scoped to the sandbox that produced it and must be cleared
	// whenever that sandbox is recreated.
	AgentSessionID string `json:"agent_session_id,omitempty"`

	BranchName string `json:"branch_name"`

	// MaxDurationMinutes is the absolute execution cap for this task.
	MaxDurationMinutes int `json:"max_duration_minutes"`

	// KeepAlive marks the sandbox as reusable for multi-turn follow-ups.
	KeepAlive bool `json:"keep_alive"`

	// StopRequested is the durable stop flag. It may be raised by a
	// different process instance than the one executing the task.
	StopRequested bool `json:"stop_requested,omitempty"`

	// Error holds a static, non-leaking failure message.
	Error string `json:"error,omitempty"`

	// LastHeartbeat is bumped by every log write and is used to infer
	// liveness without an explicit health signal from the subprocess.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogLevel classifies a task log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	// LevelOutput marks live agent output streamed to subscribers. Output
	// entries are not part of the durable log.
	LevelOutput LogLevel = "output"
)

// AgentSource identifies which agent produced a log entry when main-agent
// and sub-agent activity interleave.
type AgentSource struct {
	Name       string `json:"name"`
	IsSubAgent bool   `json:"is_sub_agent,omitempty"`
	Parent     string `json:"parent,omitempty"`
}

// LogEntry is one element of a task's append-only log.
//
// Message must be static text. Request-scoped dynamic values (identifiers,
// tokens, paths) belong in Source or in the out-of-band debug channel,
// never in the message itself. The logger enforces this as policy.
type LogEntry struct {
	ID        int64        `json:"id"`
	TaskID    string       `json:"task_id"`
	Timestamp time.Time    `json:"timestamp"`
	Level     LogLevel     `json:"level"`
	Message   string       `json:"message"`
	Source    *AgentSource `json:"source,omitempty"`
}

// SandboxInstance describes a live (or reconnectable) sandbox. Only ID is
// durable; the rest is re-derived on reconnection.
type SandboxInstance struct {
	Provider  string            `json:"provider"`
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	WorkPath  string            `json:"work_path"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AgentExecutionResult is the outcome of one agent run inside a sandbox.
type AgentExecutionResult struct {
	// Success is true only when the agent emitted a successful result
	// event. Output stopping without such an event is never success.
	Success bool `json:"success"`

	// Output is the collected agent output, kept for continuation context.
	Output string `json:"output"`

	// FilesChanged lists paths the agent reported as modified.
	FilesChanged []string `json:"files_changed,omitempty"`

	// SessionID is the resumption token from the result event, if any.
	SessionID string `json:"session_id,omitempty"`

	// Cancelled distinguishes a graceful stop from a failure.
	Cancelled bool `json:"cancelled"`
}

// Message is one turn of a task's conversation, kept so continuations can
// supply prior context explicitly when a sandbox has to be recreated.
type Message struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens s to at most n runes, appending an ellipsis. Cuts
// land on rune boundaries so multibyte input stays valid UTF-8.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
