// Package store defines the TaskStore interface for Parallax persistence.
//
// The store is the coordination point between process instances: status,
// the stop flag, heartbeats, and the log all live here, never in memory.
package store

import (
	"context"

	"github.com/parallax-dev/parallax/pkg/model"
)

// TaskStore provides durable persistence for tasks, their append-only log,
// conversation messages, and sub-agent activity.
//
// Implementations must guarantee two invariants:
//   - AppendLog is an atomic append, never a read-modify-write of the full
//     log, so concurrent appends cannot drop entries.
//   - Once a task reaches a terminal status, every mutating call except
//     Reopen fails with model.ErrTerminal.
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]*model.Task, error)

	// SetStatus transitions a task. Terminal rows are frozen: transitions
	// from a terminal status return model.ErrTerminal.
	SetStatus(ctx context.Context, id string, status model.TaskStatus, errMsg string) error

	// Reopen returns a completed keep-alive task to pending for a
	// continuation turn, clearing any previous stop request. Only the
	// continuation handler calls this.
	Reopen(ctx context.Context, id string) error

	SetSandbox(ctx context.Context, id, sandboxID string) error
	SetAgentSession(ctx context.Context, id, sessionID string) error

	// RequestStop raises the durable stop flag. It is idempotent and is
	// the only mutation external callers may perform.
	RequestStop(ctx context.Context, id string) error
	StopRequested(ctx context.Context, id string) (bool, error)

	// AppendLog atomically appends one entry and bumps the task's
	// heartbeat. Appending to a terminal task returns model.ErrTerminal.
	AppendLog(ctx context.Context, entry *model.LogEntry) error

	// Heartbeat bumps the task's activity clock without writing a log
	// entry. Used while the agent streams plain output.
	Heartbeat(ctx context.Context, id string) error
	GetLogs(ctx context.Context, taskID string, afterID int64) ([]*model.LogEntry, error)

	AddMessage(ctx context.Context, msg *model.Message) error
	GetMessages(ctx context.Context, taskID string) ([]*model.Message, error)

	// UpsertSubAgent records a sub-task's state transition.
	UpsertSubAgent(ctx context.Context, taskID, subID, state string) error
	GetSubAgentActivity(ctx context.Context, taskID string) (map[string]string, error)

	Close() error
}
