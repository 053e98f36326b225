// Package tasklog provides the append-only task log. Durable messages are
// static, pre-defined strings so that log output never leaks tokens, repo
// paths or other request data; anything dynamic travels on the structured
// debug channel or the live output bus instead.
package tasklog

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parallax-dev/parallax/pkg/eventbus"
	"github.com/parallax-dev/parallax/pkg/model"
	"github.com/parallax-dev/parallax/pkg/store"
)

// Logger appends task-scoped log entries to the durable store and fans
// them out on the event bus.
type Logger struct {
	store store.TaskStore
	bus   eventbus.Bus
	debug *logrus.Logger
}

// New creates a task logger. The logrus logger receives operational debug
// detail that never enters the durable log.
func New(st store.TaskStore, bus eventbus.Bus, debug *logrus.Logger) *Logger {
	if debug == nil {
		debug = logrus.StandardLogger()
	}
	return &Logger{store: st, bus: bus, debug: debug}
}

// Append durably records a static message for a task. Entries against a
// task that already reached a terminal status are dropped: late writers
// lose the race, they do not resurrect the task.
func (l *Logger) Append(ctx context.Context, taskID string, level model.LogLevel, message string, source *model.AgentSource) {
	entry := &model.LogEntry{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Source:    source,
	}
	if err := l.store.AppendLog(ctx, entry); err != nil {
		if errors.Is(err, model.ErrTerminal) {
			l.debug.WithField("task_id", taskID).Debug("dropped log entry for terminal task")
			return
		}
		l.debug.WithField("task_id", taskID).WithError(err).Warn("failed to append task log entry")
		return
	}
	if l.bus != nil {
		l.bus.Publish(taskID, entry)
	}
}

// Info appends an info-level entry.
func (l *Logger) Info(ctx context.Context, taskID, message string) {
	l.Append(ctx, taskID, model.LevelInfo, message, nil)
}

// Warn appends a warn-level entry.
func (l *Logger) Warn(ctx context.Context, taskID, message string) {
	l.Append(ctx, taskID, model.LevelWarn, message, nil)
}

// Error appends an error-level entry.
func (l *Logger) Error(ctx context.Context, taskID, message string) {
	l.Append(ctx, taskID, model.LevelError, message, nil)
}

// Output publishes a live agent output line on the bus without persisting
// it. Raw agent output is request data and stays out of the durable log.
func (l *Logger) Output(taskID, line string, source *model.AgentSource) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(taskID, &model.LogEntry{
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Level:     model.LevelOutput,
		Message:   line,
		Source:    source,
	})
}

// Debug returns the structured debug logger scoped to a task. Dynamic
// values (ids, errors, counts) belong here as fields.
func (l *Logger) Debug(taskID string) *logrus.Entry {
	return l.debug.WithField("task_id", taskID)
}
