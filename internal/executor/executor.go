// Package executor runs a coding agent inside a sandbox and interprets its
// streaming JSON protocol.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parallax-dev/parallax/pkg/agent"
	"github.com/parallax-dev/parallax/pkg/model"
	"github.com/parallax-dev/parallax/pkg/provider"
	"github.com/parallax-dev/parallax/pkg/store"
	"github.com/parallax-dev/parallax/pkg/tasklog"
)

// ErrNoResult means the agent's output stream ended without a result
// event. The stream going quiet is never completion; callers decide how
// to classify this (usually as inactivity or failure).
var ErrNoResult = errors.New("agent stream ended without a result event")

// heartbeatEvery throttles activity-clock writes while output streams.
const heartbeatEvery = 2 * time.Second

// Executor drives one agent run inside a sandbox.
type Executor struct {
	store store.TaskStore
	log   *tasklog.Logger
}

// New creates an executor.
func New(st store.TaskStore, log *tasklog.Logger) *Executor {
	return &Executor{store: st, log: log}
}

// EnsureInstalled makes sure the agent CLI exists in the sandbox,
// installing it when the binary probe fails. Install commands are
// idempotent, so racing installers are harmless.
func (e *Executor) EnsureInstalled(ctx context.Context, prov provider.SandboxProvider, inst *model.SandboxInstance, taskID string, ag agent.CodingAgent) error {
	probe := fmt.Sprintf("command -v %s >/dev/null 2>&1", ag.Binary())
	if res, err := prov.Exec(ctx, inst, probe, time.Minute); err == nil && res.ExitCode == 0 {
		return nil
	}

	e.log.Info(ctx, taskID, "installing coding agent")
	res, err := prov.Exec(ctx, inst, ag.InstallCommand(), 10*time.Minute)
	if err != nil {
		return fmt.Errorf("installing agent: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("installing agent: exit code %d", res.ExitCode)
	}
	return nil
}

// Run executes the agent with the given prompt and consumes its event
// stream until a result event, cancellation, or end of stream.
//
// A non-empty sessionID resumes the agent's previous session in the same
// sandbox. The returned result is nil exactly when err is non-nil.
func (e *Executor) Run(ctx context.Context, prov provider.SandboxProvider, inst *model.SandboxInstance, task *model.Task, ag agent.CodingAgent, sessionID, prompt string) (*model.AgentExecutionResult, error) {
	command := ag.Command(prompt)
	if sessionID != "" {
		command = ag.ResumeCommand(sessionID, prompt)
	}

	scanner, err := prov.Stream(ctx, inst, command)
	if err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	defer scanner.Close()

	e.log.Info(ctx, task.ID, "agent started")

	var (
		output        strings.Builder
		result        *model.AgentExecutionResult
		errorSeen     bool
		lastHeartbeat time.Time
	)

	bump := func() {
		if time.Since(lastHeartbeat) < heartbeatEvery {
			return
		}
		lastHeartbeat = time.Now()
		if err := e.store.Heartbeat(ctx, task.ID); err != nil && !errors.Is(err, model.ErrTerminal) {
			e.log.Debug(task.ID).WithError(err).Warn("heartbeat write failed")
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		bump()

		ev := ag.ParseEvent(line)
		if ev == nil {
			// Plain output line, streamed live but never persisted as a
			// log entry.
			output.WriteString(line)
			output.WriteByte('\n')
			e.log.Output(task.ID, line, nil)
			continue
		}

		if ev.Source != nil && ev.Source.IsSubAgent {
			e.trackSubAgent(ctx, task.ID, ev)
		}

		switch ev.Type {
		case agent.EventStatus:
			e.log.Output(task.ID, ev.Message, ev.Source)
		case agent.EventOutput:
			output.WriteString(ev.Message)
			output.WriteByte('\n')
			e.log.Output(task.ID, ev.Message, ev.Source)
		case agent.EventError:
			errorSeen = true
			e.log.Error(ctx, task.ID, "agent reported an error")
			e.log.Debug(task.ID).WithField("detail", model.Truncate(ev.Message, 500)).Debug("agent error event")
		case agent.EventResult:
			result = &model.AgentExecutionResult{
				Success:      ev.Success && !errorSeen,
				Output:       output.String(),
				FilesChanged: ev.FilesChanged,
				SessionID:    ev.SessionID,
			}
		}
	}

	if ctx.Err() != nil {
		return &model.AgentExecutionResult{Output: output.String(), Cancelled: true}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading agent stream: %w", err)
	}
	if result == nil {
		return nil, ErrNoResult
	}
	return result, nil
}

// trackSubAgent records sub-agent transitions so interleaved activity
// stays attributable after the fact.
func (e *Executor) trackSubAgent(ctx context.Context, taskID string, ev *agent.Event) {
	state := "active"
	if ev.Type == agent.EventResult || ev.Type == agent.EventError {
		state = "done"
	}
	if err := e.store.UpsertSubAgent(ctx, taskID, ev.Source.Name, state); err != nil {
		e.log.Debug(taskID).WithError(err).Warn("failed to record sub-agent activity")
	}
}
