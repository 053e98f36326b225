// Package orchestrator drives the task lifecycle: provisioning a sandbox,
// running the coding agent, and settling the task into a terminal status.
// It depends only on interfaces (store, provider, gitprovider, executor),
// and coordinates with other process instances exclusively through the
// durable store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parallax-dev/parallax/internal/executor"
	"github.com/parallax-dev/parallax/pkg/agent"
	"github.com/parallax-dev/parallax/pkg/gitprovider"
	"github.com/parallax-dev/parallax/pkg/model"
	"github.com/parallax-dev/parallax/pkg/provider"
	"github.com/parallax-dev/parallax/pkg/store"
	"github.com/parallax-dev/parallax/pkg/tasklog"
)

// Config holds orchestrator tuning. Zero values fall back to defaults().
type Config struct {
	// PollInterval is how often the monitor loop re-reads durable state
	// (stop flag, heartbeat, deadline).
	PollInterval time.Duration

	// InactivityTimeout terminates a task whose agent has produced no
	// output for this long.
	InactivityTimeout time.Duration

	// MaxTaskDuration is the absolute cap applied when a task does not
	// carry its own MaxDurationMinutes.
	MaxTaskDuration time.Duration

	// TerminateGrace is how long to wait for the agent subprocess after
	// cancellation before disowning it.
	TerminateGrace time.Duration

	DefaultAgent    string
	DefaultProvider string

	GitToken   string
	SandboxEnv []string
}

func (c Config) defaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 60 * time.Second
	}
	if c.MaxTaskDuration == 0 {
		c.MaxTaskDuration = 30 * time.Minute
	}
	if c.TerminateGrace == 0 {
		c.TerminateGrace = 10 * time.Second
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "docker"
	}
	return c
}

// providerLookup resolves a provider name; swappable in tests.
type providerLookup func(name string) (provider.SandboxProvider, error)

// Orchestrator owns every task status transition except the external stop
// request flag.
type Orchestrator struct {
	cfg       Config
	store     store.TaskStore
	log       *tasklog.Logger
	exec      *executor.Executor
	git       gitprovider.Provider
	providers providerLookup
	debug     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator with all dependencies.
func New(cfg Config, st store.TaskStore, log *tasklog.Logger, exec *executor.Executor, git gitprovider.Provider, debug *logrus.Logger) *Orchestrator {
	if debug == nil {
		debug = logrus.StandardLogger()
	}
	return &Orchestrator{
		cfg:       cfg.defaults(),
		store:     st,
		log:       log,
		exec:      exec,
		git:       git,
		providers: provider.Get,
		debug:     debug,
	}
}

// Start prepares background execution. Call Stop to shut down.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels running tasks' monitors and waits for goroutines to finish.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// CreateRequest describes a new task.
type CreateRequest struct {
	UserID             string
	Repo               string
	Prompt             string
	AgentType          string
	Provider           string
	KeepAlive          bool
	MaxDurationMinutes int
}

// CreateTask persists a pending task and launches its lifecycle in the
// background.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateRequest) (*model.Task, error) {
	if req.Repo == "" || req.Prompt == "" {
		return nil, fmt.Errorf("repo and prompt are required: %w", model.ErrNotValid)
	}

	provName := req.Provider
	if provName == "" {
		provName = o.cfg.DefaultProvider
	}
	if _, err := o.providers(provName); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrNotValid)
	}

	agentName := req.AgentType
	if agentName == "" {
		agentName = o.cfg.DefaultAgent
	}
	ag := agent.Default()
	if agentName != "" && agentName != "auto" {
		var err error
		if ag, err = agent.Get(agentName); err != nil {
			return nil, fmt.Errorf("%v: %w", err, model.ErrNotValid)
		}
	}

	id := uuid.New().String()[:8]
	now := time.Now().UTC()
	task := &model.Task{
		ID:                 id,
		UserID:             req.UserID,
		Repo:               req.Repo,
		Prompt:             req.Prompt,
		AgentType:          ag.Name(),
		Provider:           provName,
		Status:             model.StatusPending,
		BranchName:         fmt.Sprintf("parallax/%s", id),
		MaxDurationMinutes: req.MaxDurationMinutes,
		KeepAlive:          req.KeepAlive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if err := o.store.AddMessage(ctx, &model.Message{
		TaskID: id, Role: "user", Content: req.Prompt, CreatedAt: now,
	}); err != nil {
		o.debug.WithField("task_id", id).WithError(err).Warn("failed to record task message")
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(task.ID)
	}()

	return task, nil
}

// run drives a fresh task from pending to a terminal status.
func (o *Orchestrator) run(taskID string) {
	ctx := o.background()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.debug.WithField("task_id", taskID).WithError(err).Error("task vanished before run")
		return
	}

	prov, err := o.providers(task.Provider)
	if err != nil {
		o.fail(ctx, task.ID, "sandbox provider unavailable", err, nil, "")
		return
	}

	o.log.Info(ctx, task.ID, "provisioning sandbox")
	inst, err := prov.Create(ctx, provider.CreateConfig{
		TaskID:    task.ID,
		Repo:      task.Repo,
		Branch:    task.BranchName,
		GitToken:  o.cfg.GitToken,
		Env:       o.cfg.SandboxEnv,
		KeepAlive: task.KeepAlive,
	})
	if err != nil {
		o.fail(ctx, task.ID, "failed to provision sandbox", err, nil, "")
		return
	}

	if err := o.store.SetSandbox(ctx, task.ID, inst.ID); err != nil {
		// A stop can land between creation and registration; tear the
		// sandbox down rather than leak it.
		prov.Destroy(ctx, inst.ID)
		o.debug.WithField("task_id", task.ID).WithError(err).Warn("could not register sandbox")
		return
	}
	o.log.Info(ctx, task.ID, "sandbox ready")

	o.execute(ctx, task, prov, inst, "", task.Prompt)
}

// execute runs the agent under the durable-state monitor and settles the
// task. sessionID resumes a previous agent session when non-empty.
func (o *Orchestrator) execute(ctx context.Context, task *model.Task, prov provider.SandboxProvider, inst *model.SandboxInstance, sessionID, prompt string) {
	if err := o.store.SetStatus(ctx, task.ID, model.StatusProcessing, ""); err != nil {
		if errors.Is(err, model.ErrTerminal) {
			prov.Destroy(ctx, inst.ID)
			return
		}
		o.fail(ctx, task.ID, "failed to start task", err, prov, inst.ID)
		return
	}

	ag := agent.Resolve(task.AgentType)
	if err := o.exec.EnsureInstalled(ctx, prov, inst, task.ID, ag); err != nil {
		o.fail(ctx, task.ID, "failed to install coding agent", err, prov, inst.ID)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	resultCh := make(chan runOutcome, 1)
	go func() {
		res, err := o.exec.Run(runCtx, prov, inst, task, ag, sessionID, prompt)
		resultCh <- runOutcome{result: res, err: err}
	}()

	verdict, outcome := o.monitor(ctx, task, resultCh, cancelRun)

	switch verdict {
	case verdictStopped:
		o.log.Info(ctx, task.ID, "task stopped by request")
		prov.Destroy(ctx, inst.ID)
		o.setTerminal(ctx, task.ID, model.StatusStopped, "")
		return

	case verdictInactive:
		o.log.Error(ctx, task.ID, "agent inactive, terminating task")
		prov.Destroy(ctx, inst.ID)
		o.setTerminal(ctx, task.ID, model.StatusError, "agent produced no output within the inactivity window")
		return

	case verdictDeadline:
		o.log.Error(ctx, task.ID, "task exceeded maximum duration")
		prov.Destroy(ctx, inst.ID)
		o.setTerminal(ctx, task.ID, model.StatusError, "task exceeded maximum duration")
		return
	}

	// verdictFinished: the agent returned on its own.
	if outcome.err != nil {
		if errors.Is(outcome.err, executor.ErrNoResult) {
			o.fail(ctx, task.ID, "agent exited without reporting a result", outcome.err, prov, inst.ID)
		} else {
			o.fail(ctx, task.ID, "agent execution failed", outcome.err, prov, inst.ID)
		}
		return
	}

	result := outcome.result
	if result.Cancelled {
		// Cancellation raced with completion; the stop path owns teardown.
		prov.Destroy(ctx, inst.ID)
		o.setTerminal(ctx, task.ID, model.StatusStopped, "")
		return
	}

	if result.SessionID != "" {
		// A lost session id silently downgrades the next continuation to a
		// fresh instruction, so the failure is at least visible.
		if err := o.store.SetAgentSession(ctx, task.ID, result.SessionID); err != nil {
			o.debug.WithField("task_id", task.ID).WithError(err).Warn("failed to record agent session")
		}
	}
	if result.Output != "" {
		if err := o.store.AddMessage(ctx, &model.Message{
			TaskID: task.ID, Role: "assistant",
			Content: result.Output, CreatedAt: time.Now().UTC(),
		}); err != nil {
			o.debug.WithField("task_id", task.ID).WithError(err).Warn("failed to record task message")
		}
	}

	if !result.Success {
		o.fail(ctx, task.ID, "agent reported failure", nil, prov, inst.ID)
		return
	}

	o.publish(ctx, task, prov, inst)

	if !task.KeepAlive {
		prov.Destroy(ctx, inst.ID)
	}
	o.log.Info(ctx, task.ID, "task completed")
	o.setTerminal(ctx, task.ID, model.StatusCompleted, "")
}

type verdict int

const (
	verdictFinished verdict = iota
	verdictStopped
	verdictInactive
	verdictDeadline
)

// runOutcome carries the executor's return values across the monitor.
type runOutcome struct {
	result *model.AgentExecutionResult
	err    error
}

// monitor polls durable state until the agent finishes or one of the three
// terminating conditions fires: the stop flag, the inactivity window, or
// the absolute deadline. The poll loop, not the subprocess, is
// authoritative: when a condition fires the subprocess is cancelled and,
// failing that, disowned.
func (o *Orchestrator) monitor(ctx context.Context, task *model.Task, resultCh <-chan runOutcome, cancelRun context.CancelFunc) (verdict, runOutcome) {
	start := time.Now()
	deadline := o.cfg.MaxTaskDuration
	if task.MaxDurationMinutes > 0 {
		deadline = time.Duration(task.MaxDurationMinutes) * time.Minute
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var zero runOutcome

	for {
		select {
		case out := <-resultCh:
			return verdictFinished, out

		case <-ctx.Done():
			cancelRun()
			o.await(resultCh, task.ID)
			return verdictStopped, zero

		case <-ticker.C:
			if stop, err := o.store.StopRequested(ctx, task.ID); err == nil && stop {
				cancelRun()
				o.await(resultCh, task.ID)
				return verdictStopped, zero
			}

			fresh, err := o.store.GetTask(ctx, task.ID)
			if err != nil {
				o.debug.WithField("task_id", task.ID).WithError(err).Warn("monitor could not read task")
				continue
			}
			if fresh.Status.Terminal() {
				// Another instance settled the task.
				cancelRun()
				o.await(resultCh, task.ID)
				return verdictStopped, zero
			}

			lastActivity := fresh.LastHeartbeat
			if lastActivity.IsZero() {
				lastActivity = start
			}
			if time.Since(lastActivity) > o.cfg.InactivityTimeout {
				cancelRun()
				o.await(resultCh, task.ID)
				return verdictInactive, zero
			}

			if time.Since(start) > deadline {
				cancelRun()
				o.await(resultCh, task.ID)
				return verdictDeadline, zero
			}
		}
	}
}

// await gives the cancelled subprocess a bounded grace period, then
// disowns it. The sandbox teardown that follows kills it regardless.
func (o *Orchestrator) await(resultCh <-chan runOutcome, taskID string) {
	select {
	case <-resultCh:
	case <-time.After(o.cfg.TerminateGrace):
		o.debug.WithField("task_id", taskID).Warn("agent subprocess did not exit in grace period, disowning")
	}
}

// publish commits, pushes, and opens a pull request for the task's branch.
// Immediately before side effects it re-reads durable state and suppresses
// the whole step if the task was stopped or settled elsewhere.
func (o *Orchestrator) publish(ctx context.Context, task *model.Task, prov provider.SandboxProvider, inst *model.SandboxInstance) {
	fresh, err := o.store.GetTask(ctx, task.ID)
	if err != nil || fresh.StopRequested || fresh.Status.Terminal() {
		o.debug.WithField("task_id", task.ID).Info("publish suppressed")
		return
	}

	check, err := prov.Exec(ctx, inst, "git add -A && git diff --cached --quiet", time.Minute)
	if err != nil {
		o.log.Warn(ctx, task.ID, "could not inspect workspace changes")
		o.debug.WithField("task_id", task.ID).WithError(err).Warn("change inspection failed")
		return
	}
	if check.ExitCode == 0 {
		o.log.Info(ctx, task.ID, "no changes to publish")
		return
	}

	o.log.Info(ctx, task.ID, "publishing changes")
	commitMsg := fmt.Sprintf("parallax: %s", model.Truncate(strings.TrimSpace(task.Prompt), 72))
	pushCmd := fmt.Sprintf("git commit -m %q && git push -u origin %q", commitMsg, task.BranchName)
	res, err := prov.Exec(ctx, inst, pushCmd, 5*time.Minute)
	if err != nil || res.ExitCode != 0 {
		o.log.Error(ctx, task.ID, "failed to push changes")
		o.debug.WithField("task_id", task.ID).WithError(err).Error("push failed")
		return
	}

	if o.git == nil {
		return
	}
	base, err := o.git.GetDefaultBranch(ctx, task.Repo)
	if err != nil {
		base = "main"
	}
	url, number, err := o.git.CreatePR(ctx, gitprovider.PROptions{
		Repo:   task.Repo,
		Branch: task.BranchName,
		Base:   base,
		Title:  commitMsg,
		Body:   fmt.Sprintf("Automated change for task `%s`.\n\n> %s", task.ID, task.Prompt),
	})
	if err != nil {
		o.log.Error(ctx, task.ID, "failed to create pull request")
		o.debug.WithField("task_id", task.ID).WithError(err).Error("pull request creation failed")
		return
	}
	o.log.Info(ctx, task.ID, "pull request created")
	o.debug.WithFields(logrus.Fields{"task_id": task.ID, "pr": number, "url": url}).Info("pull request opened")
}

// RequestStop is the single mutation external callers may perform: it
// raises the durable stop flag, tears down the sandbox by durable id, and
// settles the status. Duplicate stops are harmless.
func (o *Orchestrator) RequestStop(ctx context.Context, taskID string) error {
	if err := o.store.RequestStop(ctx, taskID); err != nil {
		return err
	}
	o.log.Info(ctx, taskID, "stop requested")

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.SandboxID != "" {
		prov, err := o.providers(task.Provider)
		if err == nil {
			if err := prov.Destroy(ctx, task.SandboxID); err != nil {
				o.debug.WithField("task_id", taskID).WithError(err).Warn("sandbox teardown on stop failed")
			}
		}
	}

	// The running monitor (possibly in another process) also observes the
	// flag; whoever transitions first wins, the loser sees ErrTerminal.
	if err := o.setTerminal(ctx, taskID, model.StatusStopped, ""); err != nil {
		return err
	}
	return nil
}

// Continue handles a follow-up message on a completed keep-alive task:
// probe the stored sandbox, resume the agent session when it is still
// healthy, or recreate from scratch with prior context when it expired.
func (o *Orchestrator) Continue(ctx context.Context, taskID, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("prompt is required: %w", model.ErrNotValid)
	}
	if err := o.store.Reopen(ctx, taskID); err != nil {
		return err
	}
	if err := o.store.AddMessage(ctx, &model.Message{
		TaskID: taskID, Role: "user", Content: prompt, CreatedAt: time.Now().UTC(),
	}); err != nil {
		o.debug.WithField("task_id", taskID).WithError(err).Warn("failed to record task message")
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.continueRun(taskID, prompt)
	}()
	return nil
}

func (o *Orchestrator) continueRun(taskID, prompt string) {
	ctx := o.background()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.debug.WithField("task_id", taskID).WithError(err).Error("task vanished before continuation")
		return
	}
	prov, err := o.providers(task.Provider)
	if err != nil {
		o.fail(ctx, task.ID, "sandbox provider unavailable", err, nil, "")
		return
	}

	if task.SandboxID != "" && prov.HealthCheck(ctx, task.SandboxID) == provider.Healthy {
		inst, err := prov.Reconnect(ctx, task.SandboxID)
		if err == nil {
			o.log.Info(ctx, task.ID, "resuming in existing sandbox")
			o.execute(ctx, task, prov, inst, task.AgentSessionID, prompt)
			return
		}
		if !errors.Is(err, model.ErrGone) {
			o.fail(ctx, task.ID, "failed to reconnect to sandbox", err, nil, "")
			return
		}
	}

	// Sandbox expired or never existed: the old session id is bound to the
	// dead sandbox and must never be replayed against a fresh one.
	o.log.Info(ctx, task.ID, "sandbox expired, provisioning a fresh one")
	if err := o.store.SetAgentSession(ctx, task.ID, ""); err != nil {
		o.fail(ctx, task.ID, "failed to reset agent session", err, nil, "")
		return
	}
	if task.SandboxID != "" {
		prov.Destroy(ctx, task.SandboxID)
	}

	inst, err := prov.Create(ctx, provider.CreateConfig{
		TaskID:    task.ID,
		Repo:      task.Repo,
		Branch:    task.BranchName,
		GitToken:  o.cfg.GitToken,
		Env:       o.cfg.SandboxEnv,
		KeepAlive: task.KeepAlive,
	})
	if err != nil {
		o.fail(ctx, task.ID, "failed to provision sandbox", err, nil, "")
		return
	}
	if err := o.store.SetSandbox(ctx, task.ID, inst.ID); err != nil {
		prov.Destroy(ctx, inst.ID)
		o.debug.WithField("task_id", task.ID).WithError(err).Warn("could not register sandbox")
		return
	}

	// Fresh sandbox means a fresh instruction: prior turns are spelled out
	// instead of relying on agent-side session state.
	o.execute(ctx, task, prov, inst, "", o.continuationPrompt(ctx, task.ID, prompt))
}

// continuationPrompt prefixes the follow-up with the prior conversation so
// a fresh agent session has the full context.
func (o *Orchestrator) continuationPrompt(ctx context.Context, taskID, prompt string) string {
	msgs, err := o.store.GetMessages(ctx, taskID)
	if err != nil || len(msgs) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("Continue the previous work on this repository. Prior conversation:\n\n")
	for _, m := range msgs {
		if m.Content == prompt && m.Role == "user" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n\n", m.Role, model.Truncate(m.Content, 2000))
	}
	b.WriteString("Follow-up instruction:\n")
	b.WriteString(prompt)
	return b.String()
}

// fail settles a task as errored with a static message. Dynamic detail
// goes to the debug channel only. A stop raised elsewhere can tear down
// the sandbox and end the agent stream before the monitor's next poll
// observes the flag; that outcome belongs to the stop, so the flag is
// re-read here and the task settles as stopped instead.
func (o *Orchestrator) fail(ctx context.Context, taskID, msg string, cause error, prov provider.SandboxProvider, sandboxID string) {
	if stop, err := o.store.StopRequested(ctx, taskID); err == nil && stop {
		if prov != nil && sandboxID != "" {
			prov.Destroy(ctx, sandboxID)
		}
		o.log.Info(ctx, taskID, "task stopped by request")
		o.setTerminal(ctx, taskID, model.StatusStopped, "")
		return
	}

	o.log.Error(ctx, taskID, msg)
	if cause != nil {
		o.debug.WithField("task_id", taskID).WithError(cause).Error(msg)
	}
	if prov != nil && sandboxID != "" {
		if err := prov.Destroy(ctx, sandboxID); err != nil {
			o.debug.WithField("task_id", taskID).WithError(err).Warn("sandbox teardown failed")
		}
	}
	o.setTerminal(ctx, taskID, model.StatusError, msg)
}

// setTerminal flips the status, tolerating a lost race against another
// settler.
func (o *Orchestrator) setTerminal(ctx context.Context, taskID string, status model.TaskStatus, msg string) error {
	err := o.store.SetStatus(ctx, taskID, status, msg)
	if err != nil && !errors.Is(err, model.ErrTerminal) {
		o.debug.WithField("task_id", taskID).WithError(err).Error("status transition failed")
		return err
	}
	return nil
}

func (o *Orchestrator) background() context.Context {
	if o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}
