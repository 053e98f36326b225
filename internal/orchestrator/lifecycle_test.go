package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/parallax-dev/parallax/internal/executor"
	"github.com/parallax-dev/parallax/pkg/eventbus"
	"github.com/parallax-dev/parallax/pkg/gitprovider"
	"github.com/parallax-dev/parallax/pkg/model"
	"github.com/parallax-dev/parallax/pkg/provider"
	"github.com/parallax-dev/parallax/pkg/tasklog"
)

// --- In-memory store with the real durability semantics ---

type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	logs     map[string][]*model.LogEntry
	messages map[string][]*model.Message
	subs     map[string]map[string]string

	sessionErr error // injected SetAgentSession failure
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    map[string]*model.Task{},
		logs:     map[string][]*model.LogEntry{},
		messages: map[string][]*model.Message{},
		subs:     map[string]map[string]string{},
	}
}

func (s *memStore) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) ListTasks(_ context.Context) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) mutate(id string, fn func(*model.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status.Terminal() {
		return model.ErrTerminal
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) SetStatus(_ context.Context, id string, status model.TaskStatus, errMsg string) error {
	return s.mutate(id, func(t *model.Task) {
		t.Status = status
		t.Error = errMsg
	})
}

func (s *memStore) Reopen(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status != model.StatusCompleted || !t.KeepAlive {
		return model.ErrNotValid
	}
	t.Status = model.StatusPending
	t.StopRequested = false
	t.Error = ""
	return nil
}

func (s *memStore) SetSandbox(_ context.Context, id, sandboxID string) error {
	return s.mutate(id, func(t *model.Task) { t.SandboxID = sandboxID })
}

func (s *memStore) SetAgentSession(_ context.Context, id, sessionID string) error {
	if s.sessionErr != nil {
		return s.sessionErr
	}
	return s.mutate(id, func(t *model.Task) { t.AgentSessionID = sessionID })
}

func (s *memStore) RequestStop(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	t.StopRequested = true
	return nil
}

func (s *memStore) StopRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, model.ErrNotFound
	}
	return t.StopRequested, nil
}

func (s *memStore) AppendLog(_ context.Context, entry *model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[entry.TaskID]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status.Terminal() {
		return model.ErrTerminal
	}
	entry.ID = int64(len(s.logs[entry.TaskID]) + 1)
	s.logs[entry.TaskID] = append(s.logs[entry.TaskID], entry)
	t.LastHeartbeat = entry.Timestamp
	return nil
}

func (s *memStore) Heartbeat(_ context.Context, id string) error {
	return s.mutate(id, func(t *model.Task) { t.LastHeartbeat = time.Now().UTC() })
}

func (s *memStore) GetLogs(_ context.Context, id string, after int64) ([]*model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.LogEntry
	for _, e := range s.logs[id] {
		if e.ID > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) AddMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.TaskID] = append(s.messages[msg.TaskID], msg)
	return nil
}

func (s *memStore) GetMessages(_ context.Context, id string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Message(nil), s.messages[id]...), nil
}

func (s *memStore) UpsertSubAgent(_ context.Context, id, subID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[id] == nil {
		s.subs[id] = map[string]string{}
	}
	s.subs[id][subID] = state
	return nil
}

func (s *memStore) GetSubAgentActivity(_ context.Context, id string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id], nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) logMessages(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.logs[id] {
		out = append(out, e.Message)
	}
	return out
}

// --- Fake provider ---

type scriptScanner struct {
	lines     []string
	pos       int
	hang      bool
	ctx       context.Context
	destroyed <-chan struct{} // nil unless the provider wires teardown to the stream
	line      string
}

func (s *scriptScanner) Scan() bool {
	if s.pos < len(s.lines) {
		s.line = s.lines[s.pos]
		s.pos++
		return true
	}
	if s.hang {
		select {
		case <-s.ctx.Done():
		case <-s.destroyed:
		}
	}
	return false
}
func (s *scriptScanner) Text() string { return s.line }
func (s *scriptScanner) Err() error   { return nil }
func (s *scriptScanner) Close() error { return nil }

type fakeProvider struct {
	mu sync.Mutex

	lines      []string
	hang       bool
	health     provider.Health
	hasChanges bool

	// When set, Destroy ends hung streams (as killing a real sandbox
	// would) and then lingers for destroyDelay before returning.
	destroyCh    chan struct{}
	destroyOnce  sync.Once
	destroyDelay time.Duration

	created    int
	destroyed  []string
	streamCmds []string
	execCmds   []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(_ context.Context, cfg provider.CreateConfig) (*model.SandboxInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	return &model.SandboxInstance{
		Provider: "fake",
		ID:       fmt.Sprintf("sb-%d", p.created),
		WorkPath: "/workspace/repo",
	}, nil
}

func (p *fakeProvider) Reconnect(_ context.Context, id string) (*model.SandboxInstance, error) {
	if p.health != provider.Healthy {
		return nil, model.ErrGone
	}
	return &model.SandboxInstance{Provider: "fake", ID: id, WorkPath: "/workspace/repo"}, nil
}

func (p *fakeProvider) Exec(_ context.Context, _ *model.SandboxInstance, command string, _ time.Duration) (*provider.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execCmds = append(p.execCmds, command)
	if strings.Contains(command, "git diff --cached --quiet") && p.hasChanges {
		return &provider.ExecResult{ExitCode: 1}, nil
	}
	return &provider.ExecResult{ExitCode: 0}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, _ *model.SandboxInstance, command string) (provider.LineScanner, error) {
	p.mu.Lock()
	p.streamCmds = append(p.streamCmds, command)
	lines, hang := p.lines, p.hang
	p.mu.Unlock()
	return &scriptScanner{lines: lines, hang: hang, ctx: ctx, destroyed: p.destroyCh}, nil
}

func (p *fakeProvider) HealthCheck(context.Context, string) provider.Health {
	if p.health == "" {
		return provider.Healthy
	}
	return p.health
}

func (p *fakeProvider) Destroy(_ context.Context, id string) error {
	p.mu.Lock()
	p.destroyed = append(p.destroyed, id)
	p.mu.Unlock()
	if p.destroyCh != nil {
		p.destroyOnce.Do(func() { close(p.destroyCh) })
	}
	if p.destroyDelay > 0 {
		time.Sleep(p.destroyDelay)
	}
	return nil
}

func (p *fakeProvider) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.destroyed)
}

func (p *fakeProvider) lastStreamCmd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streamCmds) == 0 {
		return ""
	}
	return p.streamCmds[len(p.streamCmds)-1]
}

// --- Fake git provider ---

type fakeGit struct {
	mu  sync.Mutex
	prs []gitprovider.PROptions
}

func (g *fakeGit) CreatePR(_ context.Context, opts gitprovider.PROptions) (string, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prs = append(g.prs, opts)
	return "https://github.com/acme/widgets/pull/1", 1, nil
}

func (g *fakeGit) GetDefaultBranch(context.Context, string) (string, error) { return "main", nil }

func (g *fakeGit) prCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prs)
}

// --- Harness ---

type harness struct {
	store *memStore
	prov  *fakeProvider
	git   *fakeGit
	orch  *Orchestrator
}

func newHarness(t *testing.T, cfg Config, prov *fakeProvider) *harness {
	t.Helper()

	debug := logrus.New()
	debug.SetOutput(io.Discard)

	st := newMemStore()
	log := tasklog.New(st, eventbus.NewInMemoryBus(), debug)
	git := &fakeGit{}

	orch := New(cfg, st, log, executor.New(st, log), git, debug)
	orch.providers = func(string) (provider.SandboxProvider, error) { return prov, nil }
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	return &harness{store: st, prov: prov, git: git, orch: orch}
}

func fastConfig() Config {
	return Config{
		PollInterval:      10 * time.Millisecond,
		InactivityTimeout: 10 * time.Second,
		MaxTaskDuration:   10 * time.Second,
		TerminateGrace:    200 * time.Millisecond,
		DefaultProvider:   "fake",
	}
}

func waitForStatus(t *testing.T, st *memStore, id string, want model.TaskStatus) *model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := st.GetTask(context.Background(), id)
	t.Fatalf("task %s never reached %s (now %s, error %q)", id, want, task.Status, task.Error)
	return nil
}

var resultLine = `{"type": "result", "session_id": "sess-1", "files_changed": ["main.go"]}`

// --- Tests ---

func TestTaskLifecycleCompletes(t *testing.T) {
	prov := &fakeProvider{lines: []string{"working", resultLine}, hasChanges: true}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	if task.Status != model.StatusPending {
		t.Errorf("initial status = %s, want pending", task.Status)
	}

	final := waitForStatus(t, h.store, task.ID, model.StatusCompleted)
	if final.AgentSessionID != "sess-1" {
		t.Errorf("AgentSessionID = %q, want sess-1", final.AgentSessionID)
	}
	if h.git.prCount() != 1 {
		t.Errorf("pull requests = %d, want 1", h.git.prCount())
	}
	if prov.destroyCount() != 1 {
		t.Errorf("destroys = %d, want 1 (ephemeral sandbox torn down)", prov.destroyCount())
	}

	// The durable log carries static messages only.
	for _, msg := range h.store.logMessages(task.ID) {
		if strings.Contains(msg, task.ID) || strings.Contains(msg, "acme/widgets") {
			t.Errorf("log message leaks request data: %q", msg)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t, fastConfig(), &fakeProvider{})

	if _, err := h.orch.CreateTask(context.Background(), CreateRequest{Repo: "acme/widgets"}); err == nil {
		t.Error("CreateTask without prompt should fail")
	}
	if _, err := h.orch.CreateTask(context.Background(), CreateRequest{Prompt: "fix"}); err == nil {
		t.Error("CreateTask without repo should fail")
	}
}

func TestStopLandsWithinPollIntervalAndSuppressesPublish(t *testing.T) {
	prov := &fakeProvider{lines: []string{"working"}, hang: true, hasChanges: true}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	waitForStatus(t, h.store, task.ID, model.StatusProcessing)

	// Simulate a stop raised by another process instance: only the durable
	// flag is touched.
	if err := h.store.RequestStop(context.Background(), task.ID); err != nil {
		t.Fatalf("RequestStop(): %v", err)
	}

	final := waitForStatus(t, h.store, task.ID, model.StatusStopped)
	if final.Error != "" {
		t.Errorf("stopped task should carry no error, got %q", final.Error)
	}
	if h.git.prCount() != 0 {
		t.Error("publish must be suppressed for a stopped task")
	}
	if prov.destroyCount() == 0 {
		t.Error("sandbox must be destroyed on stop")
	}
}

func TestInactivityTerminatesTask(t *testing.T) {
	prov := &fakeProvider{hang: true} // no output at all
	cfg := fastConfig()
	cfg.InactivityTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg, prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}

	final := waitForStatus(t, h.store, task.ID, model.StatusError)
	if !strings.Contains(final.Error, "inactivity") {
		t.Errorf("Error = %q, want inactivity message", final.Error)
	}
	if prov.destroyCount() == 0 {
		t.Error("sandbox must be destroyed on inactivity")
	}
	if h.git.prCount() != 0 {
		t.Error("no publish after inactivity termination")
	}
}

func TestAbsoluteDeadlineIsAuthoritative(t *testing.T) {
	prov := &fakeProvider{hang: true}
	cfg := fastConfig()
	cfg.MaxTaskDuration = 60 * time.Millisecond
	h := newHarness(t, cfg, prov)

	// Keep the heartbeat fresh so only the absolute deadline can fire.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	go func() {
		for ctx.Err() == nil {
			h.store.Heartbeat(context.Background(), task.ID)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	final := waitForStatus(t, h.store, task.ID, model.StatusError)
	if !strings.Contains(final.Error, "maximum duration") {
		t.Errorf("Error = %q, want maximum duration message", final.Error)
	}
}

func TestRequestStopIsIdempotent(t *testing.T) {
	prov := &fakeProvider{lines: []string{"working"}, hang: true}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	waitForStatus(t, h.store, task.ID, model.StatusProcessing)

	if err := h.orch.RequestStop(context.Background(), task.ID); err != nil {
		t.Fatalf("first RequestStop(): %v", err)
	}
	if err := h.orch.RequestStop(context.Background(), task.ID); err != nil {
		t.Fatalf("duplicate RequestStop(): %v", err)
	}

	waitForStatus(t, h.store, task.ID, model.StatusStopped)
}

func TestContinueResumesHealthySandbox(t *testing.T) {
	prov := &fakeProvider{lines: []string{resultLine}, health: provider.Healthy}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	waitForStatus(t, h.store, task.ID, model.StatusCompleted)

	if prov.destroyCount() != 0 {
		t.Fatal("keep-alive sandbox must survive completion")
	}

	if err := h.orch.Continue(context.Background(), task.ID, "now add tests"); err != nil {
		t.Fatalf("Continue(): %v", err)
	}

	final := waitForStatus(t, h.store, task.ID, model.StatusCompleted)
	if final.AgentSessionID != "sess-1" {
		t.Errorf("AgentSessionID = %q, want sess-1", final.AgentSessionID)
	}
	if prov.created != 1 {
		t.Errorf("sandboxes created = %d, want 1 (reuse)", prov.created)
	}
	if cmd := prov.lastStreamCmd(); !strings.Contains(cmd, "sess-1") {
		t.Errorf("continuation did not resume the stored session: %q", cmd)
	}
}

func TestContinueRecreatesExpiredSandbox(t *testing.T) {
	prov := &fakeProvider{lines: []string{resultLine}, health: provider.Healthy}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	waitForStatus(t, h.store, task.ID, model.StatusCompleted)

	// The sandbox expires while idle.
	prov.health = provider.Expired

	if err := h.orch.Continue(context.Background(), task.ID, "now add tests"); err != nil {
		t.Fatalf("Continue(): %v", err)
	}
	waitForStatus(t, h.store, task.ID, model.StatusCompleted)

	if prov.created != 2 {
		t.Errorf("sandboxes created = %d, want 2 (fresh sandbox)", prov.created)
	}
	if cmd := prov.lastStreamCmd(); strings.Contains(cmd, "--resume") || strings.Contains(cmd, "--session") {
		t.Errorf("expired sandbox must not resume the old session: %q", cmd)
	}
	if cmd := prov.lastStreamCmd(); !strings.Contains(cmd, "Prior conversation") {
		t.Errorf("fresh instruction must carry prior context: %q", cmd)
	}
}

func TestContinueRejectsRunningTask(t *testing.T) {
	prov := &fakeProvider{hang: true}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug", KeepAlive: true,
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	waitForStatus(t, h.store, task.ID, model.StatusProcessing)

	if err := h.orch.Continue(context.Background(), task.ID, "more"); err == nil {
		t.Error("Continue on a processing task should fail")
	}

	h.store.RequestStop(context.Background(), task.ID)
	waitForStatus(t, h.store, task.ID, model.StatusStopped)
}

func TestPublishSuppressionOnStopFlag(t *testing.T) {
	prov := &fakeProvider{hasChanges: true}
	h := newHarness(t, fastConfig(), prov)

	task := &model.Task{
		ID: "t1", Repo: "acme/widgets", Prompt: "fix", Provider: "fake",
		BranchName: "parallax/t1", Status: model.StatusProcessing,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	h.store.CreateTask(context.Background(), task)
	h.store.RequestStop(context.Background(), task.ID)

	h.orch.publish(context.Background(), task, prov, &model.SandboxInstance{ID: "sb-1"})

	if h.git.prCount() != 0 {
		t.Error("publish must not create a PR once the stop flag is set")
	}
	prov.mu.Lock()
	defer prov.mu.Unlock()
	if len(prov.execCmds) != 0 {
		t.Errorf("publish must not touch the sandbox once stopped, ran %v", prov.execCmds)
	}
}

func TestAgentFailureSettlesAsError(t *testing.T) {
	prov := &fakeProvider{lines: []string{`{"type": "result", "is_error": true}`}}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}

	final := waitForStatus(t, h.store, task.ID, model.StatusError)
	if final.Error == "" {
		t.Error("failed task should carry a static error message")
	}
	if h.git.prCount() != 0 {
		t.Error("no publish after agent failure")
	}
}

func TestStreamEndWithoutResultIsError(t *testing.T) {
	prov := &fakeProvider{lines: []string{"some output, then silence"}}
	h := newHarness(t, fastConfig(), prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}

	final := waitForStatus(t, h.store, task.ID, model.StatusError)
	if !strings.Contains(final.Error, "without reporting a result") {
		t.Errorf("Error = %q, want no-result message", final.Error)
	}
}

func TestCreateTaskAgentSelection(t *testing.T) {
	cfg := fastConfig()
	cfg.DefaultAgent = "codex"
	h := newHarness(t, cfg, &fakeProvider{lines: []string{resultLine}})

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	if task.AgentType != "codex" {
		t.Errorf("AgentType = %q, want configured default codex", task.AgentType)
	}

	task, err = h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug", AgentType: "opencode",
	})
	if err != nil {
		t.Fatalf("CreateTask(opencode): %v", err)
	}
	if task.AgentType != "opencode" {
		t.Errorf("AgentType = %q, want opencode", task.AgentType)
	}

	task, err = h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug", AgentType: "auto",
	})
	if err != nil {
		t.Fatalf("CreateTask(auto): %v", err)
	}
	if task.AgentType != "claude-code" {
		t.Errorf("AgentType = %q, want claude-code for auto", task.AgentType)
	}

	if _, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug", AgentType: "gpt-engineer",
	}); !errors.Is(err, model.ErrNotValid) {
		t.Errorf("unknown agent: err = %v, want ErrNotValid", err)
	}
}

func TestStopTeardownEndingStreamSettlesStopped(t *testing.T) {
	// Destroy ends the hung stream before the monitor's next poll can see
	// the flag, so the executor surfaces a no-result failure mid-stop.
	prov := &fakeProvider{
		lines:        []string{"working"},
		hang:         true,
		destroyCh:    make(chan struct{}),
		destroyDelay: 50 * time.Millisecond,
	}
	cfg := fastConfig()
	cfg.PollInterval = time.Second
	h := newHarness(t, cfg, prov)

	task, err := h.orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}
	waitForStatus(t, h.store, task.ID, model.StatusProcessing)

	if err := h.orch.RequestStop(context.Background(), task.ID); err != nil {
		t.Fatalf("RequestStop(): %v", err)
	}

	final := waitForStatus(t, h.store, task.ID, model.StatusStopped)
	if final.Error != "" {
		t.Errorf("stopped task should carry no error, got %q", final.Error)
	}
	if h.git.prCount() != 0 {
		t.Error("publish must be suppressed for a stopped task")
	}
}

func TestSessionWriteFailureIsReported(t *testing.T) {
	debug, hook := logrustest.NewNullLogger()
	st := newMemStore()
	st.sessionErr = errors.New("disk full")
	log := tasklog.New(st, eventbus.NewInMemoryBus(), debug)
	prov := &fakeProvider{lines: []string{resultLine}}

	orch := New(fastConfig(), st, log, executor.New(st, log), &fakeGit{}, debug)
	orch.providers = func(string) (provider.SandboxProvider, error) { return prov, nil }
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	task, err := orch.CreateTask(context.Background(), CreateRequest{
		Repo: "acme/widgets", Prompt: "fix the bug",
	})
	if err != nil {
		t.Fatalf("CreateTask(): %v", err)
	}

	final := waitForStatus(t, st, task.ID, model.StatusCompleted)
	if final.AgentSessionID != "" {
		t.Errorf("AgentSessionID = %q, want empty after failed write", final.AgentSessionID)
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "agent session") {
			warned = true
		}
	}
	if !warned {
		t.Error("lost session write must surface on the debug channel")
	}
}
