// Package cloudvm implements provider.SandboxProvider on top of a managed
// cloud VM workspace API authenticated by team, project, and API token.
package cloudvm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parallax-dev/parallax/pkg/model"
	"github.com/parallax-dev/parallax/pkg/provider"
)

const defaultWorkPath = "/home/agent/workspace"

// Config holds cloud VM provider credentials. Token is sent as a bearer
// header and never logged.
type Config struct {
	BaseURL   string
	TeamID    string
	ProjectID string
	Token     string
	GitToken  string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Provider implements provider.SandboxProvider against the workspace API.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New creates a cloud VM sandbox provider.
func New(cfg Config) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string { return "cloudvm" }

func (p *Provider) url(format string, args ...any) string {
	path := fmt.Sprintf(format, args...)
	return fmt.Sprintf("%s/v1/teams/%s/projects/%s%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.TeamID, p.cfg.ProjectID, path)
}

// doJSON performs one API request, decoding a JSON response into out when
// non-nil. Rate limits and server errors map to the transient category,
// 404/410 to model.ErrGone.
func (p *Provider) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("workspace api: %w: %v", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.ErrGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("workspace api status %d: %w", resp.StatusCode, model.ErrTransient)
	case resp.StatusCode >= 400:
		return fmt.Errorf("workspace api status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type workspace struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	WorkPath string `json:"work_path,omitempty"`
}

// Create provisions a workspace VM and prepares the repository on it.
func (p *Provider) Create(ctx context.Context, cfg provider.CreateConfig) (*model.SandboxInstance, error) {
	token := cfg.GitToken
	if token == "" {
		token = p.cfg.GitToken
	}

	payload := map[string]any{
		"labels":     map[string]string{"parallax.task": cfg.TaskID},
		"persistent": cfg.KeepAlive,
		"env":        envMap(cfg.Env),
		"repository": map[string]string{
			"url":    fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, cfg.Repo),
			"branch": cfg.Branch,
			"base":   cfg.BaseBranch,
		},
	}

	var ws workspace
	err := provider.WithRetry(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, p.url("/workspaces"), payload, &ws)
	})
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	inst := &model.SandboxInstance{
		Provider:  p.Name(),
		ID:        ws.ID,
		CreatedAt: time.Now().UTC(),
		WorkPath:  ws.WorkPath,
	}
	if inst.WorkPath == "" {
		inst.WorkPath = defaultWorkPath
	}

	// The workspace API clones the repo itself; dependency install still
	// happens in-band so lockfile detection sees the checked-out tree.
	if res, err := p.Exec(ctx, inst, installScript, 10*time.Minute); err != nil {
		_ = p.Destroy(ctx, inst.ID)
		return nil, fmt.Errorf("installing dependencies: %w", err)
	} else if res.ExitCode != 0 {
		_ = p.Destroy(ctx, inst.ID)
		return nil, fmt.Errorf("installing dependencies: exit code %d", res.ExitCode)
	}
	return inst, nil
}

const installScript = `if [ -f pnpm-lock.yaml ]; then corepack enable && pnpm install --frozen-lockfile || true
elif [ -f yarn.lock ]; then corepack enable && yarn install --frozen-lockfile || true
elif [ -f package-lock.json ]; then npm ci || npm install || true
elif [ -f package.json ]; then npm install || true
elif [ -f go.mod ]; then go mod download || true
elif [ -f requirements.txt ]; then pip install -r requirements.txt || true
fi`

// Reconnect rebuilds an instance from the workspace id alone.
func (p *Provider) Reconnect(ctx context.Context, sandboxID string) (*model.SandboxInstance, error) {
	var ws workspace
	if err := p.doJSON(ctx, http.MethodGet, p.url("/workspaces/%s", sandboxID), nil, &ws); err != nil {
		return nil, err
	}
	if ws.State != "started" && ws.State != "running" {
		return nil, model.ErrGone
	}
	inst := &model.SandboxInstance{Provider: p.Name(), ID: ws.ID, WorkPath: ws.WorkPath}
	if inst.WorkPath == "" {
		inst.WorkPath = defaultWorkPath
	}
	return inst, nil
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs a command in the workspace and collects its output.
func (p *Provider) Exec(ctx context.Context, inst *model.SandboxInstance, command string, timeout time.Duration) (*provider.ExecResult, error) {
	payload := map[string]any{
		"command": command,
		"cwd":     inst.WorkPath,
	}
	if timeout > 0 {
		payload["timeout_seconds"] = int(timeout.Seconds())
	}

	var res execResponse
	err := provider.WithRetry(ctx, func() error {
		return p.doJSON(ctx, http.MethodPost, p.url("/workspaces/%s/exec", inst.ID), payload, &res)
	})
	if err != nil {
		return nil, err
	}
	return &provider.ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// Stream runs a command and returns a scanner over the API's streamed
// plain-text response body.
func (p *Provider) Stream(ctx context.Context, inst *model.SandboxInstance, command string) (provider.LineScanner, error) {
	payload, err := json.Marshal(map[string]any{
		"command": command,
		"cwd":     inst.WorkPath,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.url("/workspaces/%s/exec?stream=true", inst.ID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting stream: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		resp.Body.Close()
		return nil, model.ErrGone
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("workspace api status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
	return &bodyScanner{scanner: scanner, body: resp.Body}, nil
}

// HealthCheck probes the workspace by durable id.
func (p *Provider) HealthCheck(ctx context.Context, sandboxID string) provider.Health {
	var ws workspace
	err := p.doJSON(ctx, http.MethodGet, p.url("/workspaces/%s", sandboxID), nil, &ws)
	switch {
	case err == nil && (ws.State == "started" || ws.State == "running"):
		return provider.Healthy
	case err == nil:
		return provider.Expired
	case isGone(err):
		return provider.Expired
	default:
		return provider.Unreachable
	}
}

// Destroy deletes the workspace; deleting an already-gone workspace
// succeeds.
func (p *Provider) Destroy(ctx context.Context, sandboxID string) error {
	err := p.doJSON(ctx, http.MethodDelete, p.url("/workspaces/%s", sandboxID), nil, nil)
	if err != nil && !isGone(err) {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	return nil
}

func isGone(err error) bool {
	return errors.Is(err, model.ErrGone)
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		if k, v, ok := strings.Cut(e, "="); ok {
			m[k] = v
		}
	}
	return m
}

// bodyScanner adapts a streamed HTTP response body to provider.LineScanner.
type bodyScanner struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
}

func (s *bodyScanner) Scan() bool   { return s.scanner.Scan() }
func (s *bodyScanner) Text() string { return s.scanner.Text() }
func (s *bodyScanner) Err() error   { return s.scanner.Err() }
func (s *bodyScanner) Close() error { return s.body.Close() }
