// Package interpreter implements provider.SandboxProvider on top of a
// hosted code-interpreter sandbox API authenticated by API key.
package interpreter

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

const workPath = "/home/user/repo"

// Config holds code-interpreter provider settings.
type Config struct {
	BaseURL  string
	APIKey   string
	Template string
	GitToken string

	HTTPClient *http.Client
}

// Provider implements provider.SandboxProvider against the sessions API.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New creates a code-interpreter sandbox provider.
func New(cfg Config) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string { return "interpreter" }

func (p *Provider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-API-Key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("interpreter api: %w: %v", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.ErrGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("interpreter api status %d: %w", resp.StatusCode, model.ErrTransient)
	case resp.StatusCode >= 400:
		return fmt.Errorf("interpreter api status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type session struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Create provisions a sandbox session and prepares the repository inside it.
// The interpreter API hands out a bare sandbox, so the clone and dependency
// install run as in-sandbox commands.
func (p *Provider) Create(ctx context.Context, cfg provider.CreateConfig) (*model.SandboxInstance, error) {
	payload := map[string]any{
		"template": p.cfg.Template,
		"metadata": map[string]string{"parallax_task": cfg.TaskID},
		"env_vars": envMap(cfg.Env),
	}
	if cfg.KeepAlive {
		payload["timeout_ms"] = int((24 * time.Hour).Milliseconds())
	}

	var sess session
	err := provider.WithRetry(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/v2/sessions", payload, &sess)
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	inst := &model.SandboxInstance{
		Provider:  p.Name(),
		ID:        sess.SessionID,
		CreatedAt: time.Now().UTC(),
		WorkPath:  workPath,
	}

	token := cfg.GitToken
	if token == "" {
		token = p.cfg.GitToken
	}
	setup := strings.Join([]string{
		"set -e",
		fmt.Sprintf("git clone --depth 50 https://x-access-token:%s@github.com/%s.git %s", token, cfg.Repo, workPath),
		"cd " + workPath,
		fmt.Sprintf("git checkout -B %q", cfg.Branch),
		installScript,
	}, "\n")
	if res, err := p.Exec(ctx, inst, setup, 10*time.Minute); err != nil {
		_ = p.Destroy(ctx, inst.ID)
		return nil, fmt.Errorf("preparing repository: %w", err)
	} else if res.ExitCode != 0 {
		_ = p.Destroy(ctx, inst.ID)
		return nil, fmt.Errorf("preparing repository: exit code %d", res.ExitCode)
	}
	return inst, nil
}

const installScript = `if [ -f package-lock.json ]; then npm ci || npm install || true
elif [ -f package.json ]; then npm install || true
elif [ -f go.mod ]; then go mod download || true
elif [ -f requirements.txt ]; then pip install -r requirements.txt || true
fi`

// Reconnect rebuilds an instance from the session id alone.
func (p *Provider) Reconnect(ctx context.Context, sandboxID string) (*model.SandboxInstance, error) {
	var sess session
	if err := p.do(ctx, http.MethodGet, "/v2/sessions/"+sandboxID, nil, &sess); err != nil {
		return nil, err
	}
	if sess.Status != "running" {
		return nil, model.ErrGone
	}
	return &model.SandboxInstance{Provider: p.Name(), ID: sandboxID, WorkPath: workPath}, nil
}

type commandResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs a command in the session and collects its output.
func (p *Provider) Exec(ctx context.Context, inst *model.SandboxInstance, command string, timeout time.Duration) (*provider.ExecResult, error) {
	payload := map[string]any{"command": command, "cwd": inst.WorkPath}
	if timeout > 0 {
		payload["timeout_ms"] = int(timeout.Milliseconds())
	}

	var res commandResponse
	err := provider.WithRetry(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/v2/sessions/"+inst.ID+"/commands", payload, &res)
	})
	if err != nil {
		return nil, err
	}
	return &provider.ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// Stream runs a command with streamed output.
func (p *Provider) Stream(ctx context.Context, inst *model.SandboxInstance, command string) (provider.LineScanner, error) {
	data, err := json.Marshal(map[string]any{"command": command, "cwd": inst.WorkPath, "stream": true})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v2/sessions/" + inst.ID + "/commands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-API-Key", p.cfg.APIKey)
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
		return nil, fmt.Errorf("interpreter api status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
	return &bodyScanner{scanner: scanner, body: resp.Body}, nil
}

// HealthCheck probes the session by durable id.
func (p *Provider) HealthCheck(ctx context.Context, sandboxID string) provider.Health {
	var sess session
	err := p.do(ctx, http.MethodGet, "/v2/sessions/"+sandboxID, nil, &sess)
	switch {
	case err == nil && sess.Status == "running":
		return provider.Healthy
	case err == nil, errors.Is(err, model.ErrGone):
		return provider.Expired
	default:
		return provider.Unreachable
	}
}

// Destroy kills the session; a session that is already gone counts as
// destroyed.
func (p *Provider) Destroy(ctx context.Context, sandboxID string) error {
	err := p.do(ctx, http.MethodDelete, "/v2/sessions/"+sandboxID, nil, nil)
	if err != nil && !errors.Is(err, model.ErrGone) {
		return fmt.Errorf("killing session: %w", err)
	}
	return nil
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

type bodyScanner struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
}

func (s *bodyScanner) Scan() bool   { return s.scanner.Scan() }
func (s *bodyScanner) Text() string { return s.scanner.Text() }
func (s *bodyScanner) Err() error   { return s.scanner.Err() }
func (s *bodyScanner) Close() error { return s.body.Close() }
