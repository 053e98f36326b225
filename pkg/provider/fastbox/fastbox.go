// Package fastbox implements provider.SandboxProvider on top of a
// fast-boot cloud sandbox API (sub-second cold starts), authenticated by
// API key.
package fastbox

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

const workPath = "/root/repo"

// Config holds fastbox provider settings.
type Config struct {
	BaseURL  string
	APIKey   string
	Image    string
	GitToken string

	HTTPClient *http.Client
}

// Provider implements provider.SandboxProvider against the instances API.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New creates a fastbox sandbox provider.
func New(cfg Config) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string { return "fastbox" }

func (p *Provider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(p.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fastbox api: %w: %v", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.ErrGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("fastbox api status %d: %w", resp.StatusCode, model.ErrTransient)
	case resp.StatusCode >= 400:
		return fmt.Errorf("fastbox api status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type instance struct {
	InstanceID string `json:"instance_id"`
	Phase      string `json:"phase"`
}

// Create boots an instance and prepares the repository inside it.
func (p *Provider) Create(ctx context.Context, cfg provider.CreateConfig) (*model.SandboxInstance, error) {
	payload := map[string]any{
		"image": p.cfg.Image,
		"tags":  map[string]string{"parallax_task": cfg.TaskID},
		"env":   cfg.Env,
		"idle_shutdown": map[string]any{
			"enabled": !cfg.KeepAlive,
		},
	}

	var in instance
	err := provider.WithRetry(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/api/instances", payload, &in)
	})
	if err != nil {
		return nil, fmt.Errorf("booting instance: %w", err)
	}

	inst := &model.SandboxInstance{
		Provider:  p.Name(),
		ID:        in.InstanceID,
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
		"[ -f package.json ] && (npm ci || npm install) || true",
		"[ -f go.mod ] && go mod download || true",
		"[ -f requirements.txt ] && pip install -r requirements.txt || true",
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

// Reconnect rebuilds an instance from the durable instance id alone.
func (p *Provider) Reconnect(ctx context.Context, sandboxID string) (*model.SandboxInstance, error) {
	var in instance
	if err := p.do(ctx, http.MethodGet, "/api/instances/"+sandboxID, nil, &in); err != nil {
		return nil, err
	}
	if in.Phase != "running" {
		return nil, model.ErrGone
	}
	return &model.SandboxInstance{Provider: p.Name(), ID: sandboxID, WorkPath: workPath}, nil
}

type commandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs a command in the instance and collects its output.
func (p *Provider) Exec(ctx context.Context, inst *model.SandboxInstance, command string, timeout time.Duration) (*provider.ExecResult, error) {
	payload := map[string]any{"cmd": command, "workdir": inst.WorkPath}
	if timeout > 0 {
		payload["timeout"] = int(timeout.Seconds())
	}

	var res commandResult
	err := provider.WithRetry(ctx, func() error {
		return p.do(ctx, http.MethodPost, "/api/instances/"+inst.ID+"/exec", payload, &res)
	})
	if err != nil {
		return nil, err
	}
	return &provider.ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// Stream runs a command with output streamed as server-sent lines.
func (p *Provider) Stream(ctx context.Context, inst *model.SandboxInstance, command string) (provider.LineScanner, error) {
	data, err := json.Marshal(map[string]any{"cmd": command, "workdir": inst.WorkPath})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/api/instances/"+inst.ID+"/exec/stream",
		bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

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
		return nil, fmt.Errorf("fastbox api status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
	return &eventScanner{scanner: scanner, body: resp.Body}, nil
}

// HealthCheck probes the instance by durable id.
func (p *Provider) HealthCheck(ctx context.Context, sandboxID string) provider.Health {
	var in instance
	err := p.do(ctx, http.MethodGet, "/api/instances/"+sandboxID, nil, &in)
	switch {
	case err == nil && in.Phase == "running":
		return provider.Healthy
	case err == nil, errors.Is(err, model.ErrGone):
		return provider.Expired
	default:
		return provider.Unreachable
	}
}

// Destroy terminates the instance; already-gone instances count as
// destroyed.
func (p *Provider) Destroy(ctx context.Context, sandboxID string) error {
	err := p.do(ctx, http.MethodDelete, "/api/instances/"+sandboxID, nil, nil)
	if err != nil && !errors.Is(err, model.ErrGone) {
		return fmt.Errorf("terminating instance: %w", err)
	}
	return nil
}

// eventScanner strips the SSE "data: " framing so callers see raw agent
// output lines.
type eventScanner struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
	line    string
}

func (s *eventScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		s.line = strings.TrimPrefix(line, "data: ")
		return true
	}
	return false
}

func (s *eventScanner) Text() string { return s.line }
func (s *eventScanner) Err() error   { return s.scanner.Err() }
func (s *eventScanner) Close() error { return s.body.Close() }
