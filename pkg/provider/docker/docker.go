// Package docker implements provider.SandboxProvider using local Docker
// containers driven through the docker CLI.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/parallax-dev/parallax/pkg/model"
	"github.com/parallax-dev/parallax/pkg/provider"
)

// WorkPath is where the task repository is checked out inside a container.
const WorkPath = "/workspace/repo"

// defaultExecTimeout bounds a single Exec call when the caller passes zero.
const defaultExecTimeout = 5 * time.Minute

// Config holds Docker provider settings. The GitHub token authenticates
// repository clones; it is injected into the clone URL and never logged.
type Config struct {
	Image    string
	Network  string
	GitToken string
}

// Provider implements provider.SandboxProvider using Docker.
type Provider struct {
	cfg       Config
	dockerBin string
}

// New creates a Docker sandbox provider.
func New(cfg Config) *Provider {
	return &Provider{
		cfg:       cfg,
		dockerBin: findDocker(),
	}
}

func (p *Provider) Name() string { return "docker" }

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if path, err := exec.LookPath("docker"); err == nil {
		return path
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (p *Provider) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, p.dockerBin, args...)
}

// Create starts a long-lived container, clones the repository onto the task
// branch, and installs dependencies for the detected package manager.
func (p *Provider) Create(ctx context.Context, cfg provider.CreateConfig) (*model.SandboxInstance, error) {
	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("parallax-%s", cfg.TaskID),
		"--label", "parallax.task=" + cfg.TaskID,
	}
	if p.cfg.Network != "" {
		args = append(args, "--network", p.cfg.Network)
	}
	for _, e := range cfg.Env {
		args = append(args, "-e", e)
	}
	args = append(args, "--entrypoint", "sleep", p.cfg.Image, "infinity")

	var containerID string
	err := provider.WithRetry(ctx, func() error {
		output, err := p.docker(ctx, args...).CombinedOutput()
		if err != nil {
			return classify(err, string(output))
		}
		containerID = strings.TrimSpace(string(output))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	inst := &model.SandboxInstance{
		Provider:  p.Name(),
		ID:        containerID,
		CreatedAt: time.Now().UTC(),
		WorkPath:  WorkPath,
	}

	token := cfg.GitToken
	if token == "" {
		token = p.cfg.GitToken
	}
	if err := p.prepareRepo(ctx, inst, cfg, token); err != nil {
		_ = p.Destroy(ctx, containerID)
		return nil, err
	}
	return inst, nil
}

// prepareRepo clones the target repository, creates the task branch, and
// runs dependency installation for whichever package manager is detected.
func (p *Provider) prepareRepo(ctx context.Context, inst *model.SandboxInstance, cfg provider.CreateConfig, token string) error {
	cloneURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, cfg.Repo)

	script := strings.Join([]string{
		"set -e",
		"mkdir -p " + WorkPath,
		fmt.Sprintf("git clone --depth 50 %q %s", cloneURL, WorkPath),
		"cd " + WorkPath,
		fmt.Sprintf("git checkout -B %q", cfg.Branch),
		installScript,
	}, "\n")

	// The workspace does not exist yet, so run setup from the container
	// root rather than the (future) work path.
	setupInst := *inst
	setupInst.WorkPath = ""
	res, err := p.Exec(ctx, &setupInst, script, 10*time.Minute)
	if err != nil {
		return fmt.Errorf("preparing repository: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("preparing repository: exit code %d", res.ExitCode)
	}
	return nil
}

// installScript detects the package manager from lockfiles and installs
// dependencies. Unknown stacks are left alone.
const installScript = `if [ -f pnpm-lock.yaml ]; then corepack enable && pnpm install --frozen-lockfile || true
elif [ -f yarn.lock ]; then corepack enable && yarn install --frozen-lockfile || true
elif [ -f package-lock.json ]; then npm ci || npm install || true
elif [ -f package.json ]; then npm install || true
elif [ -f go.mod ]; then go mod download || true
elif [ -f requirements.txt ]; then pip install -r requirements.txt || true
elif [ -f pyproject.toml ]; then pip install -e . || true
fi`

// Reconnect rebuilds an instance from the container id alone.
func (p *Provider) Reconnect(ctx context.Context, sandboxID string) (*model.SandboxInstance, error) {
	output, err := p.docker(ctx, "inspect", "-f", "{{.State.Running}}", sandboxID).CombinedOutput()
	if err != nil {
		if isGone(string(output)) {
			return nil, model.ErrGone
		}
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if strings.TrimSpace(string(output)) != "true" {
		return nil, model.ErrGone
	}
	return &model.SandboxInstance{
		Provider: p.Name(),
		ID:       sandboxID,
		WorkPath: WorkPath,
	}, nil
}

// Exec runs a shell command inside the container workspace and collects
// its combined output.
func (p *Provider) Exec(ctx context.Context, inst *model.SandboxInstance, command string, timeout time.Duration) (*provider.ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := p.docker(execCtx, execArgs(inst, command)...)
	output, err := cmd.CombinedOutput()
	res := &provider.ExecResult{Stdout: string(output)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if isGone(string(output)) {
			return nil, model.ErrGone
		}
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return res, nil
}

// Stream runs a shell command inside the container and returns a
// line-by-line reader over its merged stdout/stderr.
func (p *Provider) Stream(ctx context.Context, inst *model.SandboxInstance, command string) (provider.LineScanner, error) {
	cmd := p.docker(ctx, execArgs(inst, command)...)

	// Redirect stderr into stdout so both streams are merged at the
	// source, keeping stderr interleaved in real time.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting stream: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)

	return &lineScanner{scanner: scanner, cmd: cmd}, nil
}

// HealthCheck probes the container by durable id.
func (p *Provider) HealthCheck(ctx context.Context, sandboxID string) provider.Health {
	output, err := p.docker(ctx, "inspect", "-f", "{{.State.Running}}", sandboxID).CombinedOutput()
	if err != nil {
		if isGone(string(output)) {
			return provider.Expired
		}
		return provider.Unreachable
	}
	if strings.TrimSpace(string(output)) == "true" {
		return provider.Healthy
	}
	return provider.Expired
}

// Destroy removes the container. Removing an already-gone container is a
// success.
func (p *Provider) Destroy(ctx context.Context, sandboxID string) error {
	output, err := p.docker(ctx, "rm", "-f", sandboxID).CombinedOutput()
	if err != nil {
		if isGone(string(output)) {
			return nil
		}
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// execArgs builds the docker exec invocation, running the command in the
// repository workspace when one exists.
func execArgs(inst *model.SandboxInstance, command string) []string {
	args := []string{"exec"}
	if inst.WorkPath != "" {
		args = append(args, "-w", inst.WorkPath)
	}
	return append(args, inst.ID, "bash", "-lc", command)
}

// isGone recognizes the docker CLI's "no such container" signals.
func isGone(output string) bool {
	out := strings.ToLower(output)
	return strings.Contains(out, "no such container") ||
		strings.Contains(out, "no such object") ||
		strings.Contains(out, "is not running")
}

// classify maps docker CLI failures to the provider error taxonomy so the
// retry boundary only retries what is actually transient.
func classify(err error, output string) error {
	out := strings.ToLower(output)
	if strings.Contains(out, "cannot connect to the docker daemon") ||
		strings.Contains(out, "i/o timeout") ||
		strings.Contains(out, "temporary failure") {
		return fmt.Errorf("%s: %w", strings.TrimSpace(output), model.ErrTransient)
	}
	return fmt.Errorf("%w: %s", err, strings.TrimSpace(output))
}

// lineScanner wraps a bufio.Scanner for reading streamed command output.
type lineScanner struct {
	scanner *bufio.Scanner
	cmd     *exec.Cmd
}

func (ls *lineScanner) Scan() bool   { return ls.scanner.Scan() }
func (ls *lineScanner) Text() string { return ls.scanner.Text() }
func (ls *lineScanner) Err() error   { return ls.scanner.Err() }

func (ls *lineScanner) Close() error {
	if ls.cmd.Process != nil {
		_ = ls.cmd.Process.Kill()
	}
	return ls.cmd.Wait()
}
