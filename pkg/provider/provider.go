// Package provider defines the SandboxProvider contract for Parallax
// sandbox execution, polymorphic over cloud-VM, local-container,
// code-interpreter, and fast-cloud backends.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/parallax-dev/parallax/pkg/model"
)

// Health is the tri-state outcome of a sandbox health probe.
type Health string

const (
	// Healthy means the sandbox is live and reusable.
	Healthy Health = "healthy"
	// Expired means the provider reports the sandbox as gone. This is a
	// recreation trigger, never a generic error.
	Expired Health = "expired"
	// Unreachable means the probe itself failed; liveness is unknown.
	Unreachable Health = "unreachable"
)

// CreateConfig describes the sandbox to provision. Create clones the
// repository with a provider-appropriate authenticated URL, checks out the
// task branch, and installs dependencies for the detected package manager.
type CreateConfig struct {
	TaskID     string
	Repo       string // "owner/repo"
	Branch     string
	BaseBranch string
	GitToken   string
	Env        []string
	KeepAlive  bool
}

// ExecResult is the outcome of a non-streaming command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LineScanner provides line-by-line reading of streamed sandbox output.
type LineScanner interface {
	Scan() bool
	Text() string
	Err() error
	Close() error
}

// SandboxProvider is the pluggable sandbox backend contract.
//
// The orchestrating process may be re-instantiated between calls, so the
// in-memory SandboxInstance never outlives an invocation: every provider
// must be able to rebuild a live handle from the durable id alone.
type SandboxProvider interface {
	// Name returns the provider identifier (e.g. "docker", "cloudvm").
	Name() string

	// Create provisions a sandbox, prepares the repository, and returns
	// the instance. Transient provider failures are retried internally
	// with bounded exponential backoff.
	Create(ctx context.Context, cfg CreateConfig) (*model.SandboxInstance, error)

	// Reconnect rebuilds a live instance from a durable sandbox id.
	// Returns model.ErrGone if the provider reports the sandbox as gone.
	Reconnect(ctx context.Context, sandboxID string) (*model.SandboxInstance, error)

	// Exec runs a command in the sandbox workspace and collects output.
	// A zero timeout means the provider default.
	Exec(ctx context.Context, inst *model.SandboxInstance, command string, timeout time.Duration) (*ExecResult, error)

	// Stream runs a command and returns a line scanner over its merged
	// stdout/stderr. The caller must Close the scanner.
	Stream(ctx context.Context, inst *model.SandboxInstance, command string) (LineScanner, error)

	// HealthCheck probes a sandbox by durable id. A provider-specific
	// "gone" signal maps to Expired, probe failures to Unreachable.
	HealthCheck(ctx context.Context, sandboxID string) Health

	// Destroy tears down a sandbox by durable id. Destroying an
	// already-gone sandbox is a success, not an error: the caller cannot
	// always know liveness in advance.
	Destroy(ctx context.Context, sandboxID string) error
}

// Registry holds named SandboxProvider implementations.
var registry = map[string]SandboxProvider{}

// Register adds a SandboxProvider to the global registry.
func Register(p SandboxProvider) {
	registry[p.Name()] = p
}

// Get returns a SandboxProvider by name, or an error if not registered.
func Get(name string) (SandboxProvider, error) {
	if p, ok := registry[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown sandbox provider: %q", name)
}

// Names returns all registered provider names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
