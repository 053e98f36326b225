// Package config provides configuration management for the Parallax server.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all configuration for the Parallax server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// GitHubToken is the personal access token for GitHub API operations
	// and for authenticated clones inside sandboxes. Never logged.
	GitHubToken string

	// LLM provider API keys (passed to sandbox as env vars, never logged).
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// DefaultAgent selects the coding agent when a task does not name one
	// ("claude-code", "codex", "opencode", or "auto").
	DefaultAgent string

	// DefaultProvider selects the sandbox provider when a task does not
	// name one ("docker", "cloudvm", "interpreter", "fastbox").
	DefaultProvider string

	// Docker provider settings.
	DockerImage   string
	DockerNetwork string

	// Cloud VM provider settings.
	CloudVMBaseURL   string
	CloudVMTeamID    string
	CloudVMProjectID string
	CloudVMToken     string

	// Code-interpreter provider settings.
	InterpreterBaseURL  string
	InterpreterAPIKey   string
	InterpreterTemplate string

	// Fastbox provider settings.
	FastboxBaseURL string
	FastboxAPIKey  string
	FastboxImage   string

	// PollInterval is how often the lifecycle monitor re-reads durable
	// state. Default: 2 seconds.
	PollInterval time.Duration

	// InactivityTimeout terminates a task whose agent produced no output
	// for this long. Default: 60 seconds.
	InactivityTimeout time.Duration

	// MaxTaskDuration is the absolute cap for tasks that do not set their
	// own. Default: 30 minutes.
	MaxTaskDuration time.Duration
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.parallax/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("PARALLAX_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:      envOr("PARALLAX_ADDR", ":7080"),
		DataDir:         dataDir,
		DatabasePath:    filepath.Join(dataDir, "parallax.db"),
		GitHubToken:     os.Getenv("GITHUB_TOKEN"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),

		DefaultAgent:    envOr("PARALLAX_AGENT", "auto"),
		DefaultProvider: envOr("PARALLAX_PROVIDER", "docker"),

		DockerImage:   envOr("PARALLAX_DOCKER_IMAGE", "parallax-sandbox"),
		DockerNetwork: envOr("PARALLAX_DOCKER_NETWORK", ""),

		CloudVMBaseURL:   os.Getenv("PARALLAX_CLOUDVM_URL"),
		CloudVMTeamID:    os.Getenv("PARALLAX_CLOUDVM_TEAM"),
		CloudVMProjectID: os.Getenv("PARALLAX_CLOUDVM_PROJECT"),
		CloudVMToken:     os.Getenv("PARALLAX_CLOUDVM_TOKEN"),

		InterpreterBaseURL:  os.Getenv("PARALLAX_INTERPRETER_URL"),
		InterpreterAPIKey:   os.Getenv("PARALLAX_INTERPRETER_KEY"),
		InterpreterTemplate: envOr("PARALLAX_INTERPRETER_TEMPLATE", "base"),

		FastboxBaseURL: os.Getenv("PARALLAX_FASTBOX_URL"),
		FastboxAPIKey:  os.Getenv("PARALLAX_FASTBOX_KEY"),
		FastboxImage:   envOr("PARALLAX_FASTBOX_IMAGE", "parallax-sandbox"),

		PollInterval:      envOrDuration("PARALLAX_POLL_INTERVAL", 2*time.Second),
		InactivityTimeout: envOrDuration("PARALLAX_INACTIVITY_TIMEOUT", 60*time.Second),
		MaxTaskDuration:   envOrDuration("PARALLAX_MAX_TASK_DURATION", 30*time.Minute),
	}

	return cfg, nil
}

// loadConfigFile reads ~/.parallax/config.env and sets any values that are
// not already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}
	switch c.DefaultProvider {
	case "docker":
	case "cloudvm":
		if c.CloudVMBaseURL == "" || c.CloudVMToken == "" {
			return fmt.Errorf("PARALLAX_CLOUDVM_URL and PARALLAX_CLOUDVM_TOKEN are required for the cloudvm provider")
		}
	case "interpreter":
		if c.InterpreterBaseURL == "" || c.InterpreterAPIKey == "" {
			return fmt.Errorf("PARALLAX_INTERPRETER_URL and PARALLAX_INTERPRETER_KEY are required for the interpreter provider")
		}
	case "fastbox":
		if c.FastboxBaseURL == "" || c.FastboxAPIKey == "" {
			return fmt.Errorf("PARALLAX_FASTBOX_URL and PARALLAX_FASTBOX_KEY are required for the fastbox provider")
		}
	default:
		return fmt.Errorf("unknown sandbox provider %q", c.DefaultProvider)
	}
	return nil
}

// SandboxEnv returns environment variables to pass into sandboxes.
func (c *Config) SandboxEnv() []string {
	env := []string{
		"GITHUB_TOKEN=" + c.GitHubToken,
	}
	if c.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.AnthropicAPIKey)
	}
	if c.OpenAIAPIKey != "" {
		env = append(env, "OPENAI_API_KEY="+c.OpenAIAPIKey)
	}
	return env
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parallax"
	}
	return filepath.Join(home, ".parallax")
}
