package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes a single configuration value.
type configKey struct {
	Key      string
	Desc     string
	Required bool
	Secret   bool
	Prefix   string // expected prefix for validation, empty = no check
}

// allConfigKeys lists every configurable value in display order.
var allConfigKeys = []configKey{
	{"GITHUB_TOKEN", "GitHub personal access token (repo scope)", true, true, ""},
	{"ANTHROPIC_API_KEY", "Anthropic API key", false, true, "sk-ant-"},
	{"OPENAI_API_KEY", "OpenAI API key", false, true, "sk-"},
	{"PARALLAX_AGENT", "Coding agent (claude-code, codex, opencode, auto)", false, false, ""},
	{"PARALLAX_PROVIDER", "Sandbox provider (docker, cloudvm, interpreter, fastbox)", false, false, ""},
	{"PARALLAX_CLOUDVM_URL", "Cloud VM API base URL", false, false, ""},
	{"PARALLAX_CLOUDVM_TEAM", "Cloud VM team id", false, false, ""},
	{"PARALLAX_CLOUDVM_PROJECT", "Cloud VM project id", false, false, ""},
	{"PARALLAX_CLOUDVM_TOKEN", "Cloud VM API token", false, true, ""},
	{"PARALLAX_INTERPRETER_URL", "Code interpreter API base URL", false, false, ""},
	{"PARALLAX_INTERPRETER_KEY", "Code interpreter API key", false, true, ""},
	{"PARALLAX_FASTBOX_URL", "Fastbox API base URL", false, false, ""},
	{"PARALLAX_FASTBOX_KEY", "Fastbox API key", false, true, ""},
}

var validAgents = map[string]bool{
	"claude-code": true, "codex": true, "opencode": true, "auto": true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Parallax configuration",
	Long: `Manage Parallax configuration (tokens, API keys, etc.).

Configuration is stored in ~/.parallax/config.env and can be overridden
by environment variables.

  parallax config setup              Guided setup
  parallax config set KEY VALUE      Set a single config value
  parallax config show               Show current configuration
  parallax config path               Print config file path`,
}

var (
	setupNonInteractive bool
	setupGitHubToken    string
	setupAgent          string
)

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Guided setup",
	Long: `Walks through the required and optional settings, validating input.

Non-interactive mode for CI/scripting:
  parallax config setup --non-interactive --github-token=ghp_xxx`,
	RunE: runConfigSetup,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(configFilePath())
		return nil
	},
}

func init() {
	configSetupCmd.Flags().BoolVar(&setupNonInteractive, "non-interactive", false, "Run without prompts (requires --github-token)")
	configSetupCmd.Flags().StringVar(&setupGitHubToken, "github-token", "", "GitHub token (non-interactive mode)")
	configSetupCmd.Flags().StringVar(&setupAgent, "agent", "auto", "Coding agent: claude-code, codex, opencode, auto")

	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// configFilePath returns ~/.parallax/config.env.
func configFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".parallax", "config.env")
	}
	return filepath.Join(home, ".parallax", "config.env")
}

// loadConfigFile reads key=value pairs from the config file.
func loadConfigFile() (map[string]string, error) {
	values := make(map[string]string)

	f, err := os.Open(configFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}
	return values, scanner.Err()
}

// saveConfigFile writes key=value pairs to the config file with 0600 perms
// since it holds secrets.
func saveConfigFile(values map[string]string) error {
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# Parallax configuration")
	fmt.Fprintln(f, "# Managed by: parallax config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	// Known keys first, in display order, then any extras.
	written := make(map[string]bool)
	for _, ck := range allConfigKeys {
		if v, ok := values[ck.Key]; ok && v != "" {
			fmt.Fprintf(f, "%s=%s\n", ck.Key, v)
			written[ck.Key] = true
		}
	}
	var extras []string
	for k := range values {
		if !written[k] && values[k] != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}

	return nil
}

// effectiveValue returns the current value for a key, preferring env vars
// over the config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret shows only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func runConfigSetup(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	if setupNonInteractive {
		if setupGitHubToken == "" {
			return fmt.Errorf("--github-token is required with --non-interactive")
		}
		if !validAgents[setupAgent] {
			return fmt.Errorf("invalid agent %q (valid: claude-code, codex, opencode, auto)", setupAgent)
		}
		fileValues["GITHUB_TOKEN"] = setupGitHubToken
		fileValues["PARALLAX_AGENT"] = setupAgent
		if err := saveConfigFile(fileValues); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", configFilePath())
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Println()
	fmt.Println("  Parallax Setup")
	fmt.Println("  Press Enter at any prompt to keep the current value.")
	fmt.Println()

	changed := 0
	for _, ck := range allConfigKeys {
		current := effectiveValue(ck.Key, fileValues)
		status := "not set"
		if current != "" {
			if ck.Secret {
				status = "set (" + maskSecret(current) + ")"
			} else {
				status = "set (" + current + ")"
			}
		}
		fmt.Printf("  %s — %s [%s]\n", ck.Key, ck.Desc, status)
		fmt.Print("  Value (Enter to keep): ")
		input, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if ck.Prefix != "" && !strings.HasPrefix(input, ck.Prefix) {
			fmt.Printf("  !  Expected prefix %q, value skipped.\n", ck.Prefix)
			continue
		}
		if ck.Key == "PARALLAX_AGENT" && !validAgents[input] {
			fmt.Println("  !  Unknown agent, value skipped.")
			continue
		}
		fileValues[ck.Key] = input
		changed++
	}

	if err := saveConfigFile(fileValues); err != nil {
		return err
	}
	fmt.Printf("\n  %d value(s) updated. Configuration written to %s\n", changed, configFilePath())
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if key == "PARALLAX_AGENT" && !validAgents[value] {
		return fmt.Errorf("invalid agent %q (valid: claude-code, codex, opencode, auto)", value)
	}

	fileValues[key] = value
	if err := saveConfigFile(fileValues); err != nil {
		return err
	}
	fmt.Printf("%s saved to %s\n", key, configFilePath())
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	for _, ck := range allConfigKeys {
		v := effectiveValue(ck.Key, fileValues)
		display := "(not set)"
		if v != "" {
			display = v
			if ck.Secret {
				display = maskSecret(v)
			}
		}
		marker := " "
		if ck.Required && v == "" {
			marker = "!"
		}
		fmt.Printf("  %s %-26s %s\n", marker, ck.Key, display)
	}
	return nil
}
