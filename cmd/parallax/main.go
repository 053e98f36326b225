// Parallax
//
// Task-execution and sandbox lifecycle orchestrator for background coding
// agents. Send a task, get a PR.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "parallax",
	Short: "Parallax - background coding agent orchestrator",
	Long: `Parallax runs coding agents in ephemeral sandboxes and turns prompts
into pull requests.

  parallax serve    Start the API server`,
	Version: version,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
