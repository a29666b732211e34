// Package vcs wraps the git CLI operations a unit's working copy needs:
// clone, fetch, ref inspection, checkout and fast-forward.
package vcs

import (
	"context"
	"os"
	"os/exec"
)

// CommandExecutor abstracts command execution for testability.
// This allows tests to mock git commands without executing them.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec. Cancelling ctx kills
// the child process.
type CLICommandExecutor struct {
	// Env is appended to the parent environment.
	Env []string
}

// NewCLICommandExecutor creates a new CLI command executor. Git never
// prompts for credentials; a prompt would hang a background task.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{Env: []string{"GIT_TERMINAL_PROMPT=0"}}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	return cmd.CombinedOutput()
}
