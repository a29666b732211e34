package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// Executor runs an external command with its combined output streamed to out.
type Executor interface {
	Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) error
}

// CLIExecutor runs commands with os/exec. Cancelling ctx kills the process.
type CLIExecutor struct {
	// Env is appended to the parent environment.
	Env []string
}

// Run implements Executor.
func (e *CLIExecutor) Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	return cmd.Run()
}
