package builder

import (
	"context"
	"os/exec"
	"syscall"
	"time"
)

// CommandRunner executes one pipeline step (install, typecheck, build) in a
// project directory and returns its combined output. Implementations must
// respect context cancellation.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. Processes receive SIGTERM on
// cancellation and are killed after a grace period.
type ExecRunner struct{}

// Run executes the command and returns its combined stdout/stderr.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
	return cmd.CombinedOutput()
}
