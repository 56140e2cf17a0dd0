package engine

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"time"
)

// Command is one engine process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// RunOutput is what the process left behind.
type RunOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command and waits for it. Implementations must kill
// the process when ctx is done. A non-nil error with a non-nil output means
// the process ran and failed; a nil output means it never started.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*RunOutput, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, c Command) (*RunOutput, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &RunOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, err
	}
	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, err
	}
	return nil, err
}
