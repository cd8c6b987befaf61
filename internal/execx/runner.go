// Package execx runs external tools (dvc, git) behind a small seam so recorders
// can be tested with scripted fakes.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Output captures one finished process.
type Output struct {
	Combined string
	ExitCode int
}

// Runner launches a command in dir and waits for it.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Output, error)
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, out)
}

// ExitCode returns the exit status carried by err, 0 for nil and -1 when the
// process never produced one (not found, killed by context).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// ExecRunner runs real processes through os/exec.
type ExecRunner struct{}

// NewExecRunner returns an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes name with args in dir, capturing combined stdout and stderr.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- binaries come from configuration.
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := Output{Combined: buf.String()}
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		return out, fmt.Errorf("run %s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, &ExitError{
			Command: strings.TrimSpace(name + " " + strings.Join(args, " ")),
			Code:    out.ExitCode,
			Output:  out.Combined,
		}
	}
	out.ExitCode = -1
	return out, fmt.Errorf("run %s: %w", name, err)
}

var _ Runner = (*ExecRunner)(nil)
