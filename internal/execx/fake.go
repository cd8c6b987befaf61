package execx

import (
	"context"
	"strings"
	"sync"
)

// Call records one invocation seen by FakeRunner.
type Call struct {
	Dir  string
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// FakeRunner is a scripted Runner for tests. Handle decides each call's
// outcome; a nil Handle makes every call succeed with no output.
type FakeRunner struct {
	Handle func(c Call) (Output, error)

	mu    sync.Mutex
	calls []Call
}

// Run records the call and delegates to Handle.
func (f *FakeRunner) Run(ctx context.Context, dir, name string, args ...string) (Output, error) {
	c := Call{Dir: dir, Name: name, Args: append([]string(nil), args...)}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Output{ExitCode: -1}, err
	}
	if f.Handle == nil {
		return Output{}, nil
	}
	return f.Handle(c)
}

// Calls returns a copy of the recorded calls.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Commands returns the recorded calls rendered as command lines.
func (f *FakeRunner) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Fail builds an ExitError for scripted failures.
func Fail(c Call, code int, output string) (Output, error) {
	return Output{Combined: output, ExitCode: code}, &ExitError{Command: c.String(), Code: code, Output: output}
}

var _ Runner = (*FakeRunner)(nil)
