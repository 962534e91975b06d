package shell

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Cmd abstracts command execution for testing
type Cmd interface {
	CombinedOutput() ([]byte, error)
}

// ExecCommandContextFactory creates a Cmd for the given command and arguments
type ExecCommandContextFactory func(ctx context.Context, name string, arg ...string) Cmd

// ExecCommandContext is overridable for testing purposes
var ExecCommandContext ExecCommandContextFactory = func(ctx context.Context, name string, arg ...string) Cmd {
	return (*execCmd)(exec.CommandContext(ctx, name, arg...))
}

// isolates callers from the exec.Cmd struct fields
type execCmd exec.Cmd

var _ Cmd = &execCmd{}

func (r *execCmd) CombinedOutput() ([]byte, error) { return (*exec.Cmd)(r).CombinedOutput() }

// CommandError is returned for every failed command
type CommandError struct {
	CommandWithArgs []string
	Output          string
	ExitCode        int
	Err             error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.CommandWithArgs, " "), e.Err)
	if e.Output == "" {
		return msg
	}
	return fmt.Sprintf("%s; output: %q", msg, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// helper to isolate from exec.ExitError
func errToExitCode(err error) int {
	type exitCode interface{ ExitCode() int }

	if errWithExitCode, ok := err.(exitCode); ok {
		return errWithExitCode.ExitCode()
	}

	return -1
}
