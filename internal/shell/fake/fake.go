package fake

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/sashakarcz/vrconf/internal/shell"
)

// Exec replaces shell.ExecCommandContext with a queue of expected commands
type Exec struct {
	cmds []*ExpectedCmd
}

func (b *Exec) ExpectCommands(cmds ...*ExpectedCmd) {
	b.cmds = append(b.cmds, cmds...)
}

func (b *Exec) Setup(t *testing.T) {
	t.Helper()

	tmp := shell.ExecCommandContext

	i := 0

	shell.ExecCommandContext = func(ctx context.Context, name string, args ...string) shell.Cmd {
		if len(b.cmds) <= i {
			t.Fatalf("expected %d command executions, got more: %s %s", len(b.cmds), name, strings.Join(args, " "))
		}
		cmd := b.cmds[i]

		if !cmd.Matches(name, args...) {
			t.Fatalf("unexpected command at call index %d: got %s %v, want %s %v", i, name, args, cmd.Name, cmd.Args)
		}

		i++
		return cmd
	}

	t.Cleanup(func() {
		shell.ExecCommandContext = tmp

		if i != len(b.cmds) {
			t.Errorf("expected %d command executions, got %d", len(b.cmds), i)
		}
	})
}

type ExpectedCmd struct {
	Name string
	Args []string

	ResultOutput []byte
	ResultErr    error
}

var _ shell.Cmd = &ExpectedCmd{}

func (c *ExpectedCmd) Matches(name string, args ...string) bool {
	return c.Name == name && slices.Equal(c.Args, args)
}

func (c *ExpectedCmd) CombinedOutput() ([]byte, error) {
	return c.ResultOutput, c.ResultErr
}

// Service builds the expectation for "service <name> <op>"
func Service(name, op string) *ExpectedCmd {
	return &ExpectedCmd{Name: "service", Args: []string{name, op}}
}

type ExitErr struct{ Code int }

func (e ExitErr) Error() string { return fmt.Sprintf("exit status %d", e.Code) }
func (e ExitErr) ExitCode() int { return e.Code }

// ProcessTable is a static process table
type ProcessTable struct {
	Procs []shell.Process
	Err   error
}

var _ shell.ProcessLister = &ProcessTable{}

func (p *ProcessTable) Processes(_ context.Context) ([]shell.Process, error) {
	return slices.Clone(p.Procs), p.Err
}

// Signals records every signal sent instead of delivering it
type Signals struct {
	mu   sync.Mutex
	Sent []Signal
}

type Signal struct {
	PID int
	Sig syscall.Signal
}

func (s *Signals) Send(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, Signal{PID: pid, Sig: sig})
	return nil
}

// Interfaces is a static interface source
type Interfaces struct {
	List []shell.Interface
	Err  error
}

var _ shell.InterfaceSource = &Interfaces{}

func (f *Interfaces) Interfaces(_ context.Context) ([]shell.Interface, error) {
	return slices.Clone(f.List), f.Err
}

// Interface builds a shell.Interface from device and CIDR, failing the test
// on a malformed address
func Interface(t *testing.T, device, cidr string) shell.Interface {
	t.Helper()

	ifaces, err := shell.ParseIPAddrShow(fmt.Sprintf("    inet %s scope global %s", cidr, device))
	if err != nil || len(ifaces) != 1 {
		t.Fatalf("bad interface %s %s: %v", device, cidr, err)
	}
	return ifaces[0]
}
