package shell

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Service actions reported by HupOrStart
const (
	ActionHup     = "hup"
	ActionStart   = "start"
	ActionRestart = "restart"
	ActionStop    = "stop"
)

// ServiceAction records one action taken on a daemon
type ServiceAction struct {
	Service string
	Action  string
}

func (a ServiceAction) String() string {
	return a.Service + ":" + a.Action
}

// Process is one entry of the process table
type Process struct {
	PID  int
	User string
	Comm string
}

// ProcessLister returns the current process table
type ProcessLister interface {
	Processes(ctx context.Context) ([]Process, error)
}

// ProcfsLister reads the process table from /proc
type ProcfsLister struct {
	mountPoint string
	lookupUser func(uid string) (string, error)
	users      map[uint64]string
}

// NewProcfsLister creates a lister for the default /proc mount
func NewProcfsLister() *ProcfsLister {
	return NewProcfsListerAt(procfs.DefaultMountPoint)
}

// NewProcfsListerAt creates a lister for a proc filesystem mounted elsewhere
func NewProcfsListerAt(mountPoint string) *ProcfsLister {
	return &ProcfsLister{
		mountPoint: mountPoint,
		lookupUser: lookupUsername,
		users:      make(map[uint64]string),
	}
}

func (l *ProcfsLister) Processes(_ context.Context) ([]Process, error) {
	fs, err := procfs.NewFS(l.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}

	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	result := make([]Process, 0, len(procs))
	for _, p := range procs {
		// Processes may exit while we walk the table
		comm, err := p.Comm()
		if err != nil {
			continue
		}
		status, err := p.NewStatus()
		if err != nil {
			continue
		}

		result = append(result, Process{
			PID:  p.PID,
			User: l.username(status.UIDs[0]),
			Comm: comm,
		})
	}
	return result, nil
}

func (l *ProcfsLister) username(uid uint64) string {
	if name, ok := l.users[uid]; ok {
		return name
	}

	id := strconv.FormatUint(uid, 10)
	name, err := l.lookupUser(id)
	if err != nil {
		name = id
	}
	l.users[uid] = name
	return name
}

func lookupUsername(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// PsLister parses "ps -eo user=,pid=,comm=" for systems without /proc
type PsLister struct {
	exec *Executor
}

func (l *PsLister) Processes(ctx context.Context) ([]Process, error) {
	out, err := l.exec.Execute(ctx, "ps", "-eo", "user=,pid=,comm=")
	if err != nil {
		return nil, err
	}
	return ParsePs(out), nil
}

// ParsePs parses rows of "user pid comm"
func ParsePs(output string) []Process {
	var result []Process
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		result = append(result, Process{
			PID:  pid,
			User: fields[0],
			Comm: fields[2],
		})
	}
	return result
}

type fallbackLister struct {
	primary   ProcessLister
	secondary ProcessLister
	log       zerolog.Logger
}

func (l *fallbackLister) Processes(ctx context.Context) ([]Process, error) {
	procs, err := l.primary.Processes(ctx)
	if err == nil {
		return procs, nil
	}

	l.log.Warn().Err(err).Msg("Process table unavailable from procfs, falling back to ps")
	procs, psErr := l.secondary.Processes(ctx)
	if psErr != nil {
		return nil, errors.Join(err, psErr)
	}
	return procs, nil
}

// FindProcesses returns processes named name. An empty owner matches any user.
func (e *Executor) FindProcesses(ctx context.Context, name, owner string) ([]Process, error) {
	procs, err := e.procs.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}

	var found []Process
	for _, p := range procs {
		if p.Comm != name {
			continue
		}
		if owner != "" && p.User != owner {
			continue
		}
		found = append(found, p)
	}
	return found, nil
}

// IsRunning reports whether any process named name exists
func (e *Executor) IsRunning(ctx context.Context, name string) (bool, error) {
	found, err := e.FindProcesses(ctx, name, "")
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// HupOrStart sends SIGHUP to every process named name owned by owner. When
// none is running the service is started instead. It returns the action
// taken.
func (e *Executor) HupOrStart(ctx context.Context, name, owner string) (string, error) {
	found, err := e.FindProcesses(ctx, name, owner)
	if err != nil {
		return "", err
	}

	hupped := false
	for _, p := range found {
		if err := e.signal(p.PID, unix.SIGHUP); err != nil {
			e.log.Warn().Err(err).Int("pid", p.PID).Str("process", name).Msg("Failed to send SIGHUP")
			continue
		}
		e.log.Info().Int("pid", p.PID).Str("process", name).Msg("Sent SIGHUP")
		hupped = true
	}
	if hupped {
		return ActionHup, nil
	}

	if err := e.Service(ctx, name, "start"); err != nil {
		return "", err
	}
	return ActionStart, nil
}
