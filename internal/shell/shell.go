package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
	"k8s.io/mount-utils"

	"github.com/sashakarcz/vrconf/internal/fileeditor"
)

// Executor runs system commands and performs the filesystem side effects
// that are not plain line edits
type Executor struct {
	fs           afero.Fs
	log          zerolog.Logger
	timeout      time.Duration
	hostnameFile string
	mounter      Mounter
	procs        ProcessLister
	ifaces       InterfaceSource
	signal       func(pid int, sig syscall.Signal) error
}

// Option configures an Executor
type Option func(*Executor)

// WithTimeout bounds every command. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithHostnameFile overrides the file Hostname reads
func WithHostnameFile(path string) Option {
	return func(e *Executor) { e.hostnameFile = path }
}

// WithMounter replaces the system mounter
func WithMounter(m Mounter) Option {
	return func(e *Executor) { e.mounter = m }
}

// WithProcessLister replaces the process table source
func WithProcessLister(p ProcessLister) Option {
	return func(e *Executor) { e.procs = p }
}

// WithInterfaceSource replaces the interface discovery source
func WithInterfaceSource(s InterfaceSource) Option {
	return func(e *Executor) { e.ifaces = s }
}

// WithSignalFunc replaces the function used to signal processes
func WithSignalFunc(fn func(pid int, sig syscall.Signal) error) Option {
	return func(e *Executor) { e.signal = fn }
}

// New creates a new executor. Without options it talks to the real system:
// procfs with a ps fallback, netlink interfaces and the kernel mounter.
func New(fs afero.Fs, log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		fs:           fs,
		log:          log.With().Str("component", "shell").Logger(),
		hostnameFile: "/etc/hostname",
		signal:       unix.Kill,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.mounter == nil {
		e.mounter = mount.New("")
	}
	if e.procs == nil {
		e.procs = &fallbackLister{
			primary:   NewProcfsLister(),
			secondary: &PsLister{exec: e},
			log:       e.log,
		}
	}
	if e.ifaces == nil {
		e.ifaces = NetlinkSource{}
	}

	return e
}

// Execute runs name with args and returns the combined output. Failures are
// returned as *CommandError.
func (e *Executor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.log.Debug().Str("command", name).Strs("args", args).Msg("Executing command")

	out, err := ExecCommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), &CommandError{
			CommandWithArgs: append([]string{name}, args...),
			Output:          string(out),
			ExitCode:        errToExitCode(err),
			Err:             err,
		}
	}

	return string(out), nil
}

// Service runs "service <name> <op>"
func (e *Executor) Service(ctx context.Context, name, op string) error {
	if _, err := e.Execute(ctx, "service", name, op); err != nil {
		return err
	}

	e.log.Info().Str("service", name).Str("op", op).Msg("Service command completed")
	return nil
}

// CopyIfAbsent copies src to dest unless dest already exists. It returns
// whether a copy was made.
func (e *Executor) CopyIfAbsent(src, dest string) (bool, error) {
	exists, err := afero.Exists(e.fs, dest)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", dest, err)
	}
	if exists {
		return false, nil
	}

	data, err := afero.ReadFile(e.fs, src)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", src, err)
	}

	mode := os.FileMode(0644)
	if info, err := e.fs.Stat(src); err == nil {
		mode = info.Mode().Perm()
	}

	if err := e.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	if err := afero.WriteFile(e.fs, dest, data, mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", dest, err)
	}

	e.log.Info().Str("src", src).Str("dest", dest).Msg("Copied file")
	return true, nil
}

// AddLineIfMissing appends line to path unless an equivalent line exists
func (e *Executor) AddLineIfMissing(path, line string) (bool, error) {
	f, err := fileeditor.Open(e.fs, path, e.log)
	if err != nil {
		return false, err
	}

	f.AddIfMissing(line)
	return f.Commit()
}

// Mkdir creates path and any missing parents
func (e *Executor) Mkdir(path string) error {
	if err := e.fs.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// RemoveAll removes path and everything below it. A missing path is fine.
func (e *Executor) RemoveAll(path string) error {
	if err := e.fs.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Remove deletes a single file. A missing file is fine.
func (e *Executor) Remove(path string) error {
	if err := e.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Hostname returns the first line of the hostname file
func (e *Executor) Hostname() (string, error) {
	data, err := afero.ReadFile(e.fs, e.hostnameFile)
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	if scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("hostname file %s is empty", e.hostnameFile)
}
