package reconciler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another reconciliation holds the lock
var ErrLocked = errors.New("another reconciliation is running")

// StaleLockAge is how old a lock file may get before its holder is checked
// for being alive
const StaleLockAge = 10 * time.Minute

// Lock is an advisory lock file holding the owner's PID
type Lock struct {
	fs   afero.Fs
	path string
	pid  int
}

// AcquireLock creates the lock file exclusively. A lock older than
// StaleLockAge is taken over only when the process it names is gone.
func AcquireLock(fs afero.Fs, path string) (*Lock, error) {
	l := &Lock{fs: fs, path: path, pid: os.Getpid()}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	err := l.create()
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}

	info, statErr := fs.Stat(path)
	if statErr != nil || time.Since(info.ModTime()) < StaleLockAge {
		return nil, ErrLocked
	}

	// A long run is still a run
	if holder, ok := l.holder(); ok && processAlive(holder) {
		return nil, ErrLocked
	}

	// Stale lock
	if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale lock %s: %w", path, err)
	}
	if err := l.create(); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	return l, nil
}

func (l *Lock) create() error {
	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(strconv.Itoa(l.pid) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// holder returns the PID written in the lock file. ok is false when the
// file is gone or does not hold a PID.
func (l *Lock) holder() (int, bool) {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid exists. EPERM means it exists under
// another user.
func processAlive(pid int) bool {
	return !errors.Is(unix.Kill(pid, 0), unix.ESRCH)
}

// Release removes the lock file while it still holds our PID. A lock that
// was taken over by another process is left alone.
func (l *Lock) Release() error {
	if pid, ok := l.holder(); !ok || pid != l.pid {
		return nil
	}
	if err := l.fs.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}
