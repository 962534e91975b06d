package shell

import (
	"fmt"
	"path/filepath"

	"k8s.io/mount-utils"
)

// Mounter is the part of mount.Interface the executor needs
type Mounter interface {
	Mount(source, target, fstype string, options []string) error
	Unmount(target string) error
	List() ([]mount.MountPoint, error)
}

// IsMounted reports whether a tmpfs is mounted exactly at path
func (e *Executor) IsMounted(path string) (bool, error) {
	mps, err := e.mounter.List()
	if err != nil {
		return false, fmt.Errorf("failed to list mount points: %w", err)
	}

	path = filepath.Clean(path)
	for _, mp := range mps {
		if filepath.Clean(mp.Path) == path && mp.Type == "tmpfs" {
			return true, nil
		}
	}
	return false, nil
}

// MountTmpfs mounts a tmpfs at path unless one is already there
func (e *Executor) MountTmpfs(path string) error {
	mounted, err := e.IsMounted(path)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := e.mounter.Mount("tmpfs", path, "tmpfs", nil); err != nil {
		return fmt.Errorf("failed to mount tmpfs at %s: %w", path, err)
	}

	e.log.Info().Str("path", path).Msg("Mounted tmpfs")
	return nil
}

// UnmountTmpfs unmounts the tmpfs at path if there is one
func (e *Executor) UnmountTmpfs(path string) error {
	mounted, err := e.IsMounted(path)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}

	if err := e.mounter.Unmount(path); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", path, err)
	}

	e.log.Info().Str("path", path).Msg("Unmounted tmpfs")
	return nil
}
