//go:build linux

package mount

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/shared/revert"
	"github.com/truenas/linuxfs/syscalls"
)

// FsopenChain creates a new detached mount through the fsopen, fsconfig,
// fsmount sequence and returns the mount fd. Options with empty values are
// set as flags. The returned fd can be attached with Attach or used with
// mount_setattr before attachment.
func FsopenChain(ctx context.Context, fstype string, source string, options map[string]string) (int, error) {
	var fsfd int

	err := syscalls.Retry(ctx, func() error {
		var err error
		fsfd, err = unix.Fsopen(fstype, unix.FSOPEN_CLOEXEC)
		return err
	})
	if err != nil {
		return -1, fmt.Errorf("Failed to fsopen %q: %w", fstype, err)
	}

	reverter := revert.New()
	defer reverter.Fail()
	reverter.Add(func() { syscalls.CloseQuietly(fsfd) })

	if source != "" {
		err = syscalls.Retry(ctx, func() error {
			return unix.FsconfigSetString(fsfd, "source", source)
		})
		if err != nil {
			return -1, fmt.Errorf("Failed to set source %q on %q: %w", source, fstype, err)
		}
	}

	for key, value := range options {
		err = syscalls.Retry(ctx, func() error {
			if value == "" {
				return unix.FsconfigSetFlag(fsfd, key)
			}

			return unix.FsconfigSetString(fsfd, key, value)
		})
		if err != nil {
			return -1, fmt.Errorf("Failed to configure %q=%q on %q: %w", key, value, fstype, err)
		}
	}

	err = syscalls.Retry(ctx, func() error {
		return unix.FsconfigCreate(fsfd)
	})
	if err != nil {
		return -1, fmt.Errorf("Failed to create %q superblock: %w", fstype, err)
	}

	var mntfd int
	err = syscalls.Retry(ctx, func() error {
		var err error
		mntfd, err = unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
		return err
	})
	if err != nil {
		return -1, fmt.Errorf("Failed to fsmount %q: %w", fstype, err)
	}

	syscalls.CloseQuietly(fsfd)
	reverter.Success()

	return mntfd, nil
}

// Attach moves the detached mount referenced by mntFD onto target.
func Attach(ctx context.Context, mntFD int, target string) error {
	err := syscalls.Retry(ctx, func() error {
		return unix.MoveMount(mntFD, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH)
	})
	if err != nil {
		return fmt.Errorf("Failed to attach mount at %q: %w", target, err)
	}

	return nil
}

// OpenTree clones (or opens) the mount tree at path relative to dirfd.
func OpenTree(ctx context.Context, dirfd int, path string, flags uint) (int, error) {
	var fd int

	err := syscalls.Retry(ctx, func() error {
		var err error
		fd, err = unix.OpenTree(dirfd, path, flags)
		return err
	})
	if err != nil {
		return -1, fmt.Errorf("Failed to open_tree %q: %w", path, err)
	}

	return fd, nil
}

// SetAttr changes mount attributes on the mount at path relative to dirfd.
func SetAttr(ctx context.Context, dirfd int, path string, flags uint, attr *unix.MountAttr) error {
	err := syscalls.Retry(ctx, func() error {
		return unix.MountSetattr(dirfd, path, flags, attr)
	})
	if err != nil {
		return fmt.Errorf("Failed to set mount attributes on %q: %w", path, err)
	}

	return nil
}

// Detach unmounts target. Flags are the umount2 MNT_* values.
func Detach(ctx context.Context, target string, flags int) error {
	err := syscalls.Unmount(ctx, target, flags)
	if err != nil {
		return fmt.Errorf("Failed to unmount %q: %w", target, err)
	}

	return nil
}
