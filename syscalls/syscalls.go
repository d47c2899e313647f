//go:build linux

// Package syscalls provides thin wrappers over the Linux syscalls the library
// is built on, plus the signal-safe retry loop every blocking call goes
// through. Wrappers that exist in golang.org/x/sys/unix are used as-is;
// listmount, statmount and the unique-mount-id flavour of name_to_handle_at
// are invoked by number as x/sys does not cover them.
package syscalls

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Syscall numbers not exposed by x/sys/unix (standard amd64 mapping).
const (
	sysStatmount = 457
	sysListmount = 458
)

// MaxHandleSize is the kernel MAX_HANDLE_SZ limit on file handle payloads.
const MaxHandleSize = 128

// AtHandleMntIDUnique requests the unique 64-bit mount ID from name_to_handle_at.
const AtHandleMntIDUnique = 0x001

// ListmountRoot is the LSMT_ROOT sentinel selecting the mount namespace root.
const ListmountRoot = ^uint64(0)

// mntIDReq is the kernel mnt_id_req structure shared by statmount and listmount.
type mntIDReq struct {
	Size  uint32
	Spare uint32
	MntID uint64
	Param uint64
}

// Retry invokes fn until it returns without EINTR. Between attempts the
// context is consulted; a pending cancellation abandons the call and is
// returned to the caller instead of retrying.
func Retry(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}

		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Openat2 opens name relative to dirfd with the given open_how settings.
func Openat2(ctx context.Context, dirfd int, name string, how *unix.OpenHow) (int, error) {
	var fd int

	err := Retry(ctx, func() error {
		var err error
		fd, err = unix.Openat2(dirfd, name, how)
		return err
	})
	if err != nil {
		return -1, err
	}

	return fd, nil
}

// Statx stats path relative to dirfd, filling stx with the requested mask.
func Statx(ctx context.Context, dirfd int, path string, flags int, mask int, stx *unix.Statx_t) error {
	return Retry(ctx, func() error {
		return unix.Statx(dirfd, path, flags, mask, stx)
	})
}

// DupCloexec duplicates fd with the close-on-exec flag set on the copy.
func DupCloexec(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// Getdents fills buf with directory entries from fd.
func Getdents(ctx context.Context, fd int, buf []byte) (int, error) {
	var n int

	err := Retry(ctx, func() error {
		var err error
		n, err = unix.Getdents(fd, buf)
		return err
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

// Statmount fills buf with the statmount reply for the unique mount ID.
// EOVERFLOW is returned unwrapped so the caller can grow the buffer.
func Statmount(ctx context.Context, mntID uint64, mask uint64, buf []byte, flags uint) error {
	req := mntIDReq{
		Size:  uint32(unsafe.Sizeof(mntIDReq{})),
		MntID: mntID,
		Param: mask,
	}

	return Retry(ctx, func() error {
		_, _, errno := unix.Syscall6(sysStatmount, uintptr(unsafe.Pointer(&req)), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(flags), 0, 0)
		if errno != 0 {
			return errno
		}

		return nil
	})
}

// Listmount lists the unique IDs of mounts under the mount identified by
// mntID (ListmountRoot for the namespace root), starting after lastID.
// It returns the number of IDs written into ids.
func Listmount(ctx context.Context, mntID uint64, lastID uint64, ids []uint64, flags uint) (int, error) {
	if len(ids) == 0 {
		return 0, unix.EINVAL
	}

	req := mntIDReq{
		Size:  uint32(unsafe.Sizeof(mntIDReq{})),
		MntID: mntID,
		Param: lastID,
	}

	var n int
	err := Retry(ctx, func() error {
		r1, _, errno := unix.Syscall6(sysListmount, uintptr(unsafe.Pointer(&req)), uintptr(unsafe.Pointer(&ids[0])), uintptr(len(ids)), uintptr(flags), 0, 0)
		if errno != 0 {
			return errno
		}

		n = int(r1)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

// NameToHandleAt resolves path relative to dirfd into an opaque file handle.
// It first asks the kernel for the unique 64-bit mount ID; kernels without
// AT_HANDLE_MNT_ID_UNIQUE support fall back to the legacy 32-bit ID.
func NameToHandleAt(ctx context.Context, dirfd int, path string, flags int) (data []byte, handleType int32, mntID uint64, unique bool, err error) {
	data, handleType, mntID, err = nameToHandleUnique(ctx, dirfd, path, flags)
	if err == nil {
		return data, handleType, mntID, true, nil
	}

	if !errors.Is(err, unix.EINVAL) {
		return nil, 0, 0, false, err
	}

	var handle unix.FileHandle
	var legacyID int

	err = Retry(ctx, func() error {
		var err error
		handle, legacyID, err = unix.NameToHandleAt(dirfd, path, flags)
		return err
	})
	if err != nil {
		return nil, 0, 0, false, err
	}

	return handle.Bytes(), handle.Type(), uint64(uint32(legacyID)), false, nil
}

func nameToHandleUnique(ctx context.Context, dirfd int, path string, flags int) ([]byte, int32, uint64, error) {
	pathp, err := unix.BytePtrFromString(path)
	if err != nil {
		return nil, 0, 0, err
	}

	// struct file_handle header (handle_bytes, handle_type) plus payload.
	buf := make([]byte, 8+MaxHandleSize)
	*(*uint32)(unsafe.Pointer(&buf[0])) = MaxHandleSize

	var mntID uint64
	err = Retry(ctx, func() error {
		_, _, errno := unix.Syscall6(unix.SYS_NAME_TO_HANDLE_AT, uintptr(dirfd), uintptr(unsafe.Pointer(pathp)), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&mntID)), uintptr(flags|AtHandleMntIDUnique), 0)
		if errno != 0 {
			return errno
		}

		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}

	size := *(*uint32)(unsafe.Pointer(&buf[0]))
	if size > MaxHandleSize {
		return nil, 0, 0, fmt.Errorf("Kernel reported file handle size %d beyond MAX_HANDLE_SZ", size)
	}

	handleType := *(*int32)(unsafe.Pointer(&buf[4]))
	data := make([]byte, size)
	copy(data, buf[8:8+size])

	return data, handleType, mntID, nil
}

// OpenByHandleAt opens the object referenced by a previously obtained handle.
// mountFD must be an open descriptor on the filesystem the handle belongs to.
func OpenByHandleAt(ctx context.Context, mountFD int, handleType int32, data []byte, flags int) (int, error) {
	handle := unix.NewFileHandle(handleType, data)

	var fd int
	err := Retry(ctx, func() error {
		var err error
		fd, err = unix.OpenByHandleAt(mountFD, handle, flags)
		return err
	})
	if err != nil {
		return -1, err
	}

	return fd, nil
}

// Renameat2 renames oldpath to newpath with the given RENAME_* flags.
func Renameat2(ctx context.Context, olddirfd int, oldpath string, newdirfd int, newpath string, flags uint) error {
	return Retry(ctx, func() error {
		return unix.Renameat2(olddirfd, oldpath, newdirfd, newpath, flags)
	})
}

// Unmount detaches the mount at target with the given UMOUNT_* flags.
func Unmount(ctx context.Context, target string, flags int) error {
	return Retry(ctx, func() error {
		return unix.Unmount(target, flags)
	})
}

// CloseQuietly closes fd ignoring any error. For error paths and borrow ends.
func CloseQuietly(fd int) {
	_ = unix.Close(fd)
}
