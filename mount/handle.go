//go:build linux

package mount

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/statx"
	"github.com/truenas/linuxfs/syscalls"
)

// ErrMountMismatch indicates the mount fd given to FileHandle.Open belongs to
// a different filesystem than the one the handle was resolved against.
var ErrMountMismatch = errors.New("File handle mount ID does not match the provided mount")

// FileHandle is an opaque kernel reference to an inode-like object together
// with the ID of the mount it was resolved against. Handles survive reboots
// as long as the filesystem supports stable handle encoding (e.g. ZFS, ext4).
type FileHandle struct {
	// HandleType is the kernel handle_type discriminator.
	HandleType int32

	// Data is the opaque handle payload, at most syscalls.MaxHandleSize bytes.
	Data []byte

	// MountID identifies the mount the handle was resolved against.
	// UniqueMountID reports whether it is the unique 64-bit flavour rather
	// than the legacy reusable 32-bit one.
	MountID       uint64
	UniqueMountID bool
}

// NewHandleAt resolves path relative to dirfd into a persistent file handle.
func NewHandleAt(ctx context.Context, dirfd int, path string, flags int) (*FileHandle, error) {
	data, handleType, mntID, unique, err := syscalls.NameToHandleAt(ctx, dirfd, path, flags)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode file handle for %q: %w", path, err)
	}

	return &FileHandle{
		HandleType:    handleType,
		Data:          data,
		MountID:       mntID,
		UniqueMountID: unique,
	}, nil
}

// Open opens the object the handle refers to. mountFD must be an open
// descriptor on the filesystem recorded in the handle; a mount ID mismatch
// fails with ErrMountMismatch before the kernel is asked to open anything.
func (h *FileHandle) Open(ctx context.Context, mountFD int, flags int) (int, error) {
	mask := unix.STATX_MNT_ID
	if h.UniqueMountID {
		mask = unix.STATX_MNT_ID_UNIQUE
	}

	rec, err := statx.File(ctx, mountFD, mask)
	if err != nil {
		return -1, err
	}

	if h.UniqueMountID {
		if !rec.MntIDUnique {
			return -1, errors.New("Kernel does not report unique mount IDs for handle verification")
		}

		if rec.MntID != h.MountID {
			return -1, fmt.Errorf("%w: handle %d, mount %d", ErrMountMismatch, h.MountID, rec.MntID)
		}
	} else if uint64(uint32(rec.MntID)) != h.MountID {
		return -1, fmt.Errorf("%w: handle %d, mount %d", ErrMountMismatch, h.MountID, rec.MntID)
	}

	fd, err := syscalls.OpenByHandleAt(ctx, mountFD, h.HandleType, h.Data, flags)
	if err != nil {
		return -1, fmt.Errorf("Failed to open file handle: %w", err)
	}

	return fd, nil
}

// handleWireOverhead is the serialized size beyond the handle payload:
// handle_bytes, handle_type, mount ID and the unique-flavour flag.
const handleWireOverhead = 4 + 4 + 8 + 1

// MarshalBinary serializes the handle for persistent storage.
func (h *FileHandle) MarshalBinary() ([]byte, error) {
	if len(h.Data) > syscalls.MaxHandleSize {
		return nil, fmt.Errorf("File handle payload %d exceeds MAX_HANDLE_SZ", len(h.Data))
	}

	buf := make([]byte, 0, handleWireOverhead+len(h.Data))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Data)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.HandleType))
	buf = append(buf, h.Data...)
	buf = binary.LittleEndian.AppendUint64(buf, h.MountID)
	if h.UniqueMountID {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf, nil
}

// UnmarshalBinary restores a handle serialized by MarshalBinary.
func (h *FileHandle) UnmarshalBinary(data []byte) error {
	if len(data) < handleWireOverhead {
		return fmt.Errorf("Serialized file handle truncated: %d bytes", len(data))
	}

	size := binary.LittleEndian.Uint32(data[0:4])
	if size > syscalls.MaxHandleSize {
		return fmt.Errorf("Serialized file handle payload %d exceeds MAX_HANDLE_SZ", size)
	}

	if len(data) != handleWireOverhead+int(size) {
		return fmt.Errorf("Serialized file handle has %d bytes, want %d", len(data), handleWireOverhead+int(size))
	}

	h.HandleType = int32(binary.LittleEndian.Uint32(data[4:8]))
	h.Data = append([]byte(nil), data[8:8+size]...)

	rest := data[8+size:]
	h.MountID = binary.LittleEndian.Uint64(rest[0:8])
	h.UniqueMountID = rest[8] != 0

	return nil
}
