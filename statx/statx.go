//go:build linux

// Package statx maps the statx(2) result into a typed record. Fields the
// kernel did not populate are reported as absent through the mask rather
// than silently zeroed.
package statx

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/syscalls"
)

// DefaultMask is the statx mask the library requests by default.
const DefaultMask = unix.STATX_BASIC_STATS | unix.STATX_BTIME | unix.STATX_MNT_ID_UNIQUE

// Kind classifies the object a record describes.
type Kind int

// Object kinds.
const (
	KindUnknown Kind = iota
	KindDirectory
	KindRegular
	KindSymlink
	KindOther
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "dir"
	case KindRegular:
		return "regular"
	case KindSymlink:
		return "symlink"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Timestamp is one statx timestamp, exposed both as fractional seconds and
// as total nanoseconds.
type Timestamp struct {
	Sec  int64
	Nsec uint32
}

// Seconds returns the timestamp as fractional seconds.
func (t Timestamp) Seconds() float64 {
	return float64(t.Sec) + float64(t.Nsec)*1e-9
}

// Nanoseconds returns the timestamp as total nanoseconds since the epoch.
func (t Timestamp) Nanoseconds() int64 {
	return t.Sec*1_000_000_000 + int64(t.Nsec)
}

// Device is a device number exposed as (major, minor) and in packed form.
type Device struct {
	Major uint32
	Minor uint32
}

// Packed returns the device number in the kernel's packed dev_t encoding.
func (d Device) Packed() uint64 {
	return unix.Mkdev(d.Major, d.Minor)
}

// Record is the typed mapping of a statx result.
type Record struct {
	Mask           uint32
	Blksize        uint32
	Attributes     uint64
	AttributesMask uint64
	Nlink          uint32
	UID            uint32
	GID            uint32
	Mode           uint16
	Ino            uint64
	Size           uint64
	Blocks         uint64

	Atime Timestamp
	Btime Timestamp
	Ctime Timestamp
	Mtime Timestamp

	Dev  Device
	Rdev Device

	// MntID is the mount ID of the containing mount. MntIDUnique reports
	// whether the kernel returned the unique 64-bit flavour.
	MntID       uint64
	MntIDUnique bool
}

// Has reports whether every bit in mask was populated by the kernel.
func (r *Record) Has(mask uint32) bool {
	return r.Mask&mask == mask
}

// Kind returns the object kind, or KindUnknown when STATX_TYPE is absent.
func (r *Record) Kind() Kind {
	if !r.Has(unix.STATX_TYPE) {
		return KindUnknown
	}

	switch r.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return KindDirectory
	case unix.S_IFREG:
		return KindRegular
	case unix.S_IFLNK:
		return KindSymlink
	default:
		return KindOther
	}
}

// IsDir reports whether the record describes a directory.
func (r *Record) IsDir() bool {
	return r.Kind() == KindDirectory
}

// FromRaw copies a raw statx result into a Record.
func FromRaw(stx *unix.Statx_t) *Record {
	r := &Record{
		Mask:           stx.Mask,
		Blksize:        stx.Blksize,
		Attributes:     stx.Attributes,
		AttributesMask: stx.Attributes_mask,
		Nlink:          stx.Nlink,
		UID:            stx.Uid,
		GID:            stx.Gid,
		Mode:           stx.Mode,
		Ino:            stx.Ino,
		Size:           stx.Size,
		Blocks:         stx.Blocks,
		Atime:          Timestamp{Sec: stx.Atime.Sec, Nsec: stx.Atime.Nsec},
		Btime:          Timestamp{Sec: stx.Btime.Sec, Nsec: stx.Btime.Nsec},
		Ctime:          Timestamp{Sec: stx.Ctime.Sec, Nsec: stx.Ctime.Nsec},
		Mtime:          Timestamp{Sec: stx.Mtime.Sec, Nsec: stx.Mtime.Nsec},
		Dev:            Device{Major: stx.Dev_major, Minor: stx.Dev_minor},
		Rdev:           Device{Major: stx.Rdev_major, Minor: stx.Rdev_minor},
	}

	if stx.Mask&unix.STATX_MNT_ID_UNIQUE != 0 {
		r.MntID = stx.Mnt_id
		r.MntIDUnique = true
	} else if stx.Mask&unix.STATX_MNT_ID != 0 {
		r.MntID = stx.Mnt_id
	}

	return r
}

// File stats an open file descriptor.
func File(ctx context.Context, fd int, mask int) (*Record, error) {
	var stx unix.Statx_t

	err := syscalls.Statx(ctx, fd, "", unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW, mask, &stx)
	if err != nil {
		return nil, fmt.Errorf("Failed to statx fd %d: %w", fd, err)
	}

	return FromRaw(&stx), nil
}

// At stats path relative to dirfd without following a trailing symlink.
func At(ctx context.Context, dirfd int, path string, mask int) (*Record, error) {
	var stx unix.Statx_t

	err := syscalls.Statx(ctx, dirfd, path, unix.AT_SYMLINK_NOFOLLOW, mask, &stx)
	if err != nil {
		return nil, fmt.Errorf("Failed to statx %q: %w", path, err)
	}

	return FromRaw(&stx), nil
}
