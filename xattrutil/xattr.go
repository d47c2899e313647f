//go:build linux

// Package xattrutil implements the extended-attribute read/write protocol the
// ACL layer is built on: a zero-length probe to size the attribute, then a
// read of exactly that size, with absence and filesystem-level support
// reported as distinct outcomes.
package xattrutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/syscalls"
)

// ErrNotSupported indicates the filesystem does not support the attribute
// namespace at all (EOPNOTSUPP), as opposed to the attribute being absent.
var ErrNotSupported = errors.New("Extended attribute not supported by filesystem")

// FGet reads the named attribute from fd. A nil slice with a nil error means
// the attribute is not present (ENODATA); a present zero-length attribute
// comes back as an empty non-nil slice.
func FGet(ctx context.Context, fd int, name string) ([]byte, error) {
	for {
		size, err := fgetxattr(ctx, fd, name, nil)
		if err != nil {
			if errors.Is(err, unix.ENODATA) {
				return nil, nil
			}

			if errors.Is(err, unix.EOPNOTSUPP) {
				return nil, fmt.Errorf("%w: %q", ErrNotSupported, name)
			}

			return nil, fmt.Errorf("Failed to probe xattr %q: %w", name, err)
		}

		if size == 0 {
			return []byte{}, nil
		}

		buf := make([]byte, size)
		n, err := fgetxattr(ctx, fd, name, buf)
		if err != nil {
			// The attribute grew between probe and read.
			if errors.Is(err, unix.ERANGE) {
				continue
			}

			if errors.Is(err, unix.ENODATA) {
				return nil, nil
			}

			return nil, fmt.Errorf("Failed to read xattr %q: %w", name, err)
		}

		return buf[:n], nil
	}
}

// FSet writes the named attribute on fd, replacing any existing value.
func FSet(ctx context.Context, fd int, name string, data []byte) error {
	err := syscalls.Retry(ctx, func() error {
		return unix.Fsetxattr(fd, name, data, 0)
	})
	if err != nil {
		return fmt.Errorf("Failed to set xattr %q: %w", name, err)
	}

	return nil
}

// FRemove deletes the named attribute from fd. Removing an absent attribute
// is not an error.
func FRemove(ctx context.Context, fd int, name string) error {
	err := syscalls.Retry(ctx, func() error {
		return unix.Fremovexattr(fd, name)
	})
	if err != nil && !errors.Is(err, unix.ENODATA) {
		return fmt.Errorf("Failed to remove xattr %q: %w", name, err)
	}

	return nil
}

// GetAll returns every extended attribute of path as a map.
func GetAll(path string) (map[string]string, error) {
	names, err := xattr.LList(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to list xattrs on %q: %w", path, err)
	}

	attrs := make(map[string]string, len(names))
	for _, name := range names {
		value, err := xattr.LGet(path, name)
		if err != nil {
			return nil, fmt.Errorf("Failed to read xattr %q on %q: %w", name, path, err)
		}

		attrs[name] = string(value)
	}

	return attrs, nil
}

func fgetxattr(ctx context.Context, fd int, name string, buf []byte) (int, error) {
	var n int

	err := syscalls.Retry(ctx, func() error {
		var err error
		n, err = unix.Fgetxattr(fd, name, buf)
		return err
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}
