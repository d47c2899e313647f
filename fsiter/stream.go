//go:build linux

package fsiter

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/truenas/linuxfs/syscalls"
)

// linux_dirent64 field offsets: d_ino (8) + d_off (8) + d_reclen (2) +
// d_type (1) + d_name.
const (
	direntReclenOffset = 16
	direntTypeOffset   = 18
	direntNameOffset   = 19
)

// dirStream reads raw directory entries from an owned descriptor. Directory
// streams cannot seek within a directory, which is why iterator resume may
// re-yield entries of the deepest saved directory.
type dirStream struct {
	fd  int
	buf []byte
	pos int
	n   int
}

func newDirStream(fd int) *dirStream {
	return &dirStream{
		fd:  fd,
		buf: make([]byte, 32*1024),
	}
}

// next returns the next entry. ok is false once the directory is exhausted.
func (d *dirStream) next(ctx context.Context) (name string, ino uint64, dtype uint8, ok bool, err error) {
	for {
		if d.pos >= d.n {
			n, err := syscalls.Getdents(ctx, d.fd, d.buf)
			if err != nil {
				return "", 0, 0, false, err
			}

			if n == 0 {
				return "", 0, 0, false, nil
			}

			d.n = n
			d.pos = 0
		}

		rec := d.buf[d.pos:d.n]
		ino = binary.NativeEndian.Uint64(rec)
		reclen := int(binary.NativeEndian.Uint16(rec[direntReclenOffset:]))
		dtype = rec[direntTypeOffset]

		nameBytes := rec[direntNameOffset:reclen]
		d.pos += reclen

		end := bytes.IndexByte(nameBytes, 0)
		if end < 0 {
			end = len(nameBytes)
		}

		if end == 0 {
			continue
		}

		return string(nameBytes[:end]), ino, dtype, true, nil
	}
}

// close releases the stream's descriptor.
func (d *dirStream) close() {
	syscalls.CloseQuietly(d.fd)
}
