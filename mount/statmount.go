//go:build linux

// Package mount exposes the new mount API: statmount/listmount records,
// the fsopen family, move_mount, mount_setattr and persistent file handles.
package mount

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/syscalls"
)

// statmount request mask bits.
const (
	StatmountSbBasic       = 0x00000001
	StatmountMntBasic      = 0x00000002
	StatmountPropagateFrom = 0x00000004
	StatmountMntRoot       = 0x00000008
	StatmountMntPoint      = 0x00000010
	StatmountFsType        = 0x00000020
	StatmountMntNsID       = 0x00000040
	StatmountMntOpts       = 0x00000080
	StatmountFsSubtype     = 0x00000100
	StatmountSbSource      = 0x00000200
	StatmountOptArray      = 0x00000400
	StatmountOptSecArray   = 0x00000800
)

// StatmountAll requests every field this package knows how to map.
const StatmountAll = StatmountSbBasic | StatmountMntBasic | StatmountPropagateFrom |
	StatmountMntRoot | StatmountMntPoint | StatmountFsType | StatmountMntNsID |
	StatmountMntOpts | StatmountFsSubtype | StatmountSbSource | StatmountOptArray |
	StatmountOptSecArray

// statmountInitialSize is the first reply buffer size; on EOVERFLOW the
// buffer grows by statmountGrowSize until the reply fits.
const (
	statmountInitialSize = 1024
	statmountGrowSize    = 4096
)

// rawStatmount mirrors the kernel struct statmount fixed header. String
// fields hold offsets into the trailing buffer.
type rawStatmount struct {
	Size           uint32
	MntOpts        uint32
	Mask           uint64
	SbDevMajor     uint32
	SbDevMinor     uint32
	SbMagic        uint64
	SbFlags        uint32
	FsType         uint32
	MntID          uint64
	MntParentID    uint64
	MntIDOld       uint32
	MntParentIDOld uint32
	MntAttr        uint64
	MntPropagation uint64
	MntPeerGroup   uint64
	MntMaster      uint64
	PropagateFrom  uint64
	MntRoot        uint32
	MntPoint       uint32
	MntNsID        uint64
	FsSubtype      uint32
	SbSource       uint32
	OptNum         uint32
	OptArray       uint32
	OptSecNum      uint32
	OptSecArray    uint32
	Spare          [46]uint64
}

// StatmountRecord is the typed mapping of a statmount reply. String and
// string-array fields are only meaningful when the corresponding mask bit is
// reported by Has(); everything else was not populated by the kernel.
type StatmountRecord struct {
	Mask uint64

	SbDevMajor uint32
	SbDevMinor uint32
	SbMagic    uint64
	SbFlags    uint32

	MntID          uint64
	MntParentID    uint64
	MntIDOld       uint32
	MntParentIDOld uint32
	MntAttr        uint64
	MntPropagation uint64
	MntPeerGroup   uint64
	MntMaster      uint64

	PropagateFrom uint64
	MntNsID       uint64

	FsType    string
	FsSubtype string
	MntRoot   string
	MntPoint  string
	SbSource  string
	MntOpts   string

	OptArray    []string
	OptSecArray []string
}

// Has reports whether the kernel populated every field selected by mask.
func (r *StatmountRecord) Has(mask uint64) bool {
	return r.Mask&mask == mask
}

// Statmount queries the kernel for the mount identified by its unique ID and
// maps the reply. Only fields present in both the request mask and the
// kernel's reply mask are populated.
func Statmount(ctx context.Context, mntID uint64, mask uint64) (*StatmountRecord, error) {
	buf := make([]byte, statmountInitialSize)

	for {
		err := syscalls.Statmount(ctx, mntID, mask, buf, 0)
		if err == nil {
			break
		}

		if errors.Is(err, unix.EOVERFLOW) {
			buf = make([]byte, len(buf)+statmountGrowSize)
			continue
		}

		return nil, fmt.Errorf("Failed to statmount mount %d: %w", mntID, err)
	}

	return parseStatmount(buf, mask)
}

func parseStatmount(buf []byte, reqMask uint64) (*StatmountRecord, error) {
	hdrSize := int(unsafe.Sizeof(rawStatmount{}))
	if len(buf) < hdrSize {
		return nil, fmt.Errorf("statmount reply truncated: %d bytes", len(buf))
	}

	raw := (*rawStatmount)(unsafe.Pointer(&buf[0]))
	if int(raw.Size) > len(buf) || int(raw.Size) < hdrSize {
		return nil, fmt.Errorf("statmount reply size %d does not fit the buffer", raw.Size)
	}

	// Strings are only valid when both we asked and the kernel answered.
	mask := raw.Mask & reqMask

	rec := &StatmountRecord{Mask: mask}

	if mask&StatmountSbBasic != 0 {
		rec.SbDevMajor = raw.SbDevMajor
		rec.SbDevMinor = raw.SbDevMinor
		rec.SbMagic = raw.SbMagic
		rec.SbFlags = raw.SbFlags
	}

	if mask&StatmountMntBasic != 0 {
		rec.MntID = raw.MntID
		rec.MntParentID = raw.MntParentID
		rec.MntIDOld = raw.MntIDOld
		rec.MntParentIDOld = raw.MntParentIDOld
		rec.MntAttr = raw.MntAttr
		rec.MntPropagation = raw.MntPropagation
		rec.MntPeerGroup = raw.MntPeerGroup
		rec.MntMaster = raw.MntMaster
	}

	if mask&StatmountPropagateFrom != 0 {
		rec.PropagateFrom = raw.PropagateFrom
	}

	if mask&StatmountMntNsID != 0 {
		rec.MntNsID = raw.MntNsID
	}

	strs := buf[hdrSize:raw.Size]

	var err error
	strField := func(bit uint64, off uint32) string {
		if err != nil || mask&bit == 0 {
			return ""
		}

		var s string
		s, err = statmountString(strs, off)
		return s
	}

	rec.FsType = strField(StatmountFsType, raw.FsType)
	rec.FsSubtype = strField(StatmountFsSubtype, raw.FsSubtype)
	rec.MntRoot = strField(StatmountMntRoot, raw.MntRoot)
	rec.MntPoint = strField(StatmountMntPoint, raw.MntPoint)
	rec.SbSource = strField(StatmountSbSource, raw.SbSource)
	rec.MntOpts = strField(StatmountMntOpts, raw.MntOpts)
	if err != nil {
		return nil, err
	}

	if mask&StatmountOptArray != 0 {
		rec.OptArray, err = statmountStringArray(strs, raw.OptArray, raw.OptNum)
		if err != nil {
			return nil, err
		}
	}

	if mask&StatmountOptSecArray != 0 {
		rec.OptSecArray, err = statmountStringArray(strs, raw.OptSecArray, raw.OptSecNum)
		if err != nil {
			return nil, err
		}
	}

	return rec, nil
}

func statmountString(strs []byte, off uint32) (string, error) {
	if int(off) >= len(strs) {
		return "", fmt.Errorf("statmount string offset %d out of range", off)
	}

	rest := strs[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", errors.New("statmount string is not NUL terminated")
	}

	return string(rest[:end]), nil
}

func statmountStringArray(strs []byte, off uint32, count uint32) ([]string, error) {
	out := make([]string, 0, count)

	pos := off
	for i := uint32(0); i < count; i++ {
		s, err := statmountString(strs, pos)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
		pos += uint32(len(s)) + 1
	}

	return out, nil
}
