//go:build linux

package acl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// POSIX.1e entry tags.
const (
	PosixTagUserObj  uint16 = 0x01
	PosixTagUser     uint16 = 0x02
	PosixTagGroupObj uint16 = 0x04
	PosixTagGroup    uint16 = 0x08
	PosixTagMask     uint16 = 0x10
	PosixTagOther    uint16 = 0x20
)

// POSIX.1e permission bits.
const (
	PosixPermRead    uint16 = 4
	PosixPermWrite   uint16 = 2
	PosixPermExecute uint16 = 1
)

// posixVersion is the xattr header version word.
const posixVersion = 2

// posixUndefinedID marks entries that do not carry a uid or gid.
const posixUndefinedID = 0xFFFFFFFF

// Xattr record geometry: a four-byte header followed by eight-byte entries.
const (
	posixHeaderSize = 4
	posixEntrySize  = 8
)

// ErrNoDefaultACL indicates inheritance was requested from an ACL that has
// no default entries to inherit from.
var ErrNoDefaultACL = errors.New("ACL has no default entries to inherit from")

// PosixAce is one POSIX.1e access control entry. ID is only meaningful for
// the named USER and GROUP tags; it is -1 otherwise. Default marks entries
// belonging to the default (inheritable) ACL of a directory.
type PosixAce struct {
	Tag     uint16
	Perms   uint16
	ID      int64
	Default bool
}

// PosixACL is a POSIX.1e ACL pair: the access ACL and, on directories, the
// optional default ACL. A nil Default means the default xattr is absent.
type PosixACL struct {
	Access  []PosixAce
	Default []PosixAce
}

// PosixFromAces splits entries into access and default lists and sorts each
// into the kernel's canonical order: ascending tag, then ascending ID.
func PosixFromAces(aces []PosixAce) *PosixACL {
	p := &PosixACL{}

	for _, ace := range aces {
		if ace.Default {
			p.Default = append(p.Default, ace)
		} else {
			p.Access = append(p.Access, ace)
		}
	}

	sortPosix(p.Access)
	sortPosix(p.Default)

	return p
}

func sortPosix(aces []PosixAce) {
	sort.SliceStable(aces, func(i, j int) bool {
		if aces[i].Tag != aces[j].Tag {
			return aces[i].Tag < aces[j].Tag
		}

		return aces[i].ID < aces[j].ID
	})
}

// Trivial reports whether the ACL adds nothing beyond the mode bits: no
// access xattr was present and there is no default ACL.
func (p *PosixACL) Trivial() bool {
	return len(p.Access) == 0 && p.Default == nil
}

// AccessBytes serializes the access ACL into its xattr wire form.
func (p *PosixACL) AccessBytes() []byte {
	return encodePosixXattr(p.Access)
}

// DefaultBytes serializes the default ACL, or returns nil when absent.
func (p *PosixACL) DefaultBytes() []byte {
	if p.Default == nil {
		return nil
	}

	return encodePosixXattr(p.Default)
}

func encodePosixXattr(aces []PosixAce) []byte {
	buf := make([]byte, 0, posixHeaderSize+posixEntrySize*len(aces))
	buf = binary.LittleEndian.AppendUint32(buf, posixVersion)

	for i := range aces {
		ace := &aces[i]

		id := uint32(posixUndefinedID)
		if ace.Tag == PosixTagUser || ace.Tag == PosixTagGroup {
			id = uint32(ace.ID)
		}

		buf = binary.LittleEndian.AppendUint16(buf, ace.Tag)
		buf = binary.LittleEndian.AppendUint16(buf, ace.Perms)
		buf = binary.LittleEndian.AppendUint32(buf, id)
	}

	return buf
}

// ParsePosix decodes the xattr pair into a PosixACL. A nil defaultData means
// the default xattr is absent.
func ParsePosix(accessData []byte, defaultData []byte) (*PosixACL, error) {
	p := &PosixACL{}

	var err error
	if accessData != nil {
		p.Access, err = parsePosixXattr(accessData, false)
		if err != nil {
			return nil, fmt.Errorf("Invalid access ACL: %w", err)
		}
	}

	if defaultData != nil {
		p.Default, err = parsePosixXattr(defaultData, true)
		if err != nil {
			return nil, fmt.Errorf("Invalid default ACL: %w", err)
		}
	}

	return p, nil
}

func parsePosixXattr(data []byte, isDefault bool) ([]PosixAce, error) {
	if len(data) < posixHeaderSize {
		return nil, fmt.Errorf("truncated xattr: %d bytes", len(data))
	}

	version := binary.LittleEndian.Uint32(data[0:4])
	if version != posixVersion {
		return nil, fmt.Errorf("unsupported version %d", version)
	}

	body := data[posixHeaderSize:]
	if len(body)%posixEntrySize != 0 {
		return nil, fmt.Errorf("entry area of %d bytes is not a multiple of %d", len(body), posixEntrySize)
	}

	aces := make([]PosixAce, 0, len(body)/posixEntrySize)
	for pos := 0; pos < len(body); pos += posixEntrySize {
		ace := PosixAce{
			Tag:     binary.LittleEndian.Uint16(body[pos:]),
			Perms:   binary.LittleEndian.Uint16(body[pos+2:]),
			ID:      -1,
			Default: isDefault,
		}

		id := binary.LittleEndian.Uint32(body[pos+4:])
		if (ace.Tag == PosixTagUser || ace.Tag == PosixTagGroup) && id != posixUndefinedID {
			ace.ID = int64(id)
		}

		aces = append(aces, ace)
	}

	return aces, nil
}

// GenerateInherited synthesizes the ACL a newly created child would receive.
// The child's access ACL is the parent's default ACL; directory children
// keep the default ACL so it propagates further down.
func (p *PosixACL) GenerateInherited(isDir bool) (*PosixACL, error) {
	if p.Default == nil {
		return nil, ErrNoDefaultACL
	}

	out := &PosixACL{
		Access: make([]PosixAce, 0, len(p.Default)),
	}

	for _, ace := range p.Default {
		ace.Default = false
		out.Access = append(out.Access, ace)
	}

	sortPosix(out.Access)

	if isDir {
		out.Default = append(make([]PosixAce, 0, len(p.Default)), p.Default...)
		sortPosix(out.Default)
	}

	return out, nil
}

// Validate checks POSIX.1e conformance of both lists. A default ACL is only
// valid on a directory.
func (p *PosixACL) Validate(isDir bool) error {
	if len(p.Access) > 0 {
		err := validatePosixEntries(p.Access)
		if err != nil {
			return fmt.Errorf("Invalid access ACL: %w", err)
		}
	}

	if p.Default != nil {
		if !isDir {
			return errors.New("Default ACL on a target that is not a directory")
		}

		err := validatePosixEntries(p.Default)
		if err != nil {
			return fmt.Errorf("Invalid default ACL: %w", err)
		}
	}

	return nil
}

func validatePosixEntries(aces []PosixAce) error {
	var userObj, groupObj, other, mask, named int

	for i := range aces {
		ace := &aces[i]

		switch ace.Tag {
		case PosixTagUserObj:
			userObj++
		case PosixTagGroupObj:
			groupObj++
		case PosixTagOther:
			other++
		case PosixTagMask:
			mask++
		case PosixTagUser, PosixTagGroup:
			if ace.ID < 0 {
				return fmt.Errorf("named entry %d has no id", i)
			}

			named++
		default:
			return fmt.Errorf("entry %d has unknown tag %#x", i, ace.Tag)
		}
	}

	if userObj != 1 || groupObj != 1 || other != 1 {
		return fmt.Errorf("need exactly one USER_OBJ, GROUP_OBJ and OTHER entry (have %d, %d, %d)", userObj, groupObj, other)
	}

	if mask > 1 {
		return fmt.Errorf("more than one MASK entry (%d)", mask)
	}

	if named > 0 && mask != 1 {
		return errors.New("named entries require exactly one MASK entry")
	}

	return nil
}

// String renders both lists in getfacl style, default entries prefixed.
func (p *PosixACL) String() string {
	var sb strings.Builder

	writeAce := func(prefix string, ace *PosixAce) {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}

		sb.WriteString(prefix)

		switch ace.Tag {
		case PosixTagUserObj:
			sb.WriteString("user::")
		case PosixTagUser:
			fmt.Fprintf(&sb, "user:%d:", ace.ID)
		case PosixTagGroupObj:
			sb.WriteString("group::")
		case PosixTagGroup:
			fmt.Fprintf(&sb, "group:%d:", ace.ID)
		case PosixTagMask:
			sb.WriteString("mask::")
		case PosixTagOther:
			sb.WriteString("other::")
		}

		perms := []byte("---")
		if ace.Perms&PosixPermRead != 0 {
			perms[0] = 'r'
		}
		if ace.Perms&PosixPermWrite != 0 {
			perms[1] = 'w'
		}
		if ace.Perms&PosixPermExecute != 0 {
			perms[2] = 'x'
		}

		sb.Write(perms)
	}

	for i := range p.Access {
		writeAce("", &p.Access[i])
	}

	for i := range p.Default {
		writeAce("default:", &p.Default[i])
	}

	return sb.String()
}
