//go:build linux

// Package acl implements the two ACL models used on TrueNAS datasets: the
// NFSv4 model stored by ZFS in the system.nfs4_acl_xdr xattr (big-endian
// XDR) and the POSIX.1e model stored in the system.posix_acl_access and
// system.posix_acl_default xattrs (little-endian). Both codecs produce
// canonically ordered ACLs and synthesize inherited ACLs for new children.
package acl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// NFSv4 ACE types.
const (
	AceTypeAllow uint32 = 0
	AceTypeDeny  uint32 = 1
	AceTypeAudit uint32 = 2
	AceTypeAlarm uint32 = 3
)

// NFSv4 who kinds. Named entries carry a uid or gid; the other three are the
// special principals OWNER@, GROUP@ and EVERYONE@.
const (
	WhoNamed    uint32 = 0
	WhoOwner    uint32 = 1
	WhoGroup    uint32 = 2
	WhoEveryone uint32 = 3
)

// NFSv4 access mask bits.
const (
	PermReadData       uint32 = 0x00000001
	PermWriteData      uint32 = 0x00000002
	PermAppendData     uint32 = 0x00000004
	PermReadNamedAttrs uint32 = 0x00000008
	PermWriteNamedAttr uint32 = 0x00000010
	PermExecute        uint32 = 0x00000020
	PermDeleteChild    uint32 = 0x00000040
	PermReadAttrs      uint32 = 0x00000080
	PermWriteAttrs     uint32 = 0x00000100
	PermDelete         uint32 = 0x00010000
	PermReadACL        uint32 = 0x00020000
	PermWriteACL       uint32 = 0x00040000
	PermWriteOwner     uint32 = 0x00080000
	PermSynchronize    uint32 = 0x00100000
)

// NFSv4 ACE flags.
const (
	FlagFileInherit      uint32 = 0x00000001
	FlagDirInherit       uint32 = 0x00000002
	FlagNoPropagate      uint32 = 0x00000004
	FlagInheritOnly      uint32 = 0x00000008
	FlagSuccessfulAccess uint32 = 0x00000010
	FlagFailedAccess     uint32 = 0x00000020
	FlagIdentifierGroup  uint32 = 0x00000040
	FlagInherited        uint32 = 0x00000080
)

// flagInheritBits are the four propagation-related ACE flags.
const flagInheritBits = FlagFileInherit | FlagDirInherit | FlagNoPropagate | FlagInheritOnly

// NFSv4 ACL-level flags carried in the xattr header word.
const (
	AclAutoInherit uint32 = 0x00000001
	AclProtected   uint32 = 0x00000002
	AclDefaulted   uint32 = 0x00000004
	AclIsTrivial   uint32 = 0x00010000
	AclIsDir       uint32 = 0x00020000
)

// Wire geometry: two header words followed by five words per ACE.
const (
	nfs4WordSize    = 4
	nfs4HeaderWords = 2
	nfs4AceWords    = 5
)

// NFSv4 codec errors.
var (
	// ErrNoInheritableAces indicates inheritance synthesis produced an
	// empty ACL because no parent ACE carries an inherit flag.
	ErrNoInheritableAces = errors.New("Parent ACL has no inheritable entries")

	// ErrDenySpecialPrincipal indicates a DENY entry against OWNER@,
	// GROUP@ or EVERYONE@, which the NFSv4 model forbids.
	ErrDenySpecialPrincipal = errors.New("DENY entry on a special principal")
)

// Nfs4Ace is one NFSv4 access control entry.
type Nfs4Ace struct {
	Type       uint32
	Flags      uint32
	AccessMask uint32

	// WhoKind selects the principal. WhoID is the uid or gid for WhoNamed
	// entries and -1 for the special principals.
	WhoKind uint32
	WhoID   int64
}

// IsAllow reports whether the entry grants access.
func (a *Nfs4Ace) IsAllow() bool {
	return a.Type == AceTypeAllow
}

// IsInherited reports whether the entry was propagated from a parent.
func (a *Nfs4Ace) IsInherited() bool {
	return a.Flags&FlagInherited != 0
}

// IsSpecial reports whether the entry names a special principal.
func (a *Nfs4Ace) IsSpecial() bool {
	return a.WhoKind != WhoNamed
}

// Nfs4ACL is an NFSv4 access control list plus its header flags word.
type Nfs4ACL struct {
	Flags uint32
	Aces  []Nfs4Ace
}

// Nfs4FromAces builds an ACL from entries, sorting them into the canonical
// Windows DACL order: explicit-deny, explicit-allow, inherited-deny,
// inherited-allow, preserving relative order within each bucket.
func Nfs4FromAces(aces []Nfs4Ace, flags uint32) *Nfs4ACL {
	sorted := append(make([]Nfs4Ace, 0, len(aces)), aces...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return canonicalKey(&sorted[i]) < canonicalKey(&sorted[j])
	})

	return &Nfs4ACL{Flags: flags, Aces: sorted}
}

func canonicalKey(a *Nfs4Ace) int {
	key := 0
	if a.IsInherited() {
		key += 2
	}

	if a.IsAllow() {
		key++
	}

	return key
}

// Trivial reports whether the header marks the ACL as mode-equivalent.
func (a *Nfs4ACL) Trivial() bool {
	return a.Flags&AclIsTrivial != 0
}

// Encode serializes the ACL into its xattr wire form.
func (a *Nfs4ACL) Encode() []byte {
	buf := make([]byte, 0, nfs4WordSize*(nfs4HeaderWords+nfs4AceWords*len(a.Aces)))
	buf = binary.BigEndian.AppendUint32(buf, a.Flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.Aces)))

	for i := range a.Aces {
		ace := &a.Aces[i]

		iflag := uint32(1)
		who := ace.WhoKind
		if ace.WhoKind == WhoNamed {
			iflag = 0
			who = uint32(ace.WhoID)
		}

		buf = binary.BigEndian.AppendUint32(buf, ace.Type)
		buf = binary.BigEndian.AppendUint32(buf, ace.Flags)
		buf = binary.BigEndian.AppendUint32(buf, iflag)
		buf = binary.BigEndian.AppendUint32(buf, ace.AccessMask)
		buf = binary.BigEndian.AppendUint32(buf, who)
	}

	return buf
}

// ParseNfs4 decodes the xattr wire form of an NFSv4 ACL.
func ParseNfs4(data []byte) (*Nfs4ACL, error) {
	if len(data) < nfs4WordSize*nfs4HeaderWords {
		return nil, fmt.Errorf("NFSv4 ACL truncated: %d bytes", len(data))
	}

	flags := binary.BigEndian.Uint32(data[0:4])
	count := binary.BigEndian.Uint32(data[4:8])

	want := nfs4WordSize * (nfs4HeaderWords + nfs4AceWords*int(count))
	if len(data) != want {
		return nil, fmt.Errorf("NFSv4 ACL has %d bytes, want %d for %d entries", len(data), want, count)
	}

	acl := &Nfs4ACL{
		Flags: flags,
		Aces:  make([]Nfs4Ace, 0, count),
	}

	pos := nfs4WordSize * nfs4HeaderWords
	for i := uint32(0); i < count; i++ {
		aceType := binary.BigEndian.Uint32(data[pos:])
		aceFlags := binary.BigEndian.Uint32(data[pos+4:])
		iflag := binary.BigEndian.Uint32(data[pos+8:])
		mask := binary.BigEndian.Uint32(data[pos+12:])
		who := binary.BigEndian.Uint32(data[pos+16:])
		pos += nfs4WordSize * nfs4AceWords

		ace := Nfs4Ace{
			Type:       aceType,
			Flags:      aceFlags,
			AccessMask: mask,
		}

		if iflag != 0 {
			if who > WhoEveryone {
				return nil, fmt.Errorf("NFSv4 ACL has unknown special principal %d", who)
			}

			ace.WhoKind = who
			ace.WhoID = -1
		} else {
			ace.WhoKind = WhoNamed
			ace.WhoID = int64(who)
		}

		acl.Aces = append(acl.Aces, ace)
	}

	return acl, nil
}

// GenerateInherited synthesizes the ACL a newly created child would receive
// from this ACL on its parent directory. Fails when no entry is inheritable.
func (a *Nfs4ACL) GenerateInherited(isDir bool) (*Nfs4ACL, error) {
	var out []Nfs4Ace

	for i := range a.Aces {
		ace := a.Aces[i]

		if isDir {
			if ace.Flags&(FlagFileInherit|FlagDirInherit) == 0 {
				continue
			}

			if ace.Flags&FlagNoPropagate != 0 {
				ace.Flags &^= flagInheritBits
			} else {
				// The entry applies to this directory and keeps
				// propagating below it.
				ace.Flags &^= FlagInheritOnly
			}
		} else {
			if ace.Flags&FlagFileInherit == 0 {
				continue
			}

			ace.Flags &^= flagInheritBits
		}

		ace.Flags |= FlagInherited
		out = append(out, ace)
	}

	if len(out) == 0 {
		return nil, ErrNoInheritableAces
	}

	flags := a.Flags &^ (AclIsDir | AclIsTrivial)
	if isDir {
		flags |= AclIsDir
	}

	return Nfs4FromAces(out, flags), nil
}

// Validate checks the structural rules for this ACL against a target that is
// (or is assumed to be) a directory when isDir is true.
func (a *Nfs4ACL) Validate(isDir bool) error {
	inheritable := false

	for i := range a.Aces {
		ace := &a.Aces[i]

		if ace.Type == AceTypeDeny && ace.IsSpecial() {
			return fmt.Errorf("%w (entry %d)", ErrDenySpecialPrincipal, i)
		}

		if ace.Flags&FlagInheritOnly != 0 && ace.Flags&(FlagFileInherit|FlagDirInherit) == 0 {
			return fmt.Errorf("Entry %d is INHERIT_ONLY without FILE_INHERIT or DIRECTORY_INHERIT", i)
		}

		if ace.Flags&flagInheritBits != 0 {
			if !isDir {
				return fmt.Errorf("Entry %d has inheritance flags but the target is not a directory", i)
			}

			if ace.Flags&(FlagFileInherit|FlagDirInherit) != 0 {
				inheritable = true
			}
		}
	}

	if isDir && !inheritable {
		return errors.New("Directory ACL has no entry with FILE_INHERIT or DIRECTORY_INHERIT")
	}

	return nil
}

// String renders the ACL one entry per line in nfs4_getfacl style.
func (a *Nfs4ACL) String() string {
	var sb strings.Builder

	for i := range a.Aces {
		if i > 0 {
			sb.WriteByte('\n')
		}

		sb.WriteString(a.Aces[i].String())
	}

	return sb.String()
}

// String renders one entry as type:flags:principal:mask.
func (a *Nfs4Ace) String() string {
	var sb strings.Builder

	switch a.Type {
	case AceTypeAllow:
		sb.WriteByte('A')
	case AceTypeDeny:
		sb.WriteByte('D')
	case AceTypeAudit:
		sb.WriteByte('U')
	case AceTypeAlarm:
		sb.WriteByte('L')
	}

	sb.WriteByte(':')

	flagChars := []struct {
		bit uint32
		c   byte
	}{
		{FlagFileInherit, 'f'},
		{FlagDirInherit, 'd'},
		{FlagNoPropagate, 'n'},
		{FlagInheritOnly, 'i'},
		{FlagSuccessfulAccess, 'S'},
		{FlagFailedAccess, 'F'},
		{FlagIdentifierGroup, 'g'},
		{FlagInherited, 'I'},
	}
	for _, fc := range flagChars {
		if a.Flags&fc.bit != 0 {
			sb.WriteByte(fc.c)
		}
	}

	sb.WriteByte(':')

	switch a.WhoKind {
	case WhoOwner:
		sb.WriteString("OWNER@")
	case WhoGroup:
		sb.WriteString("GROUP@")
	case WhoEveryone:
		sb.WriteString("EVERYONE@")
	default:
		fmt.Fprintf(&sb, "%d", a.WhoID)
	}

	sb.WriteByte(':')

	permChars := []struct {
		bit uint32
		c   byte
	}{
		{PermReadData, 'r'},
		{PermWriteData, 'w'},
		{PermAppendData, 'a'},
		{PermDelete, 'd'},
		{PermDeleteChild, 'D'},
		{PermExecute, 'x'},
		{PermReadAttrs, 't'},
		{PermWriteAttrs, 'T'},
		{PermReadNamedAttrs, 'n'},
		{PermWriteNamedAttr, 'N'},
		{PermReadACL, 'c'},
		{PermWriteACL, 'C'},
		{PermWriteOwner, 'o'},
		{PermSynchronize, 'y'},
	}
	for _, pc := range permChars {
		if a.AccessMask&pc.bit != 0 {
			sb.WriteByte(pc.c)
		}
	}

	return sb.String()
}
