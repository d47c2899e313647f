//go:build linux

package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/truenas/linuxfs/statx"
	"github.com/truenas/linuxfs/xattrutil"
)

// Xattr names the ACL models are stored under.
const (
	XattrNfs4ACL      = "system.nfs4_acl_xdr"
	XattrPosixAccess  = "system.posix_acl_access"
	XattrPosixDefault = "system.posix_acl_default"
)

// ErrNotSupported indicates the filesystem supports neither ACL model.
var ErrNotSupported = errors.New("ACLs are not supported on this filesystem")

// Value is either an *Nfs4ACL or a *PosixACL, discriminated by the xattr
// the data originated from. Use a type switch to branch on the model.
type Value interface {
	// Trivial reports whether the ACL is mode-equivalent.
	Trivial() bool

	aclValue()
}

func (*Nfs4ACL) aclValue()  {}
func (*PosixACL) aclValue() {}

// FGetACL reads the ACL of an open file descriptor. The NFSv4 xattr is
// probed first; filesystems that do not support it fall through to the
// POSIX.1e pair. If the POSIX access xattr is also unsupported the
// filesystem has ACLs disabled and ErrNotSupported is returned.
func FGetACL(ctx context.Context, fd int) (Value, error) {
	data, err := xattrutil.FGet(ctx, fd, XattrNfs4ACL)
	if err == nil {
		if data == nil {
			return &Nfs4ACL{}, nil
		}

		return ParseNfs4(data)
	}

	if !errors.Is(err, xattrutil.ErrNotSupported) {
		return nil, err
	}

	access, err := xattrutil.FGet(ctx, fd, XattrPosixAccess)
	if err != nil {
		if errors.Is(err, xattrutil.ErrNotSupported) {
			return nil, fmt.Errorf("%w: %s", ErrNotSupported, err)
		}

		return nil, err
	}

	defaultData, err := xattrutil.FGet(ctx, fd, XattrPosixDefault)
	if err != nil && !errors.Is(err, xattrutil.ErrNotSupported) {
		return nil, err
	}

	return ParsePosix(access, defaultData)
}

// FSetACL writes an ACL to an open file descriptor, dispatching on the
// value's model. Writing a POSIX ACL with an absent default removes the
// default xattr.
func FSetACL(ctx context.Context, fd int, value Value) error {
	switch v := value.(type) {
	case *Nfs4ACL:
		return FSetNfs4Bytes(ctx, fd, v.Encode())
	case *PosixACL:
		return FSetPosixBytes(ctx, fd, v.AccessBytes(), v.DefaultBytes())
	default:
		return fmt.Errorf("Unknown ACL value type %T", value)
	}
}

// FSetNfs4Bytes writes raw NFSv4 ACL wire bytes, bypassing the codec.
func FSetNfs4Bytes(ctx context.Context, fd int, data []byte) error {
	return xattrutil.FSet(ctx, fd, XattrNfs4ACL, data)
}

// FSetPosixBytes writes raw POSIX.1e xattr pairs, bypassing the codec.
// A nil defaultData removes the default xattr.
func FSetPosixBytes(ctx context.Context, fd int, accessData []byte, defaultData []byte) error {
	err := xattrutil.FSet(ctx, fd, XattrPosixAccess, accessData)
	if err != nil {
		return err
	}

	if defaultData == nil {
		return xattrutil.FRemove(ctx, fd, XattrPosixDefault)
	}

	return xattrutil.FSet(ctx, fd, XattrPosixDefault, defaultData)
}

// FValidate parses and structurally validates raw NFSv4 ACL bytes against
// the object open at fd. Pass a negative fd to validate without a target;
// the target is then assumed to be a directory.
func FValidate(ctx context.Context, fd int, data []byte) error {
	isDir := true

	if fd >= 0 {
		rec, err := statx.File(ctx, fd, statx.DefaultMask)
		if err != nil {
			return err
		}

		isDir = rec.IsDir()
	}

	parsed, err := ParseNfs4(data)
	if err != nil {
		return err
	}

	return parsed.Validate(isDir)
}
