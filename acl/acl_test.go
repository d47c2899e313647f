//go:build linux

package acl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/linuxfs/xattrutil"
)

func TestFGetACLFallsThroughToPosix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	value, err := FGetACL(context.Background(), int(f.Fd()))
	if err != nil {
		if errors.Is(err, ErrNotSupported) || errors.Is(err, xattrutil.ErrNotSupported) {
			t.Skipf("ACLs not readable here: %v", err)
		}

		require.NoError(t, err)
	}

	// Common filesystems store no NFSv4 xattr, so the POSIX pair is used.
	// A file with no ACL xattrs decodes as the trivial POSIX ACL.
	posix, ok := value.(*PosixACL)
	if !ok {
		t.Skipf("filesystem stores NFSv4 ACLs, got %T", value)
	}

	assert.True(t, posix.Trivial())
	assert.Nil(t, posix.Default)
}

func TestFSetACLRoundTripPosix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	fd := int(f.Fd())
	ctx := context.Background()

	in := PosixFromAces([]PosixAce{
		{Tag: PosixTagUserObj, Perms: PosixPermRead | PosixPermWrite, ID: -1},
		{Tag: PosixTagGroupObj, Perms: PosixPermRead, ID: -1},
		{Tag: PosixTagOther, Perms: 0, ID: -1},
	})
	require.NoError(t, in.Validate(false))

	err = FSetACL(ctx, fd, in)
	if err != nil {
		t.Skipf("cannot write POSIX ACL xattrs here: %v", err)
	}

	out, err := FGetACL(ctx, fd)
	require.NoError(t, err)

	posix, ok := out.(*PosixACL)
	require.True(t, ok)
	assert.Equal(t, in.Access, posix.Access)
	assert.Nil(t, posix.Default)
}

func TestFValidateWithoutTarget(t *testing.T) {
	// With no fd the target is assumed to be a directory, so the ACL must
	// carry an inheritable entry.
	flat := &Nfs4ACL{Aces: []Nfs4Ace{
		{Type: AceTypeAllow, AccessMask: PermReadData, WhoKind: WhoOwner, WhoID: -1},
	}}

	assert.Error(t, FValidate(context.Background(), -1, flat.Encode()))

	inheritable := &Nfs4ACL{Aces: []Nfs4Ace{
		{Type: AceTypeAllow, Flags: FlagFileInherit | FlagDirInherit, AccessMask: PermReadData, WhoKind: WhoOwner, WhoID: -1},
	}}

	assert.NoError(t, FValidate(context.Background(), -1, inheritable.Encode()))
}

func TestFValidateAgainstFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	// Inheritance flags are invalid on a regular file.
	withInherit := &Nfs4ACL{Aces: []Nfs4Ace{
		{Type: AceTypeAllow, Flags: FlagFileInherit, AccessMask: PermReadData, WhoKind: WhoOwner, WhoID: -1},
	}}

	assert.Error(t, FValidate(context.Background(), int(f.Fd()), withInherit.Encode()))

	flat := &Nfs4ACL{Aces: []Nfs4Ace{
		{Type: AceTypeAllow, AccessMask: PermReadData, WhoKind: WhoOwner, WhoID: -1},
	}}

	assert.NoError(t, FValidate(context.Background(), int(f.Fd()), flat.Encode()))
}
