//go:build linux

package syscalls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRetrySucceedsAfterEINTR(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return unix.EINTR
		}

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPassesThroughOtherErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return unix.ENOENT
	})

	assert.ErrorIs(t, err, unix.ENOENT)
	assert.Equal(t, 1, calls)
}

func TestRetryAbandonsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		cancel()
		return unix.EINTR
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryNilContext(t *testing.T) {
	calls := 0
	err := Retry(nil, func() error {
		calls++
		if calls < 2 {
			return unix.EINTR
		}

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestOpenat2ResolveNoSymlinks(t *testing.T) {
	dir := t.TempDir()

	how := &unix.OpenHow{
		Flags:   unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	}

	fd, err := Openat2(context.Background(), unix.AT_FDCWD, dir, how)
	require.NoError(t, err)
	CloseQuietly(fd)
}

func TestDupCloexec(t *testing.T) {
	dir := t.TempDir()

	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer CloseQuietly(fd)

	dup, err := DupCloexec(fd)
	require.NoError(t, err)
	defer CloseQuietly(dup)

	assert.NotEqual(t, fd, dup)

	flags, err := unix.FcntlInt(uintptr(dup), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.FD_CLOEXEC)
}
