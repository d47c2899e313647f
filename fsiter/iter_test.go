//go:build linux

package fsiter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/mount"
	"github.com/truenas/linuxfs/statx"
)

// collect drains the iterator and returns the yielded paths in order.
func collect(t *testing.T, it *Iterator) []string {
	t.Helper()

	var paths []string
	for {
		entry, err := it.Next(context.Background())
		require.NoError(t, err)
		if entry == nil {
			return paths
		}

		paths = append(paths, entry.Path())
	}
}

func TestIterateScope(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "x"), []byte("hello"), 0o644))
	require.NoError(t, os.Symlink("/etc", filepath.Join(root, "b")))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(root, "a", "y")))

	it, err := New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	paths := collect(t, it)

	// Symlinks are pruned silently; only the directory and its file remain.
	require.Equal(t, []string{
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "x"),
	}, paths)

	st := it.Stats()
	assert.Equal(t, uint64(2), st.Count)
	assert.Equal(t, uint64(5), st.Bytes)
	assert.Empty(t, st.CurrentDir)
}

func TestIterateDepthFirstPreOrder(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "d", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "sub", "leaf"), []byte("1"), 0o644))

	it, err := New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	paths := collect(t, it)
	require.Equal(t, []string{
		filepath.Join(root, "d"),
		filepath.Join(root, "d", "sub"),
		filepath.Join(root, "d", "sub", "leaf"),
	}, paths)
}

func TestEntryFDIsReadableAndClosedAtEnd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "data"), []byte("payload"), 0o644))

	it, err := New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	entry, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, statx.KindRegular, entry.Kind)

	buf := make([]byte, 16)
	n, err := unix.Pread(entry.FD, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))

	fd := entry.FD

	entry, err = it.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, entry)

	// The borrow ended with the traversal; the descriptor is gone.
	var st unix.Stat_t
	assert.ErrorIs(t, unix.Fstat(fd, &st), unix.EBADF)
}

func TestSkipPrunesSubtree(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "skipme", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skipme", "f"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "keep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep", "g"), []byte("y"), 0o644))

	it, err := New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	var paths []string
	for {
		entry, err := it.Next(context.Background())
		require.NoError(t, err)
		if entry == nil {
			break
		}

		paths = append(paths, entry.Path())

		if entry.Kind == statx.KindDirectory && entry.Name == "skipme" {
			require.NoError(t, it.Skip())
		}
	}

	for _, p := range paths {
		assert.NotContains(t, p, "skipme"+string(os.PathSeparator))
	}

	assert.Contains(t, paths, filepath.Join(root, "skipme"))
	assert.Contains(t, paths, filepath.Join(root, "keep"))
	assert.Contains(t, paths, filepath.Join(root, "keep", "g"))
}

func TestSkipOnlyAfterDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	it, err := New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	// Before any yield.
	assert.ErrorIs(t, it.Skip(), ErrSkipNotAllowed)

	entry, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, statx.KindRegular, entry.Kind)

	// After a file yield.
	assert.ErrorIs(t, it.Skip(), ErrSkipNotAllowed)
}

func TestDepthLimit(t *testing.T) {
	defer SetMaxDepth(3)()

	root := t.TempDir()

	// Exactly at the cap: root plus two nested frames.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))

	it, err := New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)

	paths := collect(t, it)
	assert.Len(t, paths, 2)
	require.NoError(t, it.Close())

	// One past the cap fails and names the offending path.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0o755))

	it, err = New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	for {
		entry, err := it.Next(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, ErrDepthExceeded)
			assert.Contains(t, err.Error(), filepath.Join(root, "a", "b", "c"))
			return
		}

		require.NotNil(t, entry, "expected depth error before exhaustion")
	}
}

func TestBtimeCutoff(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "new"), []byte("x"), 0o644))

	rec, err := statx.At(context.Background(), unix.AT_FDCWD, filepath.Join(root, "d", "new"), statx.DefaultMask)
	require.NoError(t, err)
	if !rec.Has(unix.STATX_BTIME) {
		t.Skip("filesystem does not report birth time")
	}

	// A cutoff far in the past filters every file but keeps directories.
	it, err := New(context.Background(), Options{Mountpoint: root, BtimeCutoff: 1})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	paths := collect(t, it)
	assert.Equal(t, []string{filepath.Join(root, "d")}, paths)

	// A cutoff at the file's birth time keeps it.
	it2, err := New(context.Background(), Options{Mountpoint: root, BtimeCutoff: rec.Btime.Sec})
	require.NoError(t, err)
	defer func() { _ = it2.Close() }()

	assert.Len(t, collect(t, it2), 2)
}

func TestProgressCallback(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"f1", "f2", "f3", "f4"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("xy"), 0o644))
	}

	var reports []Stats
	it, err := New(context.Background(), Options{
		Mountpoint:  root,
		ReportEvery: 2,
		Report: func(stack Snapshot, stats Stats) error {
			require.NotEmpty(t, stack)
			assert.Equal(t, root, stack[0].Path)
			reports = append(reports, stats)
			return nil
		},
	})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	paths := collect(t, it)
	require.Len(t, paths, 4)

	require.Len(t, reports, 2)
	assert.Equal(t, uint64(2), reports[0].Count)
	assert.Equal(t, uint64(4), reports[1].Count)
	assert.Equal(t, uint64(8), reports[1].Bytes)
}

func TestProgressCallbackFailureStopsIteration(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	boom := errors.New("boom")
	it, err := New(context.Background(), Options{
		Mountpoint: root,
		Report: func(Snapshot, Stats) error {
			return boom
		},
	})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestResumeRoundTrip(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a")
	require.NoError(t, os.Mkdir(sub, 0o755))
	for _, name := range []string{"x", "y", "z"} {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), []byte("1"), 0o644))
	}

	first, err := New(context.Background(), Options{Mountpoint: root})
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	// Run until the first yield inside a/, then snapshot.
	var snap Snapshot
	for {
		entry, err := first.Next(context.Background())
		require.NoError(t, err)
		require.NotNil(t, entry)

		if entry.Dir == sub {
			snap = first.DirStack()
			break
		}
	}

	require.Len(t, snap, 2)
	assert.Equal(t, root, snap[0].Path)
	assert.Equal(t, sub, snap[1].Path)

	second, err := New(context.Background(), Options{Mountpoint: root, Resume: snap})
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	paths := collect(t, second)

	// No directory frame is re-yielded for the saved chain and every yield
	// sits under the deepest saved directory. The first file may repeat.
	require.NotEmpty(t, paths)
	for _, p := range paths {
		assert.True(t, strings.HasPrefix(p, sub+string(os.PathSeparator)), p)
	}

	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}

	sort.Strings(names)
	assert.Subset(t, []string{"x", "y", "z"}, names)
}

func TestResumeMissingDirectory(t *testing.T) {
	root := t.TempDir()

	rec, err := statx.At(context.Background(), unix.AT_FDCWD, root, statx.DefaultMask)
	require.NoError(t, err)

	snap := Snapshot{
		{Path: root, Ino: rec.Ino},
		{Path: filepath.Join(root, "gone"), Ino: 0xdeadbeef},
	}

	it, err := New(context.Background(), Options{Mountpoint: root, Resume: snap})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	_, err = it.Next(context.Background())

	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.Equal(t, 0, restoreErr.Depth)
	assert.Equal(t, root, restoreErr.Path)
}

func TestResumeRootMismatch(t *testing.T) {
	root := t.TempDir()

	_, err := New(context.Background(), Options{
		Mountpoint: root,
		Resume:     Snapshot{{Path: root, Ino: 0xdeadbeef}},
	})

	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.Equal(t, 0, restoreErr.Depth)
}

func TestNotADirectoryRoot(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := New(context.Background(), Options{Mountpoint: file})
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestSourceMismatch(t *testing.T) {
	root := t.TempDir()

	rec, err := statx.At(context.Background(), unix.AT_FDCWD, root, statx.DefaultMask)
	require.NoError(t, err)
	if !rec.MntIDUnique {
		t.Skip("kernel does not report unique mount IDs")
	}

	sm, err := mount.Statmount(context.Background(), rec.MntID, mount.StatmountSbSource)
	if err != nil || !sm.Has(mount.StatmountSbSource) {
		t.Skip("statmount not usable here")
	}

	// The true source passes, a bogus one is rejected up front.
	_, err = New(context.Background(), Options{Mountpoint: root, FilesystemName: sm.SbSource})
	require.NoError(t, err)

	_, err = New(context.Background(), Options{Mountpoint: root, FilesystemName: "tank/nonesuch"})
	assert.ErrorIs(t, err, ErrSourceMismatch)
}

func TestScanMounts(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rootA, "fa"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rootB, "fb"), []byte("b"), 0o644))

	var mu sync.Mutex
	seen := map[string]int{}

	err := ScanMounts(context.Background(), []string{rootA, rootB}, Options{}, func(mp string, entry *Entry) error {
		mu.Lock()
		defer mu.Unlock()
		seen[mp]++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]int{rootA: 1, rootB: 1}, seen)
}
