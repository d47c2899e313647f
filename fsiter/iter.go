//go:build linux

// Package fsiter implements a depth-first traversal of a single filesystem
// that never crosses mount boundaries or follows symlinks. Traversal state
// can be snapshotted and resumed later by rediscovering the saved directory
// chain through inode cookies.
package fsiter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/mount"
	"github.com/truenas/linuxfs/shared/logger"
	"github.com/truenas/linuxfs/shared/revert"
	"github.com/truenas/linuxfs/statx"
	"github.com/truenas/linuxfs/syscalls"
)

// maxDepth caps the directory frame stack.
var maxDepth = 2048

// Iterator errors.
var (
	// ErrDepthExceeded indicates the traversal reached the frame stack cap.
	ErrDepthExceeded = errors.New("Directory depth limit exceeded")

	// ErrSourceMismatch indicates the mount under the traversal root is not
	// backed by the filesystem source the caller named.
	ErrSourceMismatch = errors.New("Filesystem source mismatch")

	// ErrSkipNotAllowed indicates Skip was called at a point other than
	// immediately after a directory was yielded.
	ErrSkipNotAllowed = errors.New("Skip is only valid immediately after a directory entry")

	// ErrNotDirectory indicates the traversal root is not a directory.
	ErrNotDirectory = errors.New("Traversal root is not a directory")
)

// RestoreError is raised when a resumed iterator cannot rediscover a saved
// directory: the directory at Depth in the snapshot chain no longer has a
// child with the recorded inode.
type RestoreError struct {
	Depth int
	Path  string
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("Failed to restore iteration at depth %d under %q", e.Depth, e.Path)
}

// Entry is one object yielded by the iterator. FD is owned by the iterator
// and is only valid until the next call to Next or Close; callers may read
// or stat it but must not close it.
type Entry struct {
	Dir  string
	Name string
	FD   int
	Stat *statx.Record
	Kind statx.Kind
}

// Path returns the full path of the entry.
func (e *Entry) Path() string {
	return filepath.Join(e.Dir, e.Name)
}

// Stats are the iterator's running totals. Bytes counts regular files only.
// CurrentDir is empty once the traversal has completed.
type Stats struct {
	Count      uint64
	Bytes      uint64
	CurrentDir string
}

// SnapshotEntry is one step of a saved directory chain.
type SnapshotEntry struct {
	Path string
	Ino  uint64
}

// Snapshot is a saved directory chain, root first, as returned by DirStack.
type Snapshot []SnapshotEntry

// ReportFunc is invoked by the iterator after every ReportEvery yields.
// Returning an error terminates the iteration with that error.
type ReportFunc func(stack Snapshot, stats Stats) error

// Options configure an Iterator.
type Options struct {
	// Mountpoint is the filesystem root to traverse. RelativePath, when
	// set, selects a subdirectory of it as the traversal root.
	Mountpoint   string
	RelativePath string

	// FilesystemName, when set, is compared against the statmount source
	// string of the mount under the root. A mismatch fails construction.
	// The check is skipped on kernels without statmount support.
	FilesystemName string

	// BtimeCutoff skips non-directory entries born after the cutoff
	// (seconds since the epoch). Zero disables the filter.
	BtimeCutoff int64

	// FileOpenFlags are used when opening non-directory entries. O_NOFOLLOW
	// and O_CLOEXEC are always added. Zero means O_RDONLY.
	FileOpenFlags int

	// Report, when set, is called every ReportEvery yields. ReportEvery
	// defaults to 1.
	Report      ReportFunc
	ReportEvery uint64

	// Resume restores a traversal from a previous DirStack snapshot. The
	// first entries of the deepest saved directory may be yielded again;
	// callers needing exactness must deduplicate.
	Resume Snapshot
}

// frame is one element of the directory stack. It owns its stream and the
// descriptor inside it; popping the frame closes both.
type frame struct {
	path   string
	stream *dirStream
	ino    uint64
}

// Iterator walks one filesystem depth-first. It is not safe for concurrent
// use; run independent iterators for parallel traversals.
type Iterator struct {
	frames  []*frame
	stats   Stats
	cutoff  int64
	flags   int
	report  ReportFunc
	every   uint64
	cookies []uint64

	resumeActive bool
	skipPending  bool
	lastWasDir   bool
	lastFD       int
}

// New opens the traversal root and positions the iterator before the first
// entry. The root is resolved without following symlinks and must be a
// directory.
func New(ctx context.Context, opts Options) (*Iterator, error) {
	if opts.Mountpoint == "" {
		return nil, errors.New("Mountpoint is required")
	}

	root := opts.Mountpoint
	if opts.RelativePath != "" {
		root = filepath.Join(root, opts.RelativePath)
	}

	how := &unix.OpenHow{
		Flags:   unix.O_RDONLY | unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	}

	fd, err := syscalls.Openat2(ctx, unix.AT_FDCWD, root, how)
	if err != nil {
		if errors.Is(err, unix.ENOTDIR) {
			return nil, fmt.Errorf("%w: %q", ErrNotDirectory, root)
		}

		return nil, fmt.Errorf("Failed to open traversal root %q: %w", root, err)
	}

	reverter := revert.New()
	defer reverter.Fail()
	reverter.Add(func() { syscalls.CloseQuietly(fd) })

	rec, err := statx.File(ctx, fd, statx.DefaultMask)
	if err != nil {
		return nil, err
	}

	if opts.FilesystemName != "" && rec.MntIDUnique {
		sm, err := mount.Statmount(ctx, rec.MntID, mount.StatmountSbSource)
		if err == nil && sm.Has(mount.StatmountSbSource) && sm.SbSource != opts.FilesystemName {
			return nil, fmt.Errorf("%w: mount source is %q, expected %q", ErrSourceMismatch, sm.SbSource, opts.FilesystemName)
		}
	}

	it := &Iterator{
		cutoff: opts.BtimeCutoff,
		flags:  opts.FileOpenFlags,
		report: opts.Report,
		every:  opts.ReportEvery,
		lastFD: -1,
	}

	if it.flags == 0 {
		it.flags = unix.O_RDONLY
	}

	if it.report != nil && it.every == 0 {
		it.every = 1
	}

	if len(opts.Resume) > 0 {
		if opts.Resume[0].Ino != rec.Ino {
			return nil, &RestoreError{Depth: 0, Path: root}
		}

		for _, se := range opts.Resume[1:] {
			it.cookies = append(it.cookies, se.Ino)
		}

		it.resumeActive = len(it.cookies) > 0
	}

	it.frames = append(it.frames, &frame{
		path:   root,
		stream: newDirStream(fd),
		ino:    rec.Ino,
	})

	reverter.Success()

	return it, nil
}

// Next advances the traversal and yields the next entry in depth-first
// pre-order: a directory is yielded before its children. A nil entry with a
// nil error means the traversal has completed. The previous entry's FD is
// closed on entry to Next.
func (it *Iterator) Next(ctx context.Context) (*Entry, error) {
	if it.lastFD >= 0 {
		syscalls.CloseQuietly(it.lastFD)
		it.lastFD = -1
	}

	if it.skipPending {
		it.skipPending = false
		it.popFrame()
	}

	it.lastWasDir = false

	for {
		if len(it.frames) == 0 {
			return nil, nil
		}

		top := it.frames[len(it.frames)-1]
		cur := len(it.frames) - 1

		name, ino, dtype, ok, err := top.stream.next(ctx)
		if err != nil {
			return nil, fmt.Errorf("Failed to read directory %q: %w", top.path, err)
		}

		if !ok {
			if it.resumeActive && cur < len(it.cookies) && it.cookies[cur] != 0 {
				return nil, &RestoreError{Depth: cur, Path: top.path}
			}

			it.popFrame()
			continue
		}

		if name == "." || name == ".." {
			continue
		}

		if it.resumeActive && cur < len(it.cookies) && it.cookies[cur] != 0 {
			if ino != it.cookies[cur] {
				continue
			}

			it.cookies[cur] = 0
		}

		// Symlinks are never followed, in any position.
		if dtype == unix.DT_LNK {
			continue
		}

		path := filepath.Join(top.path, name)

		entryFD, err := it.openEntry(ctx, top.stream.fd, name, dtype)
		if err != nil {
			// A symlink or a foreign mount in child position is
			// pruned, not reported.
			if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.EXDEV) {
				logger.Debug("Pruning entry outside filesystem scope", logger.Ctx{"path": path, "err": err})
				continue
			}

			return nil, fmt.Errorf("Failed to open %q: %w", path, err)
		}

		rec, err := statx.File(ctx, entryFD, statx.DefaultMask)
		if err != nil {
			syscalls.CloseQuietly(entryFD)
			return nil, err
		}

		kind := rec.Kind()

		if kind != statx.KindDirectory && it.cutoff > 0 && rec.Has(unix.STATX_BTIME) && rec.Btime.Sec > it.cutoff {
			syscalls.CloseQuietly(entryFD)
			continue
		}

		if kind == statx.KindDirectory {
			if len(it.frames) >= maxDepth {
				syscalls.CloseQuietly(entryFD)
				return nil, fmt.Errorf("%w at %q", ErrDepthExceeded, path)
			}

			if it.resumeActive {
				// Intermediate directories of the saved chain are
				// descended into without being yielded.
				it.frames = append(it.frames, &frame{path: path, stream: newDirStream(entryFD), ino: rec.Ino})
				if len(it.frames)-1 >= len(it.cookies) {
					it.resumeActive = false
				}

				continue
			}

			dup, err := syscalls.DupCloexec(entryFD)
			if err != nil {
				syscalls.CloseQuietly(entryFD)
				return nil, fmt.Errorf("Failed to duplicate descriptor for %q: %w", path, err)
			}

			it.frames = append(it.frames, &frame{path: path, stream: newDirStream(dup), ino: rec.Ino})
			it.lastFD = entryFD
			it.lastWasDir = true
			it.stats.Count++

			err = it.maybeReport()
			if err != nil {
				return nil, err
			}

			return &Entry{Dir: top.path, Name: name, FD: entryFD, Stat: rec, Kind: kind}, nil
		}

		it.lastFD = entryFD
		it.stats.Count++
		if kind == statx.KindRegular {
			it.stats.Bytes += rec.Size
		}

		err = it.maybeReport()
		if err != nil {
			return nil, err
		}

		return &Entry{Dir: top.path, Name: name, FD: entryFD, Stat: rec, Kind: kind}, nil
	}
}

// openEntry opens one directory entry under the parent descriptor without
// crossing mounts or resolving symlinks anywhere in the chain.
func (it *Iterator) openEntry(ctx context.Context, parentFD int, name string, dtype uint8) (int, error) {
	dirHow := &unix.OpenHow{
		Flags:   unix.O_RDONLY | unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_XDEV | unix.RESOLVE_NO_SYMLINKS,
	}

	fileHow := &unix.OpenHow{
		Flags:   uint64(it.flags) | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_XDEV | unix.RESOLVE_NO_SYMLINKS,
	}

	switch dtype {
	case unix.DT_DIR:
		return syscalls.Openat2(ctx, parentFD, name, dirHow)
	case unix.DT_UNKNOWN:
		// Filesystems that do not fill d_type need a directory probe.
		fd, err := syscalls.Openat2(ctx, parentFD, name, dirHow)
		if err == nil || !errors.Is(err, unix.ENOTDIR) {
			return fd, err
		}

		return syscalls.Openat2(ctx, parentFD, name, fileHow)
	default:
		return syscalls.Openat2(ctx, parentFD, name, fileHow)
	}
}

// popFrame closes the top frame. Close errors on pop are ignored; the
// traversal continues in the parent.
func (it *Iterator) popFrame() {
	if len(it.frames) == 0 {
		return
	}

	top := it.frames[len(it.frames)-1]
	top.stream.close()
	it.frames = it.frames[:len(it.frames)-1]
}

func (it *Iterator) maybeReport() error {
	if it.report == nil || it.stats.Count%it.every != 0 {
		return nil
	}

	err := it.report(it.DirStack(), it.Stats())
	if err != nil {
		return fmt.Errorf("Progress callback failed: %w", err)
	}

	return nil
}

// Skip prunes the directory yielded by the immediately preceding Next call:
// none of its children are visited and the traversal continues with its next
// sibling. Calling Skip at any other point is an error.
func (it *Iterator) Skip() error {
	if !it.lastWasDir {
		return ErrSkipNotAllowed
	}

	it.lastWasDir = false
	it.skipPending = true

	return nil
}

// Stats returns the running totals.
func (it *Iterator) Stats() Stats {
	st := it.stats

	if len(it.frames) > 0 {
		st.CurrentDir = it.frames[len(it.frames)-1].path
	}

	return st
}

// DirStack snapshots the current directory chain, root first. The snapshot
// can seed a later iterator through Options.Resume. If a snapshotted
// directory is renamed before the resume, restoration still succeeds by
// inode and reports the directory's current path.
func (it *Iterator) DirStack() Snapshot {
	snap := make(Snapshot, 0, len(it.frames))
	for _, f := range it.frames {
		snap = append(snap, SnapshotEntry{Path: f.path, Ino: f.ino})
	}

	return snap
}

// Close releases every descriptor the iterator still owns. The iterator
// must not be used afterwards.
func (it *Iterator) Close() error {
	if it.lastFD >= 0 {
		syscalls.CloseQuietly(it.lastFD)
		it.lastFD = -1
	}

	for len(it.frames) > 0 {
		it.popFrame()
	}

	return nil
}
