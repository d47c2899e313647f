//go:build linux

package fsiter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ScanFunc receives entries streamed by ScanMounts. It may be called from
// multiple goroutines concurrently, one per mountpoint.
type ScanFunc func(mountpoint string, entry *Entry) error

// ScanMounts traverses several filesystems in parallel, one independent
// iterator per mountpoint, streaming every entry to fn. The first error from
// any traversal or from fn cancels the remaining ones.
func ScanMounts(ctx context.Context, mountpoints []string, opts Options, fn ScanFunc) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, mp := range mountpoints {
		mp := mp
		g.Go(func() error {
			o := opts
			o.Mountpoint = mp
			o.RelativePath = ""
			o.Resume = nil

			it, err := New(ctx, o)
			if err != nil {
				return err
			}

			defer func() { _ = it.Close() }()

			for {
				err := ctx.Err()
				if err != nil {
					return err
				}

				entry, err := it.Next(ctx)
				if err != nil {
					return err
				}

				if entry == nil {
					return nil
				}

				err = fn(mp, entry)
				if err != nil {
					return err
				}
			}
		})
	}

	return g.Wait()
}
