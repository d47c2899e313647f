//go:build linux

package mount

import (
	"context"
	"fmt"

	"github.com/truenas/linuxfs/syscalls"
)

// listmountBatch is the number of mount IDs fetched per listmount call.
const listmountBatch = 256

// ListMountIDs returns the unique IDs of every mount underneath the mount
// identified by parentID, in the kernel's traversal order. Pass
// syscalls.ListmountRoot to enumerate the whole namespace.
func ListMountIDs(ctx context.Context, parentID uint64) ([]uint64, error) {
	var out []uint64

	last := uint64(0)
	batch := make([]uint64, listmountBatch)

	for {
		n, err := syscalls.Listmount(ctx, parentID, last, batch, 0)
		if err != nil {
			return nil, fmt.Errorf("Failed to list mounts under %d: %w", parentID, err)
		}

		out = append(out, batch[:n]...)
		if n < len(batch) {
			return out, nil
		}

		last = batch[n-1]
	}
}

// ListMounts enumerates mounts under parentID and returns a statmount record
// for each, queried with the given mask.
func ListMounts(ctx context.Context, parentID uint64, mask uint64) ([]*StatmountRecord, error) {
	ids, err := ListMountIDs(ctx, parentID)
	if err != nil {
		return nil, err
	}

	records := make([]*StatmountRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := Statmount(ctx, id, mask)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}
