//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/truenas/linuxfs/mount"
	"github.com/truenas/linuxfs/syscalls"
)

type cmdMounts struct {
	global *cmdGlobal
}

func (c *cmdMounts) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mounts",
		Short: "List the mounts in the current namespace",
		RunE:  c.run,
	}

	return cmd
}

func (c *cmdMounts) run(cmd *cobra.Command, args []string) error {
	records, err := mount.ListMounts(cmd.Context(), syscalls.ListmountRoot, mount.StatmountAll)
	if err != nil {
		return fmt.Errorf("Failed to enumerate mounts: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Type", "Source", "Mountpoint", "Options"})
	table.SetBorder(false)

	for _, rec := range records {
		table.Append([]string{
			strconv.FormatUint(rec.MntID, 10),
			rec.FsType,
			rec.SbSource,
			rec.MntPoint,
			rec.MntOpts,
		})
	}

	table.Render()

	return nil
}
