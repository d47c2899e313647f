//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/truenas/linuxfs/fsiter"
	"github.com/truenas/linuxfs/shared/logger"
)

type cmdIterate struct {
	global *cmdGlobal

	flagFsName      string
	flagBtimeCutoff int64
	flagReportEvery uint64
	flagRelative    string
}

func (c *cmdIterate) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iterate <mountpoint>",
		Short: "Walk a filesystem depth-first without crossing mounts or symlinks",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagFsName, "fs-name", "", "Expected filesystem source (e.g. a ZFS dataset name)")
	cmd.Flags().StringVar(&c.flagRelative, "relative-path", "", "Subdirectory of the mountpoint to start from")
	cmd.Flags().Int64Var(&c.flagBtimeCutoff, "btime-cutoff", 0, "Skip files born after this Unix time")
	cmd.Flags().Uint64Var(&c.flagReportEvery, "report-every", 0, "Log progress every N entries")

	return cmd
}

func (c *cmdIterate) run(cmd *cobra.Command, args []string) error {
	opts := fsiter.Options{
		Mountpoint:     args[0],
		RelativePath:   c.flagRelative,
		FilesystemName: c.flagFsName,
		BtimeCutoff:    c.flagBtimeCutoff,
	}

	every := c.flagReportEvery
	if every == 0 {
		every = c.global.config.ReportEvery
	}

	if every > 0 {
		opts.ReportEvery = every
		opts.Report = func(stack fsiter.Snapshot, stats fsiter.Stats) error {
			logger.Info("Traversal progress", logger.Ctx{"count": stats.Count, "bytes": stats.Bytes, "dir": stats.CurrentDir})
			return nil
		}
	}

	it, err := fsiter.New(cmd.Context(), opts)
	if err != nil {
		return err
	}

	defer func() { _ = it.Close() }()

	for {
		entry, err := it.Next(cmd.Context())
		if err != nil {
			return err
		}

		if entry == nil {
			break
		}

		fmt.Printf("%s\t%s\t%d\n", entry.Kind, entry.Path(), entry.Stat.Size)
	}

	stats := it.Stats()
	fmt.Printf("total: %d entries, %d bytes\n", stats.Count, stats.Bytes)

	return nil
}
