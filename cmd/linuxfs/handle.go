//go:build linux

package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/mount"
	"github.com/truenas/linuxfs/statx"
	"github.com/truenas/linuxfs/syscalls"
)

type cmdHandle struct {
	global *cmdGlobal
}

func (c *cmdHandle) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Encode and open persistent file handles",
	}

	encode := &cobra.Command{
		Use:   "encode <path>",
		Short: "Encode a path into a persistent file handle",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runEncode,
	}
	cmd.AddCommand(encode)

	open := &cobra.Command{
		Use:   "open <mountpoint> <hex-handle>",
		Short: "Open a previously encoded handle and stat the target",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runOpen,
	}
	cmd.AddCommand(open)

	return cmd
}

func (c *cmdHandle) runEncode(cmd *cobra.Command, args []string) error {
	handle, err := mount.NewHandleAt(cmd.Context(), unix.AT_FDCWD, args[0], 0)
	if err != nil {
		return err
	}

	data, err := handle.MarshalBinary()
	if err != nil {
		return err
	}

	fmt.Println(hex.EncodeToString(data))

	return nil
}

func (c *cmdHandle) runOpen(cmd *cobra.Command, args []string) error {
	data, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("Invalid handle encoding: %w", err)
	}

	var handle mount.FileHandle
	err = handle.UnmarshalBinary(data)
	if err != nil {
		return err
	}

	mountFD, err := unix.Open(args[0], unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("Failed to open mountpoint %q: %w", args[0], err)
	}

	defer syscalls.CloseQuietly(mountFD)

	fd, err := handle.Open(cmd.Context(), mountFD, unix.O_RDONLY)
	if err != nil {
		return err
	}

	defer syscalls.CloseQuietly(fd)

	rec, err := statx.File(cmd.Context(), fd, statx.DefaultMask)
	if err != nil {
		return err
	}

	fmt.Printf("kind=%s inode=%d size=%d mode=%04o\n", rec.Kind(), rec.Ino, rec.Size, rec.Mode&0o7777)

	return nil
}
