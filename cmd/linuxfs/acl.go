//go:build linux

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v2"
	"golang.org/x/sys/unix"

	"github.com/truenas/linuxfs/acl"
	"github.com/truenas/linuxfs/statx"
	"github.com/truenas/linuxfs/syscalls"
)

type cmdACL struct {
	global *cmdGlobal

	flagFormat string
}

func (c *cmdACL) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Read and write NFSv4 and POSIX.1e ACLs",
	}

	get := &cobra.Command{
		Use:   "get <path>",
		Short: "Show the ACL of a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runGet,
	}
	get.Flags().StringVar(&c.flagFormat, "format", "text", "Output format (text or yaml)")
	cmd.AddCommand(get)

	strip := &cobra.Command{
		Use:   "strip <path> <octal-mode>",
		Short: "Replace the ACL with the trivial one for a mode",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runStrip,
	}
	cmd.AddCommand(strip)

	return cmd
}

func openForACL(ctx context.Context, path string) (int, error) {
	how := &unix.OpenHow{
		Flags:   unix.O_RDONLY | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	}

	return syscalls.Openat2(ctx, unix.AT_FDCWD, path, how)
}

func (c *cmdACL) runGet(cmd *cobra.Command, args []string) error {
	fd, err := openForACL(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("Failed to open %q: %w", args[0], err)
	}

	defer syscalls.CloseQuietly(fd)

	value, err := acl.FGetACL(cmd.Context(), fd)
	if err != nil {
		return err
	}

	if c.flagFormat == "yaml" {
		data, err := yaml.Marshal(value)
		if err != nil {
			return err
		}

		fmt.Print(string(data))
		return nil
	}

	switch v := value.(type) {
	case *acl.Nfs4ACL:
		fmt.Println(v.String())
	case *acl.PosixACL:
		fmt.Println(v.String())
	}

	return nil
}

func (c *cmdACL) runStrip(cmd *cobra.Command, args []string) error {
	mode, err := strconv.ParseUint(args[1], 8, 32)
	if err != nil {
		return fmt.Errorf("Invalid mode %q: %w", args[1], err)
	}

	fd, err := openForACL(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("Failed to open %q: %w", args[0], err)
	}

	defer syscalls.CloseQuietly(fd)

	rec, err := statx.File(cmd.Context(), fd, statx.DefaultMask)
	if err != nil {
		return err
	}

	trivial := acl.Nfs4FromMode(uint32(mode), rec.IsDir())

	return acl.FSetACL(cmd.Context(), fd, trivial)
}
