//go:build linux

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/truenas/linuxfs/xattrutil"
)

type cmdAttrs struct {
	global *cmdGlobal
}

func (c *cmdAttrs) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attrs <path>",
		Short: "Show every extended attribute of a path",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}

	return cmd
}

func (c *cmdAttrs) run(cmd *cobra.Command, args []string) error {
	attrs, err := xattrutil.GetAll(args[0])
	if err != nil {
		return err
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%s=%q\n", name, attrs[name])
	}

	return nil
}
