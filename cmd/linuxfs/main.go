//go:build linux

// The linuxfs tool exposes the library over the command line: mount
// enumeration, secure traversal, ACL inspection and file handle round-trips.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/truenas/linuxfs/shared/logger"
)

type cmdGlobal struct {
	flagVerbose bool
	flagDebug   bool
	flagConfig  string

	config *config
}

func main() {
	globalCmd := cmdGlobal{}

	app := &cobra.Command{
		Use:           "linuxfs",
		Short:         "Linux filesystem and mount primitives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalCmd.flagConfig)
			if err != nil {
				return err
			}

			globalCmd.config = cfg
			logger.InitLogger(globalCmd.flagVerbose || cfg.Verbose, globalCmd.flagDebug)

			return nil
		},
	}

	app.PersistentFlags().BoolVarP(&globalCmd.flagVerbose, "verbose", "v", false, "Show information messages")
	app.PersistentFlags().BoolVarP(&globalCmd.flagDebug, "debug", "d", false, "Show debug messages")
	app.PersistentFlags().StringVar(&globalCmd.flagConfig, "config", "", "Path to the configuration file")

	mountsCmd := cmdMounts{global: &globalCmd}
	app.AddCommand(mountsCmd.command())

	iterateCmd := cmdIterate{global: &globalCmd}
	app.AddCommand(iterateCmd.command())

	aclCmd := cmdACL{global: &globalCmd}
	app.AddCommand(aclCmd.command())

	handleCmd := cmdHandle{global: &globalCmd}
	app.AddCommand(handleCmd.command())

	attrsCmd := cmdAttrs{global: &globalCmd}
	app.AddCommand(attrsCmd.command())

	err := app.Execute()
	if err != nil {
		logger.Error("Command failed", logger.Ctx{"err": err})
		os.Exit(1)
	}
}
