// Package cmd defines the cgpu command tree. Handlers stay thin: load
// config, wire the client/pool, delegate to the core packages, print.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for cgpu.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "cgpu",
		Short:         "cgpu — run code on remote compute runtimes",
		Long:          "cgpu obtains a remote compute runtime (GPU, TPU or CPU) from the notebook service and executes code on its kernel.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newInitCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReleaseCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
