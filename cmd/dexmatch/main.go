package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dexmatch",
		Short:        "Match on-chain exchange orders across a pool of worker processes",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newWorkerCmd(), newMigrateCmd())
	return root
}
