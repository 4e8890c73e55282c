package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "livemap",
		Short:        "Live location tracking synced to a sandboxed map",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newSimulateCommand())
	return root
}
