package main

import (
	"os"

	"github.com/spf13/cobra"
)

const configFlagName = "config"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "envelope-runtime",
		Short:        "Serve one inference handler over legacy, KServe v1 or KServe v2 envelopes",
		SilenceUsage: true,
	}
	root.PersistentFlags().String(configFlagName, envOr("APEXX_CONFIG", ""), "path to a TOML config file (env APEXX_CONFIG)")
	root.AddCommand(newServeCmd(), newValidateConfigCmd(), newVersionCmd())
	return root
}
