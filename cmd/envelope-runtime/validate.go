package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Resolve the configuration and report problems without serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			// Building the handler catches an unusable bridge command early.
			if _, err := buildHandler(cfg); err != nil {
				return err
			}
			_, err = fmt.Fprintf(
				cmd.OutOrStdout(),
				"config ok: protocol=%s model=%s version=%s handler=%s addr=%s workers=%d queue_size=%d\n",
				cfg.Protocol,
				cfg.Model.Name,
				cfg.Model.Version,
				cfg.Handler.Kind,
				cfg.Server.Addr,
				cfg.Runtime.Workers,
				cfg.Runtime.QueueSize,
			)
			return err
		},
	}
	registerRuntimeFlags(cmd.Flags())
	return cmd
}
