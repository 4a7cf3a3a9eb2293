package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

const (
	outputFlagName     = "output"
	outputFlagValJSON  = "json"
	outputFlagValHuman = "human"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the runtime version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, err := cmd.Flags().GetString(outputFlagName)
			if err != nil {
				return err
			}
			switch output {
			case outputFlagValHuman:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "envelope-runtime %s (%s)\n", version, commit)
				return err
			case outputFlagValJSON:
				return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
					Version string `json:"version"`
					Hash    string `json:"hash"`
				}{
					Version: version,
					Hash:    commit,
				})
			default:
				return fmt.Errorf("%s flag must be either %q or %q", outputFlagName, outputFlagValHuman, outputFlagValJSON)
			}
		},
	}
	cmd.Flags().String(outputFlagName, outputFlagValHuman, "Specify the output format: json,human")
	return cmd
}
