package commands

import (
	"github.com/spf13/cobra"
)

// config: print the effective configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
}
