// Package commands implements the torvoice command line.
package commands

import (
	"github.com/opd-ai/torvoice/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	logFormat  string

	cfg *config.Config
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "torvoice",
		Short:         "Encrypted voice calls over several Tor circuits",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configFile != "" {
				cfg, err = config.LoadFile(configFile)
			} else {
				cfg, err = config.Load(nil)
			}
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				cfg.Logging.Format = logFormat
			}
			return cfg.Logging.Apply(logrus.StandardLogger())
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "f", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (error, warning, info, debug)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(simulateCmd(), configCmd(), callCmd())
	return root.Execute()
}
