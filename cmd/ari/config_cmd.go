package main

import (
	"github.com/spf13/cobra"
)

const redacted = "[REDACTED]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration that "ari run" would use: the config file over
the built-in defaults, with flags and ARI_* environment variables applied.
A static token is redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newSettings(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfiguration(v)
		if err != nil {
			return err
		}
		if cfg.Token != "" {
			cfg.Token = redacted
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	addOverrideFlags(configPrintCmd)
	configCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(configCmd)
}
