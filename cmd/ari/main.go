package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/almuete/ari/logger"
)

var rootCmd = &cobra.Command{
	Use:           "ari",
	Short:         "ari - real-time voice assistant client",
	Version:       GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `ari keeps a live, bidirectional voice session with a hosted multimodal
model: microphone audio streams up, synthesized speech streams down, and
model tool calls are resolved against the configured backend.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("verbose") {
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error getting verbose flag: %v\n", err)
				return
			}
			logger.SetVerbose(verbose)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (YAML)")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SetVersionTemplate(GetVersionInfo() + "\n")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}
