package main

import (
	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/logger"
	"github.com/spf13/cobra"
)

// NewCLI builds the gptoss command tree.
func NewCLI() *cobra.Command {
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:   "gptoss",
		Short: "gpt-oss mixture-of-experts inference engine",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			logger.Setup(level, format)
			return nil
		},
	}
	rootCmd.PersistentFlags().String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.LogFormat, "Log format (console, json)")

	rootCmd.AddCommand(
		newInspectCmd(),
		newGenerateCmd(),
		newSynthCmd(),
	)
	return rootCmd
}
