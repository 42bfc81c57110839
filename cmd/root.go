package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pagebinder",
	Short: "Stage uploaded images per session and deliver them as one PDF",
	Long: `pagebinder collects images uploaded to a chat session, orders them by
their sequence hint, merges them into a single PDF, delivers it back to the
session and removes every trace of the job afterwards.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// config.Load reads the file path from CONFIG_FILE.
		if file, _ := cmd.Flags().GetString("config"); file != "" {
			return os.Setenv("CONFIG_FILE", file)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (environment variables still win)")
}
