// Package cmd provides the command-line interface of dcsd.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dcsd",
	Short: "dcsd runs the codes of many channels on the printer firmware.",
	Long: `dcsd accepts G-codes from many channels, runs them through a ` +
		`staged pipeline and multiplexes the codes that the firmware has to ` +
		`execute onto one link. It also runs macro files and print jobs.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"settings file (JSON, YAML or TOML)")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. The exit handlers run before the process exits.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
