// Package cmd defines and implements the CLI commands for the webaudit executable.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webaudit/internal/config"
)

var cfgFile string

// loadConfig is a variable so tests can inject configuration without
// touching the filesystem.
var loadConfig = func() (config.Config, error) {
	return config.Load(cfgFile)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webaudit",
		Short: "Website performance audit service.",
		Long: `webaudit runs Lighthouse lab audits, fetches CrUX field data and
produces an AI-written report for a URL. It can run as an HTTP service or
audit a single URL from the command line.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the WEBAUDIT_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newCacheCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
