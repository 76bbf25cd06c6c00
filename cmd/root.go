// Package cmd defines the CLI commands for the etsscraper executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and attaches the subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "etsscraper",
		Short: "Scrapes account data from the EU ETS registry.",
		Long: `etsscraper walks a range of EU ETS registry account IDs, fetches each
account page and writes account holders, installations and compliance
history as delimited files.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); ETS_* env vars override it")
	cmd.AddCommand(newScrapeCmd(&cfgFile))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
