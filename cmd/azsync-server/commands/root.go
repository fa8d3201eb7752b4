// Package commands implements the azsync-server CLI, grounded on dittofs's
// cmd/dittofs/commands package layout (a cobra root command with
// subcommands in sibling files).
package commands

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "azsync-server",
	Short: "Distributed named-lock and slot-keeper coordination server",
	Long: `azsync-server exposes two coordination primitives over a streaming
HTTP RPC surface: a distributed named lock, and a distributed slot keeper
that caps concurrently active slots per named object while allowing any
number of workers to share an already-open slot.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}
