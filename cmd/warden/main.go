package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // set with -ldflags "-X main.version=..."

func main() {
	if err := newRootCommand(version, registerBuiltins).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(version string, register registerFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Trigger-driven scheduler for passive-defense plugins",
		Long: `warden runs defensive plugins (file watchers, log tails, liveness checks)
on startup, shutdown, interval, daily and calendar triggers, reports their
findings through a rate-limited writer and serves a local status API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "./warden.yaml", "path to config (yaml or json)")

	root.AddCommand(
		newRunCommand(version, register),
		newValidateCommand(register),
		newVersionCommand(version),
	)
	return root
}
