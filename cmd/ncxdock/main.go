// Package main provides ncxdock, a headless dock host that waits for a
// Newton on every configured transport and logs the events it sends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ncxdock",
		Short: "Newton dock host",
		Long: `ncxdock listens for a Newton on TCP/IP, serial, Bluetooth and an
emulator link at the same time, keeps the first connection that arrives
and runs the dock event protocol over it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		listenCmd(),
		versionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
