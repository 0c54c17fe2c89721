package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soulsig/twinhub/internal/version"
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "twinhub",
	Short: "Local orchestration daemon for twin connector onboarding",
	Long: `twinhub drives per-provider OAuth connections, connection status,
and twin generation progress against the twin backend. Run "twinhub serve"
to start the daemon; the other commands talk to a running daemon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("twinhub %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
