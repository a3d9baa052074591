package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Multi-channel poll orchestration engine",
	Long: `Publishes one poll to several broadcast channels, tracks per-channel
votes, and streams a single live tally to overlay clients.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
