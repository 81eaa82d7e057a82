package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "factoryd",
		Short: "Agent Factory - dispatch coding tasks to AI agents",
		Long: `Agent Factory dispatches independent coding tasks to AI agents.
Each attempt runs in its own git worktree with bounded parallelism,
live progress streaming and safe cancellation.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
