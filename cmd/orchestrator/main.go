package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
	rootCmd    = &cobra.Command{
		Use:   "orchestrator",
		Short: "Pipeline orchestrator - parallel produce/review/integrate runs",
		Long: `The pipeline orchestrator runs a task through N parallel pipeline
instances, each on its own branch in an isolated workspace. Stage jobs
execute on a pool of runner agents and report back through single-use
signal tokens; approved work is merged into the run's trunk.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "orchestrator API base URL (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
