package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/runnerworker"
)

var (
	configPath      string
	serverURL       string
	runnerID        string
	maxJobs         int
	stageCommand    string
	orchestratorURL string
	debug           bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "runner-agent",
		Short: "Stage runner agent that connects to the orchestrator",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Orchestrator WebSocket URL (ws://host:port/ws)")
	rootCmd.Flags().StringVar(&runnerID, "id", "", "Runner ID")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 4, "Maximum concurrent jobs")
	rootCmd.Flags().StringVar(&stageCommand, "stage-command", "", "Command run for each stage job")
	rootCmd.Flags().StringVar(&orchestratorURL, "orchestrator-url", "", "Orchestrator API base URL passed to stage commands")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose logging for heartbeat diagnostics")

	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Config defines the runner-agent configuration file format
type Config struct {
	Server struct {
		URL string `toml:"url"`
	} `toml:"server"`
	Runner struct {
		ID      string `toml:"id"`
		MaxJobs int    `toml:"max_jobs"`
	} `toml:"runner"`
	Pipeline struct {
		StageCommand    string `toml:"stage_command"`
		OrchestratorURL string `toml:"orchestrator_url"`
	} `toml:"pipeline"`
}

// Default config file locations (checked in order)
var defaultConfigPaths = []string{
	"/etc/runner-agent/config.toml",
	"/etc/runner-agent.toml",
}

func run(cmd *cobra.Command, args []string) error {
	if err := checkPrerequisites(); err != nil {
		return err
	}

	var cfg Config

	cfgPath := configPath
	if cfgPath == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
				break
			}
		}
	}

	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", cfgPath, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", cfgPath, err)
		}
		fmt.Printf("Loaded config from %s\n", cfgPath)
	}

	// CLI flags override config (only if explicitly set)
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if runnerID != "" {
		cfg.Runner.ID = runnerID
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Runner.MaxJobs = maxJobs
	}
	if stageCommand != "" {
		cfg.Pipeline.StageCommand = stageCommand
	}
	if orchestratorURL != "" {
		cfg.Pipeline.OrchestratorURL = orchestratorURL
	}

	// Defaults
	if cfg.Runner.MaxJobs == 0 {
		cfg.Runner.MaxJobs = 4
	}
	if cfg.Runner.ID == "" {
		hostname, _ := os.Hostname()
		cfg.Runner.ID = hostname
	}
	if cfg.Pipeline.StageCommand == "" {
		cfg.Pipeline.StageCommand = "pipeline-stage"
	}

	runner, err := runnerworker.NewRunner(runnerworker.RunnerConfig{
		ServerURL:       cfg.Server.URL,
		RunnerID:        cfg.Runner.ID,
		MaxJobs:         cfg.Runner.MaxJobs,
		StageCommand:    cfg.Pipeline.StageCommand,
		OrchestratorURL: cfg.Pipeline.OrchestratorURL,
		Debug:           debug,
	})
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		runner.Stop()
	}()

	fmt.Printf("Starting runner %s connecting to %s (max_jobs=%d)...\n",
		cfg.Runner.ID, cfg.Server.URL, cfg.Runner.MaxJobs)

	// Run with automatic reconnection (blocks until stopped)
	return runner.RunWithReconnect()
}

func checkPrerequisites() error {
	// Stage commands run under sh and mutate git workspaces.
	if _, err := exec.LookPath("sh"); err != nil {
		return fmt.Errorf("sh is required but not found in PATH")
	}
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git is required but not found in PATH")
	}
	return nil
}
