package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/logger"
)

// Version information set via ldflags
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	verbose    bool
	configFile string
	projectDir string
)

var rootCmd = &cobra.Command{
	Use:   "driftwatch",
	Short: "Agent traffic proxy with session tracking and team memory sync",
	Long: `Driftwatch sits between AI coding agents and their model providers.

It forwards agent traffic transparently while extracting what the agent is
doing: the goal, the steps taken, reasoning, and drift away from the stated
goal. Completed units of work become tasks that sync to a shared team
memory store, and prior team work is injected back into future agent
conversations.

Configure in:
  - ~/.driftwatch/config.yaml (global)
  - .driftwatch/config.yaml (project-specific)`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("driftwatch %s\n", Version)
		fmt.Printf("  commit: %s\n", Commit)
		fmt.Printf("  built:  %s\n", Date)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Override config file path")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "", "Override project directory")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves configuration the same way for every command.
func loadConfig() *config.Config {
	loader, err := config.NewLoader(projectDir)
	if err != nil {
		return config.DefaultConfig()
	}

	var cfg *config.Config
	if configFile != "" {
		cfg, err = loader.LoadFromFile(configFile)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}
	return cfg
}

func initLogging(cfg *config.Config) {
	if verbose {
		_ = logger.Init("debug", cfg.Settings.LogFile)
		return
	}
	level := cfg.Settings.LogLevel
	if level == "" {
		level = "info"
	}
	_ = logger.Init(level, cfg.Settings.LogFile)
}
