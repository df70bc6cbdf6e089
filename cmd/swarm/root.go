package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Budgeted multi-agent task orchestration",
	Long: `Swarm breaks a software request into a graph of small tasks, runs them
on a bounded pool of AI agents in dependency order, reviews every result
before accepting it and stops when the budget is spent.

Failed tasks are retried with backoff; a task that keeps failing makes the
planner replace the unexecuted part of the graph.

Configuration is layered: built-in defaults, then ~/.swarm/config.yaml,
then .swarm/config.yaml (JSON files are accepted too).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Project config file (default .swarm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (json, console)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
}

// configPaths returns the global and project config file locations.
func configPaths() (string, string, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return "", "", err
	}
	projectPath := config.ProjectPath()
	if configFile != "" {
		projectPath = configFile
	}
	return globalPath, projectPath, nil
}

// loadConfig loads the layered configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	globalPath, projectPath, err := configPaths()
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}
