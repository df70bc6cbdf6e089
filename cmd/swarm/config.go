package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
)

var (
	showFormat   string
	initGlobal   bool
	initForce    bool
	errExists    = errors.New("config file already exists (use --force to overwrite)")
	errBadFormat = errors.New(`format must be "yaml" or "json"`)
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration files",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showFormat != "yaml" && showFormat != "json" {
			return errBadFormat
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		data, err := config.Marshal(cfg, showFormat == "yaml")
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the project (or global) config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		globalPath, projectPath, err := configPaths()
		if err != nil {
			return err
		}
		path := projectPath
		if initGlobal {
			path = globalPath
		}
		if !initForce {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s: %w", path, errExists)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringVar(&showFormat, "format", "yaml", "Output format (yaml or json)")
	configInitCmd.Flags().BoolVar(&initGlobal, "global", false, "Write the global config instead of the project config")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
