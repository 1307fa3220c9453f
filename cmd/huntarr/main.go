// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/autobrr/huntarr/internal/buildinfo"
	"github.com/autobrr/huntarr/internal/config"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "huntarr",
		Short: "Keeps arr instances searching for missing and upgradeable media",
		Long: `huntarr - periodically asks Sonarr, Radarr, Lidarr, Readarr and Whisparr
to search for missing items and quality upgrades, within an hourly budget,
and clears downloads that stopped making progress.`,
		SilenceUsage: true,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunStatusCommand())
	rootCmd.AddCommand(RunControlCommand("pause", "Pause hunting for an instance"))
	rootCmd.AddCommand(RunControlCommand("resume", "Resume hunting for an instance"))
	rootCmd.AddCommand(RunControlCommand("run", "Start a hunt cycle for an instance now"))
	rootCmd.AddCommand(RunReloadCommand())
	rootCmd.AddCommand(RunHistoryCommand())
	rootCmd.AddCommand(RunPruneCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the hunt engine and the status API",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/huntarr/ or %APPDATA%\\huntarr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app := NewApplication(configDir, dataDir, logPath)
		return app.runServer()
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of huntarr",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(buildinfo.String())
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the engine.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/huntarr/config.toml
- Windows: %APPDATA%\huntarr\config.toml

You can specify either a directory path or a direct file path:
- Directory: huntarr generate-config --config-dir /path/to/config/
- File: huntarr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	switch {
	case configDir == "":
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	case strings.HasSuffix(strings.ToLower(configDir), ".toml"):
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}
