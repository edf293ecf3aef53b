// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-stage/internal/config"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	configPath string
	logLevel   string
	envFile    string

	// cfg is the configuration resolved in PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "stage",
	Short: "Companion chat stage: streaming pipeline and context sync",
	Long: `stage runs the chat side of a companion character.

It streams replies from a local Ollama model, splits them into speakable
chunks, and keeps the chat history consistent with a remote channel server
and with sibling stage processes.

Quick Start:
  stage serve                 # Run the channel server with a stage attached
  stage chat                  # Chat in the terminal
  stage sessions list         # Show saved sessions`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate)
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.rigrun-stage/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

// loadConfig reads the dotenv file, then the config file, then applies flags.
func loadConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var (
		loaded *config.Config
		err    error
	)
	if configPath != "" {
		loaded, err = config.LoadFromPath(configPath)
	} else {
		loaded, err = config.Load()
	}
	if err != nil {
		return err
	}

	if logLevel != "" {
		loaded.Log.Level = logLevel
		if err := loaded.Validate(); err != nil {
			return err
		}
	}

	cfg = loaded
	config.SetGlobal(cfg)
	return nil
}
