// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-stage/internal/config"
)

// =============================================================================
// CONFIG COMMANDS
// =============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and edit the configuration file",
	Long: `Show and edit the stage configuration.

Keys use dot notation matching the TOML file, e.g. ollama.model or
channel.send_rate. "get", "list" and "show" report the effective values,
including environment overrides; "set" edits the file only.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (tokens redacted)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.OutOrStdout(), cfg.String())
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := normalizeKey(args[0])
		v, err := cfg.Get(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), maskIfSecret(key, formatValue(v)))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every configuration key with its value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, key := range config.GetAllKeys() {
			v, err := cfg.Get(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, RenderField(key+" = ", maskIfSecret(key, formatValue(v))))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the configuration file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := normalizeKey(args[0]), args[1]

		path, err := configFilePath()
		if err != nil {
			return err
		}

		// Start from the file, not the effective config, so environment
		// overrides are never written back.
		fileCfg := config.Default()
		if _, err := os.Stat(path); err == nil {
			if err := config.LoadTOML(fileCfg, path); err != nil {
				return err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := fileCfg.Set(key, value); err != nil {
			return err
		}
		if err := fileCfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration value: %w", err)
		}
		if err := config.SaveTOML(fileCfg, path); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if configPath == "" {
			if err := config.ReloadGlobal(); err != nil {
				return err
			}
			cfg = config.Global()
		} else if err := loadConfig(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n",
			SuccessStyle.Render("[OK]"), key, maskIfSecret(key, value))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configGetCmd, configListCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// configFilePath is --config when given, else the default path with its
// directory created.
func configFilePath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if err := config.EnsureConfigDir(); err != nil {
		return "", err
	}
	return config.ConfigPath()
}

// normalizeKey accepts ollama.model as well as OLLAMA.MODEL.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func formatValue(v interface{}) string {
	if items, ok := v.([]string); ok {
		return strings.Join(items, ",")
	}
	return fmt.Sprint(v)
}

func maskIfSecret(key, value string) string {
	if value == "" || !strings.HasSuffix(key, "token") {
		return value
	}
	return "[REDACTED]"
}
