// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// rigrun-stage.
//
// Configuration is TOML, with sensible defaults, environment variable
// overrides and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ChannelConfig: Remote channel client settings
//   - ServerConfig: Embedded channel server settings
//   - StorageConfig: Session snapshot persistence
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (STAGE_*)
//   - ~/.rigrun-stage/config.toml (or $STAGE_HOME/config.toml)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr := cfg.Server.Addr()
package config
