// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("STAGE_HOME", t.TempDir())
	t.Setenv("STAGE_MODEL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Ollama, cfg.Ollama)
	assert.Equal(t, 6121, cfg.Server.Port)
}

func TestLoadFromPath_FillsMissingValues(t *testing.T) {
	path := writeConfig(t, `
[ollama]
model = "llama3"

[storage]
kind = "json"
auto_save = false

[metrics]
enabled = false
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "llama3", cfg.Ollama.Model)
	assert.Equal(t, Default().Ollama.URL, cfg.Ollama.URL)
	assert.Equal(t, "json", cfg.Storage.Kind)
	assert.False(t, cfg.Storage.AutoSave, "explicit false must survive defaults")
	assert.False(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Channel.Enabled, "absent bool takes the default")
	assert.Equal(t, 30*time.Second, cfg.Storage.Interval())
	assert.Equal(t, 200*time.Millisecond, cfg.Persona.Debounce())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "permissions tightened on load")
}

func TestLoadFromPath_MemoryDefaults(t *testing.T) {
	path := writeConfig(t, `
[memory]
dims = 3
min_score = 0.0
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Memory.Dims)
	assert.Zero(t, cfg.Memory.MinScore, "explicit zero threshold must survive defaults")
	assert.Equal(t, Default().Memory.EmbedModel, cfg.Memory.EmbedModel)
	assert.Equal(t, 5, cfg.Memory.Limit)

	t.Setenv("STAGE_HOME", t.TempDir())
	mp, err := cfg.MemoryPath()
	require.NoError(t, err)
	assert.Equal(t, "memory.db", filepath.Base(mp))
}

func TestLoadFromPath_Invalid(t *testing.T) {
	path := writeConfig(t, `
[storage]
kind = "redis"

[server]
port = 70000
`)

	_, err := LoadFromPath(path)
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"storage.kind", "server.port"}, fields)
}

func TestLoadFromPath_BadTOML(t *testing.T) {
	_, err := LoadFromPath(writeConfig(t, "[ollama\nmodel="))
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	t.Setenv("STAGE_HOME", t.TempDir())

	cfg := Default()
	cfg.Persona.Path = "/cards/airi.yaml"
	cfg.Server.AllowedIPs = []string{"127.0.0.1", "10.0.0.0/8"}
	cfg.Storage.AutoSave = false
	require.NoError(t, Save(cfg))

	got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Persona.Path, got.Persona.Path)
	assert.Equal(t, cfg.Server.AllowedIPs, got.Server.AllowedIPs)
	assert.False(t, got.Storage.AutoSave)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("STAGE_MODEL", "mistral")
	t.Setenv("STAGE_SERVER_PORT", "7000")
	t.Setenv("STAGE_CHANNEL_TOKEN", "secret")
	t.Setenv("STAGE_LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "mistral", cfg.Ollama.Model)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Channel.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	t.Setenv("STAGE_SERVER_PORT", "not-a-port")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, 6121, cfg.Server.Port)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"channel scheme", func(c *Config) { c.Channel.URL = "http://x/ws" }, "channel.url"},
		{"ollama empty", func(c *Config) { c.Ollama.URL = "" }, "ollama.url"},
		{"persona format", func(c *Config) { c.Persona.Path = "card.ini" }, "persona.path"},
		{"allowed ip", func(c *Config) { c.Server.AllowedIPs = []string{"nope"} }, "server.allowed_ips"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"auto save interval", func(c *Config) { c.Storage.AutoSaveInterval = 0 }, "storage.auto_save_interval_secs"},
		{"memory dims", func(c *Config) { c.Memory.Dims = 0 }, "memory.dims"},
		{"memory min score", func(c *Config) { c.Memory.MinScore = 1.5 }, "memory.min_score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

// =============================================================================
// GET / SET
// =============================================================================

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("server.port", "8080"))
	v, err := cfg.Get("server.port")
	require.NoError(t, err)
	assert.Equal(t, 8080, v)

	require.NoError(t, cfg.Set("metrics.enabled", "false"))
	assert.False(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Set("server.allowed_ips", "127.0.0.1, ::1"))
	assert.Equal(t, []string{"127.0.0.1", "::1"}, cfg.Server.AllowedIPs)

	require.NoError(t, cfg.Set("channel.send_rate", 2.5))
	assert.Equal(t, 2.5, cfg.Channel.SendRate)

	_, err = cfg.Get("server.nope")
	assert.Error(t, err)
	assert.Error(t, cfg.Set("server.port.x", "1"))
	assert.Error(t, cfg.Set("server.port", "abc"))
}

func TestGetAllKeys_Resolvable(t *testing.T) {
	cfg := Default()
	keys := GetAllKeys()
	assert.Contains(t, keys, "ollama.model")
	assert.Contains(t, keys, "storage.auto_save_interval_secs")
	for _, k := range keys {
		_, err := cfg.Get(k)
		assert.NoError(t, err, k)
	}
}

func TestClone_And_String(t *testing.T) {
	cfg := Default()
	cfg.Server.AllowedIPs = []string{"127.0.0.1"}
	cfg.Server.Token = "hunter2"

	clone := cfg.Clone()
	clone.Server.AllowedIPs[0] = "10.0.0.1"
	assert.Equal(t, "127.0.0.1", cfg.Server.AllowedIPs[0])

	s := cfg.String()
	assert.False(t, strings.Contains(s, "hunter2"))
	assert.Contains(t, s, "[REDACTED]")
}

// =============================================================================
// GLOBAL
// =============================================================================

// TestConfig_ConcurrentAccess tests that Global() and SetGlobal() can be
// called concurrently. Run with: go test -race ./internal/config/
func TestConfig_ConcurrentAccess(t *testing.T) {
	t.Setenv("STAGE_HOME", t.TempDir())
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}

func TestReloadGlobal(t *testing.T) {
	t.Setenv("STAGE_HOME", t.TempDir())
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	custom := Default()
	custom.Ollama.Model = "custom"
	SetGlobal(custom)
	assert.Equal(t, "custom", Global().Ollama.Model)

	require.NoError(t, ReloadGlobal())
	assert.Equal(t, Default().Ollama.Model, Global().Ollama.Model)
}
