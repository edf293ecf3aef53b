// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/rigrun-stage/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete stage configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Channel  ChannelConfig  `toml:"channel" json:"channel"`
	Server   ServerConfig   `toml:"server" json:"server"`
	Ollama   OllamaConfig   `toml:"ollama" json:"ollama"`
	Persona  PersonaConfig  `toml:"persona" json:"persona"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Pipeline PipelineConfig `toml:"pipeline" json:"pipeline"`
	Log      LogConfig      `toml:"log" json:"log"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics"`
	Memory   MemoryConfig   `toml:"memory" json:"memory"`
}

// ChannelConfig configures the connection to the channel server.
type ChannelConfig struct {
	// Enabled connects the bridge to the remote channel.
	Enabled bool `toml:"enabled" json:"enabled"`

	URL    string `toml:"url" json:"url"`
	Origin string `toml:"origin" json:"origin"`

	// Name is announced to the server.
	Name string `toml:"name" json:"name"`

	// Token authenticates the announce.
	Token string `toml:"token" json:"token"`

	// SendRate is outbound frames per second. Zero disables limiting.
	SendRate  float64 `toml:"send_rate" json:"send_rate"`
	SendBurst int     `toml:"send_burst" json:"send_burst"`

	AuthTimeoutSecs int `toml:"auth_timeout_secs" json:"auth_timeout_secs"`
}

// AuthTimeout returns the auth timeout as a duration.
func (c ChannelConfig) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSecs) * time.Second
}

// ServerConfig configures the embedded channel server.
type ServerConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`

	// Token is required from announcing modules and on /metrics.
	Token string `toml:"token" json:"token"`

	AllowedIPs []string `toml:"allowed_ips" json:"allowed_ips"`

	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// OllamaConfig configures the model backend.
type OllamaConfig struct {
	URL         string `toml:"url" json:"url"`
	Model       string `toml:"model" json:"model"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
}

// Timeout returns the request timeout as a duration.
func (c OllamaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// PersonaConfig locates the character card that supplies the system prompt.
type PersonaConfig struct {
	// Path to a .yaml, .toml or .json card. Empty uses Pipeline.SystemPrompt.
	Path string `toml:"path" json:"path"`

	// Watch reloads the card when the file changes.
	Watch bool `toml:"watch" json:"watch"`

	DebounceMs int `toml:"debounce_ms" json:"debounce_ms"`
}

// Debounce returns the reload debounce as a duration.
func (c PersonaConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// StorageConfig configures session snapshot persistence.
type StorageConfig struct {
	// Kind is "sqlite" or "json".
	Kind string `toml:"kind" json:"kind"`

	// Path of the database or snapshot file. Empty uses the config dir.
	Path string `toml:"path" json:"path"`

	AutoSave         bool `toml:"auto_save" json:"auto_save"`
	AutoSaveInterval int  `toml:"auto_save_interval_secs" json:"auto_save_interval_secs"`
}

// Interval returns the auto-save interval as a duration.
func (c StorageConfig) Interval() time.Duration {
	return time.Duration(c.AutoSaveInterval) * time.Second
}

// PipelineConfig tunes the streaming pipeline and bridge.
type PipelineConfig struct {
	MinLiteralEmitLength int    `toml:"min_literal_emit_length" json:"min_literal_emit_length"`
	MinChunkLength       int    `toml:"min_chunk_length" json:"min_chunk_length"`
	SeenCapacity         int    `toml:"seen_capacity" json:"seen_capacity"`
	SystemPrompt         string `toml:"system_prompt" json:"system_prompt"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level"`

	// File, when set, also receives JSON lines.
	File string `toml:"file" json:"file"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

// MemoryConfig configures the long-term memory store.
type MemoryConfig struct {
	// Path of the memory database. Empty uses the config dir.
	Path string `toml:"path" json:"path"`

	// EmbedModel is the Ollama model used to embed memories and queries.
	EmbedModel string `toml:"embed_model" json:"embed_model"`

	// Dims is the embedding width. Stored rows of another width are dropped.
	Dims int `toml:"dims" json:"dims"`

	// MinScore is the cosine similarity a memory needs to be recalled.
	MinScore float64 `toml:"min_score" json:"min_score"`

	Limit int `toml:"limit" json:"limit"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Channel: ChannelConfig{
			Enabled:         true,
			URL:             "ws://localhost:6121/ws",
			Origin:          "http://localhost/",
			Name:            "rigrun:stage",
			SendRate:        0, // unlimited
			SendBurst:       16,
			AuthTimeoutSecs: 10,
		},

		Server: ServerConfig{
			Host:      "localhost",
			Port:      6121,
			RateLimit: 0,
			RateBurst: 20,
		},

		Ollama: OllamaConfig{
			URL:         "http://127.0.0.1:11434",
			Model:       "qwen2.5:7b",
			TimeoutSecs: 300,
		},

		Persona: PersonaConfig{
			Watch:      true,
			DebounceMs: 200,
		},

		Storage: StorageConfig{
			Kind:             "sqlite",
			AutoSave:         true,
			AutoSaveInterval: 30,
		},

		Pipeline: PipelineConfig{
			MinLiteralEmitLength: 24,
			MinChunkLength:       12,
			SeenCapacity:         1024,
			SystemPrompt:         "You are a friendly companion.",
		},

		Log: LogConfig{
			Level: "info",
		},

		Metrics: MetricsConfig{
			Enabled: true,
		},

		Memory: MemoryConfig{
			EmbedModel: "nomic-embed-text",
			Dims:       768,
			MinScore:   0.2,
			Limit:      5,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// envHome replaces the home-based config dir.
const envHome = "STAGE_HOME"

// ConfigDir returns the stage configuration directory path.
func ConfigDir() (string, error) {
	if dir := os.Getenv(envHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-stage"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// StoragePath returns Storage.Path, or a file in the config dir named for
// the storage kind.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if c.Storage.Kind == "json" {
		return filepath.Join(dir, "sessions.json"), nil
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// MemoryPath returns Memory.Path, or memory.db in the config dir.
func (c *Config) MemoryPath() (string, error) {
	if c.Memory.Path != "" {
		return c.Memory.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "memory.db"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files hold tokens and must be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when it does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the TOML file at path into cfg and fills missing values.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg, md)
	return nil
}

// fillDefaults fills in any missing values with defaults. Booleans are only
// defaulted when the key is absent from the file, so an explicit false sticks.
func fillDefaults(cfg *Config, md toml.MetaData) {
	d := Default()

	if cfg.Version == "" {
		cfg.Version = d.Version
	}

	// Channel
	if !md.IsDefined("channel", "enabled") {
		cfg.Channel.Enabled = d.Channel.Enabled
	}
	if cfg.Channel.URL == "" {
		cfg.Channel.URL = d.Channel.URL
	}
	if cfg.Channel.Origin == "" {
		cfg.Channel.Origin = d.Channel.Origin
	}
	if cfg.Channel.Name == "" {
		cfg.Channel.Name = d.Channel.Name
	}
	if cfg.Channel.SendBurst == 0 {
		cfg.Channel.SendBurst = d.Channel.SendBurst
	}
	if cfg.Channel.AuthTimeoutSecs == 0 {
		cfg.Channel.AuthTimeoutSecs = d.Channel.AuthTimeoutSecs
	}

	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = d.Server.RateBurst
	}

	// Ollama
	if cfg.Ollama.URL == "" {
		cfg.Ollama.URL = d.Ollama.URL
	}
	if cfg.Ollama.Model == "" {
		cfg.Ollama.Model = d.Ollama.Model
	}
	if cfg.Ollama.TimeoutSecs == 0 {
		cfg.Ollama.TimeoutSecs = d.Ollama.TimeoutSecs
	}

	// Persona
	if !md.IsDefined("persona", "watch") {
		cfg.Persona.Watch = d.Persona.Watch
	}
	if cfg.Persona.DebounceMs == 0 {
		cfg.Persona.DebounceMs = d.Persona.DebounceMs
	}

	// Storage
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = d.Storage.Kind
	}
	if !md.IsDefined("storage", "auto_save") {
		cfg.Storage.AutoSave = d.Storage.AutoSave
	}
	if cfg.Storage.AutoSaveInterval == 0 {
		cfg.Storage.AutoSaveInterval = d.Storage.AutoSaveInterval
	}

	// Pipeline
	if cfg.Pipeline.MinLiteralEmitLength == 0 {
		cfg.Pipeline.MinLiteralEmitLength = d.Pipeline.MinLiteralEmitLength
	}
	if cfg.Pipeline.MinChunkLength == 0 {
		cfg.Pipeline.MinChunkLength = d.Pipeline.MinChunkLength
	}
	if cfg.Pipeline.SeenCapacity == 0 {
		cfg.Pipeline.SeenCapacity = d.Pipeline.SeenCapacity
	}
	if !md.IsDefined("pipeline", "system_prompt") {
		cfg.Pipeline.SystemPrompt = d.Pipeline.SystemPrompt
	}

	// Log
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}

	// Metrics
	if !md.IsDefined("metrics", "enabled") {
		cfg.Metrics.Enabled = d.Metrics.Enabled
	}

	// Memory
	if cfg.Memory.EmbedModel == "" {
		cfg.Memory.EmbedModel = d.Memory.EmbedModel
	}
	if cfg.Memory.Dims == 0 {
		cfg.Memory.Dims = d.Memory.Dims
	}
	if !md.IsDefined("memory", "min_score") {
		cfg.Memory.MinScore = d.Memory.MinScore
	}
	if cfg.Memory.Limit == 0 {
		cfg.Memory.Limit = d.Memory.Limit
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML atomically writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-stage configuration file\n")
	buf.WriteString("# Generated by rigrun-stage - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration. The returned error, when non-nil,
// is a ValidateErrors listing every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Channel
	if err := validateURL(c.Channel.URL, "ws", "wss"); err != nil {
		add("channel.url", "%v", err)
	}
	if c.Channel.SendRate < 0 {
		add("channel.send_rate", "must not be negative")
	}
	if c.Channel.SendBurst < 0 {
		add("channel.send_burst", "must not be negative")
	}
	if c.Channel.AuthTimeoutSecs < 0 {
		add("channel.auth_timeout_secs", "must not be negative")
	}

	// Server
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port", "port %d out of range 0-65535", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	for _, ip := range c.Server.AllowedIPs {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				add("server.allowed_ips", "invalid IP or CIDR %q", ip)
			}
		}
	}

	// Ollama
	if err := validateURL(c.Ollama.URL, "http", "https"); err != nil {
		add("ollama.url", "%v", err)
	}
	if c.Ollama.TimeoutSecs < 0 {
		add("ollama.timeout_secs", "must not be negative")
	}

	// Persona
	if c.Persona.Path != "" {
		switch strings.ToLower(filepath.Ext(c.Persona.Path)) {
		case ".yaml", ".yml", ".toml", ".json":
		default:
			add("persona.path", "unsupported card format %q", filepath.Ext(c.Persona.Path))
		}
	}
	if c.Persona.DebounceMs < 0 {
		add("persona.debounce_ms", "must not be negative")
	}

	// Storage
	switch strings.ToLower(c.Storage.Kind) {
	case "sqlite", "json":
	default:
		add("storage.kind", "invalid kind '%s', must be one of: sqlite, json", c.Storage.Kind)
	}
	if c.Storage.AutoSave && c.Storage.AutoSaveInterval <= 0 {
		add("storage.auto_save_interval_secs", "must be positive when auto_save is enabled")
	}

	// Pipeline
	if c.Pipeline.MinLiteralEmitLength < 0 {
		add("pipeline.min_literal_emit_length", "must not be negative")
	}
	if c.Pipeline.MinChunkLength < 0 {
		add("pipeline.min_chunk_length", "must not be negative")
	}
	if c.Pipeline.SeenCapacity < 0 {
		add("pipeline.seen_capacity", "must not be negative")
	}

	// Memory
	if c.Memory.Dims <= 0 {
		add("memory.dims", "must be positive")
	}
	if c.Memory.MinScore < -1 || c.Memory.MinScore > 1 {
		add("memory.min_score", "must be between -1 and 1")
	}
	if c.Memory.Limit < 0 {
		add("memory.limit", "must not be negative")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of: %s", strings.Join(schemes, ", "))
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - STAGE_CHANNEL_URL: overrides channel.url
//   - STAGE_CHANNEL_TOKEN: overrides channel.token
//   - STAGE_SERVER_HOST: overrides server.host
//   - STAGE_SERVER_PORT: overrides server.port
//   - STAGE_SERVER_TOKEN: overrides server.token
//   - STAGE_OLLAMA_URL: overrides ollama.url
//   - STAGE_MODEL: overrides ollama.model
//   - STAGE_PERSONA: overrides persona.path
//   - STAGE_STORAGE: overrides storage.kind
//   - STAGE_LOG_LEVEL: overrides log.level
//   - STAGE_LOG_FILE: overrides log.file
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STAGE_CHANNEL_URL"); v != "" {
		c.Channel.URL = v
	}
	if v := os.Getenv("STAGE_CHANNEL_TOKEN"); v != "" {
		c.Channel.Token = v
	}
	if v := os.Getenv("STAGE_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("STAGE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("STAGE_SERVER_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("STAGE_OLLAMA_URL"); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv("STAGE_MODEL"); v != "" {
		c.Ollama.Model = v
	}
	if v := os.Getenv("STAGE_PERSONA"); v != "" {
		c.Persona.Path = v
	}
	if v := os.Getenv("STAGE_STORAGE"); v != "" {
		c.Storage.Kind = v
	}
	if v := os.Getenv("STAGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("STAGE_LOG_FILE"); v != "" {
		c.Log.File = v
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "ollama.model").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "server.port").
// String values are converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field := fieldByTag(v, part)
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// fieldByTag finds the struct field whose toml tag is name.
func fieldByTag(v reflect.Value, name string) reflect.Value {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ","); tag == name {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				boolVal = strings.EqualFold(strVal, "yes")
			}
			field.SetBool(boolVal)
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
			if tag == "" || tag == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Server.AllowedIPs != nil {
		clone.Server.AllowedIPs = append([]string(nil), c.Server.AllowedIPs...)
	}
	return &clone
}

// String renders the config as TOML with tokens redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Channel.Token != "" {
		safe.Channel.Token = "[REDACTED]"
	}
	if safe.Server.Token != "" {
		safe.Server.Token = "[REDACTED]"
	}

	var buf bytes.Buffer
	_ = toml.NewEncoder(&buf).Encode(safe)
	return buf.String()
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
// This should only be used in tests to reset state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
