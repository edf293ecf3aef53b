// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat is returned for card files that are neither YAML, JSON
// nor TOML.
var ErrUnknownFormat = errors.New("unknown persona card format")

// Card describes the character the assistant plays.
type Card struct {
	Name        string   `yaml:"name" toml:"name"`
	Description string   `yaml:"description" toml:"description"`
	Personality string   `yaml:"personality" toml:"personality"`
	Scenario    string   `yaml:"scenario" toml:"scenario"`
	Greetings   []string `yaml:"greetings" toml:"greetings"`

	// SystemPrompt replaces the prompt composed from the fields above.
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
}

// Prompt renders the card as a system prompt.
func (c Card) Prompt() string {
	if p := strings.TrimSpace(c.SystemPrompt); p != "" {
		return p
	}

	var parts []string
	if c.Name != "" {
		parts = append(parts, fmt.Sprintf("You are %s.", c.Name))
	}
	if d := strings.TrimSpace(c.Description); d != "" {
		parts = append(parts, d)
	}
	if p := strings.TrimSpace(c.Personality); p != "" {
		parts = append(parts, "Personality: "+p)
	}
	if s := strings.TrimSpace(c.Scenario); s != "" {
		parts = append(parts, "Scenario: "+s)
	}
	return strings.Join(parts, "\n\n")
}

// ParseCard decodes data in the format named by ext (".yaml", ".yml",
// ".json" or ".toml").
func ParseCard(data []byte, ext string) (Card, error) {
	var c Card
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", ".json":
		// JSON is valid YAML
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Card{}, fmt.Errorf("parse persona yaml: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return Card{}, fmt.Errorf("parse persona toml: %w", err)
		}
	default:
		return Card{}, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	return c, nil
}

// LoadCard reads a card file.
func LoadCard(path string) (Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Card{}, fmt.Errorf("read persona card: %w", err)
	}
	return ParseCard(data, filepath.Ext(path))
}
