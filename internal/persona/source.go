// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
)

// Source holds the current card and notifies listeners when its prompt
// changes. It satisfies session.PromptSource.
type Source struct {
	logger *slog.Logger

	mu     sync.RWMutex
	card   Card
	prompt string

	listeners hooks.Registry[func(string)]
}

// NewSource creates a source for card.
func NewSource(card Card, logger *slog.Logger) *Source {
	return &Source{
		logger: logging.Component(logger, "persona"),
		card:   card,
		prompt: card.Prompt(),
	}
}

// Load creates a source from a card file.
func Load(path string, logger *slog.Logger) (*Source, error) {
	card, err := LoadCard(path)
	if err != nil {
		return nil, err
	}
	return NewSource(card, logger), nil
}

// Card returns the current card.
func (s *Source) Card() Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.card
}

// SystemPrompt returns the current prompt.
func (s *Source) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompt
}

// OnSystemPromptChange registers fn for prompt changes.
func (s *Source) OnSystemPromptChange(fn func(prompt string)) (dispose func()) {
	return s.listeners.Add(fn)
}

// Set replaces the card. Listeners run only when the rendered prompt differs.
func (s *Source) Set(card Card) {
	prompt := card.Prompt()

	s.mu.Lock()
	changed := prompt != s.prompt
	s.card = card
	s.prompt = prompt
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Info("persona changed", "name", card.Name)
	s.listeners.EachIsolated(s.logger, "system-prompt-change", func(fn func(string)) error {
		fn(prompt)
		return nil
	})
}
