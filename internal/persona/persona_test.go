// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persona

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-stage/internal/session"
)

const yamlCard = `
name: Airi
description: A cheerful virtual companion.
personality: curious, warm
greetings:
  - Hi!
`

const tomlCard = `
name = "Airi"
system_prompt = "Stay in character."
`

func TestParseCard(t *testing.T) {
	c, err := ParseCard([]byte(yamlCard), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, "Airi", c.Name)
	assert.Equal(t, []string{"Hi!"}, c.Greetings)
	assert.Equal(t, "You are Airi.\n\nA cheerful virtual companion.\n\nPersonality: curious, warm", c.Prompt())

	c, err = ParseCard([]byte(tomlCard), ".toml")
	require.NoError(t, err)
	assert.Equal(t, "Stay in character.", c.Prompt())

	c, err = ParseCard([]byte(`{"name": "Json"}`), ".json")
	require.NoError(t, err)
	assert.Equal(t, "You are Json.", c.Prompt())

	_, err = ParseCard([]byte("x"), ".ini")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestSource_NotifiesOnlyOnChange(t *testing.T) {
	src := NewSource(Card{Name: "A"}, nil)

	var got []string
	dispose := src.OnSystemPromptChange(func(p string) { got = append(got, p) })

	src.Set(Card{Name: "A", Greetings: []string{"different greeting only"}})
	src.Set(Card{Name: "B"})
	dispose()
	src.Set(Card{Name: "C"})

	assert.Equal(t, []string{"You are B."}, got)
	assert.Equal(t, "You are C.", src.SystemPrompt())
}

func TestSource_DrivesSessionStore(t *testing.T) {
	src := NewSource(Card{SystemPrompt: "first"}, nil)
	store := session.NewStore(session.Options{})
	stop := store.WatchPersona(src)
	defer stop()

	assert.Equal(t, "first", store.SystemPrompt())
	src.Set(Card{SystemPrompt: "second"})
	assert.Equal(t, "second", store.SystemPrompt())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system_prompt: one\n"), 0o600))

	src, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "one", src.SystemPrompt())

	var mu sync.Mutex
	var seen []string
	src.OnSystemPromptChange(func(p string) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	w, err := Watch(path, src, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("system_prompt: two\n"), 0o600))
	require.Eventually(t, func() bool { return src.SystemPrompt() == "two" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("system_prompt: [unterminated\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "two", src.SystemPrompt(), "bad card keeps the last good prompt")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"two"}, seen)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "nope", "card.yaml"), NewSource(Card{}, nil), 0, nil)
	assert.Error(t, err)
}
