// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persona supplies the character's system prompt.
//
// A Card is read from YAML, JSON or TOML and rendered into a prompt. Source
// holds the current card and tells listeners when the prompt changes, which is
// how the session store refreshes every system entry. Watcher keeps a Source
// in sync with the card file on disk.
//
//	src, err := persona.Load("~/.rigrun-stage/persona.yaml", logger)
//	w, err := persona.Watch(path, src, 0, logger)
//	defer w.Close()
//	stop := store.WatchPersona(src)
package persona
