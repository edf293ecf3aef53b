// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns per-session conversation history and the active
// session pointer.
//
// Sessions are created lazily and never destroyed individually; they are only
// replaced wholesale or reset. Every session starts with one synthesized
// system entry built from a fixed formatting preamble plus the persona prompt,
// and that entry is regenerated in place whenever the persona changes.
//
// # Key Types
//
//   - Store: Session map, active pointer, ingestion and snapshot API
//   - PromptSource: Reactive supplier of the persona system prompt
//   - AutoSaver: Periodic flush of dirty state to persistence
//
// # Usage
//
//	store := session.NewStore(session.Options{})
//	stop := store.WatchPersona(card)
//	defer stop()
//
//	store.SetActiveSession("work")
//	store.IngestContextMessage(envelope)
//	snapshot := store.GetAllSessions()
package session
