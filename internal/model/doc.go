// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for sessions, chat entries and
// the envelopes exchanged between execution contexts.
//
// # Key Types
//
//   - ChatEntry: One history element (system, user, assistant or error)
//   - Content: Plain string or ordered list of text/image parts
//   - Slice: Assistant response fragment (text, tool-call, tool-call-result)
//   - MessageContext: Provenance of an entry (session, source, timestamp)
//   - Envelope: One completed turn exchanged across contexts, with a unique id
//   - Origin: Publish-time provenance deciding further propagation
//   - StreamEvent: Live streaming lifecycle signal mirrored to siblings
//
// # Usage
//
//	entry := model.ChatEntry{
//	    Role:    model.RoleUser,
//	    Content: model.TextContent("Hello!"),
//	    Context: model.NewMessageContext("default", model.SourceText),
//	}
//	env := model.NewEnvelope(entry)
//	restored := env.Entry()
package model
