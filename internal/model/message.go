// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a chat entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleError:
		return "Error"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE CONTEXT
// =============================================================================

// Source records where a chat entry came from. The set is open; these are
// the values the runtime produces itself.
type Source string

const (
	SourceSystem    Source = "system"
	SourceUser      Source = "user"
	SourceText      Source = "text"
	SourceLLM       Source = "llm"
	SourceWS        Source = "ws"
	SourceBroadcast Source = "broadcast"
)

// MessageContext records the provenance of a chat entry.
type MessageContext struct {
	SessionID string         `json:"sessionId"`
	Source    Source         `json:"source"`
	TS        int64          `json:"ts"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NewMessageContext stamps a context with the current time in milliseconds.
func NewMessageContext(sessionID string, source Source) *MessageContext {
	return &MessageContext{
		SessionID: sessionID,
		Source:    source,
		TS:        NowMillis(),
	}
}

// Clone returns a deep copy.
func (c *MessageContext) Clone() *MessageContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Meta = cloneMap(c.Meta)
	return &out
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// =============================================================================
// CHAT ENTRY
// =============================================================================

// ChatEntry is one element of a session history. Slices and ToolResults are
// only populated for assistant entries.
type ChatEntry struct {
	Role        Role            `json:"role"`
	Content     Content         `json:"content"`
	Slices      []Slice         `json:"slices,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"`
	Context     *MessageContext `json:"context,omitempty"`
}

// NewSystemEntry creates the primer entry of a session.
func NewSystemEntry(sessionID, prompt string) ChatEntry {
	return ChatEntry{
		Role:    RoleSystem,
		Content: TextContent(prompt),
		Context: NewMessageContext(sessionID, SourceSystem),
	}
}

// Clone returns a deep copy of the entry.
func (e ChatEntry) Clone() ChatEntry {
	out := e
	out.Content = e.Content.Clone()
	out.Context = e.Context.Clone()
	if e.Slices != nil {
		out.Slices = make([]Slice, len(e.Slices))
		for i, s := range e.Slices {
			out.Slices[i] = s.Clone()
		}
	}
	if e.ToolResults != nil {
		out.ToolResults = make([]ToolResult, len(e.ToolResults))
		for i, r := range e.ToolResults {
			out.ToolResults[i] = r.Clone()
		}
	}
	return out
}

// WithoutContext returns a copy suitable for handing to a model: provenance is
// dropped and assistant slices are stripped, keeping tool results.
func (e ChatEntry) WithoutContext() ChatEntry {
	out := e.Clone()
	out.Context = nil
	out.Slices = nil
	return out
}

// CloneEntries deep-copies a history.
func CloneEntries(entries []ChatEntry) []ChatEntry {
	if entries == nil {
		return nil
	}
	out := make([]ChatEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// CloneSessions deep-copies a session snapshot.
func CloneSessions(sessions map[string][]ChatEntry) map[string][]ChatEntry {
	out := make(map[string][]ChatEntry, len(sessions))
	for id, entries := range sessions {
		out[id] = CloneEntries(entries)
	}
	return out
}

// =============================================================================
// VALUE COPY HELPERS
// =============================================================================

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies JSON-shaped values. Other values are shared.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
