// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"github.com/google/uuid"
)

// Broadcast channel names shared by every context on a device.
const (
	ContextChannelName = "airi-context-update"
	StreamChannelName  = "airi-chat-stream"
)

// =============================================================================
// ORIGIN
// =============================================================================

// Origin tells the bridge where an envelope came from so it can decide which
// outbound channels still need it. It is never persisted.
type Origin string

const (
	OriginLocal     Origin = "local"
	OriginWS        Origin = "ws"
	OriginBroadcast Origin = "broadcast"
)

// String returns the string representation of the origin.
func (o Origin) String() string {
	return string(o)
}

// =============================================================================
// ENVELOPE
// =============================================================================

// ContextPayload is the body of an envelope. Content falls back to Text when
// absent. Both decode from any JSON value: strings and part lists are kept,
// anything else becomes its serialized text.
type ContextPayload struct {
	Content     *Content     `json:"content,omitempty"`
	Text        *Content     `json:"text,omitempty"`
	Slices      []Slice      `json:"slices,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Envelope is one completed turn exchanged between execution contexts.
type Envelope struct {
	ID        string         `json:"id,omitempty"`
	SessionID string         `json:"sessionId"`
	TS        int64          `json:"ts"`
	Role      Role           `json:"role"`
	Source    Source         `json:"source"`
	Payload   ContextPayload `json:"payload"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NewEnvelope builds an envelope for entry, stamped with a fresh id.
func NewEnvelope(entry ChatEntry) Envelope {
	env := Envelope{
		ID:   NewEnvelopeID(),
		Role: entry.Role,
	}
	if entry.Context != nil {
		env.SessionID = entry.Context.SessionID
		env.TS = entry.Context.TS
		env.Source = entry.Context.Source
		env.Meta = cloneMap(entry.Context.Meta)
	}

	content := entry.Content.Clone()
	env.Payload.Content = &content
	if entry.Role == RoleAssistant {
		env.Payload.Slices = entry.Clone().Slices
		env.Payload.ToolResults = entry.Clone().ToolResults
	}
	return env
}

// NewEnvelopeID returns a unique envelope id.
func NewEnvelopeID() string {
	return uuid.NewString()
}

// EnsureID assigns an id when the envelope has none and returns it.
func (e *Envelope) EnsureID() string {
	if e.ID == "" {
		e.ID = NewEnvelopeID()
	}
	return e.ID
}

// NormalizedContent resolves the payload content, falling back to the text
// field and finally to an empty string.
func (e Envelope) NormalizedContent() Content {
	if e.Payload.Content != nil {
		return e.Payload.Content.Clone()
	}
	if e.Payload.Text != nil {
		return e.Payload.Text.Clone()
	}
	return TextContent("")
}

// Entry converts the envelope into the chat entry appended on ingestion.
// Slices and tool results default to empty lists; error content is always a
// string.
func (e Envelope) Entry() ChatEntry {
	content := e.NormalizedContent()
	ctx := &MessageContext{
		SessionID: e.SessionID,
		Source:    e.Source,
		TS:        e.TS,
		Meta:      cloneMap(e.Meta),
	}

	switch e.Role {
	case RoleAssistant:
		entry := ChatEntry{
			Role:        RoleAssistant,
			Content:     content,
			Slices:      []Slice{},
			ToolResults: []ToolResult{},
			Context:     ctx,
		}
		for _, s := range e.Payload.Slices {
			entry.Slices = append(entry.Slices, s.Clone())
		}
		for _, r := range e.Payload.ToolResults {
			entry.ToolResults = append(entry.ToolResults, r.Clone())
		}
		return entry
	case RoleError:
		if content.IsParts() {
			content = TextContent(stringifyParts(content))
		}
		return ChatEntry{Role: RoleError, Content: content, Context: ctx}
	default:
		return ChatEntry{Role: e.Role, Content: content, Context: ctx}
	}
}

// Clone returns a deep copy.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Payload.Content != nil {
		c := e.Payload.Content.Clone()
		out.Payload.Content = &c
	}
	if e.Payload.Text != nil {
		t := e.Payload.Text.Clone()
		out.Payload.Text = &t
	}
	if e.Payload.Slices != nil {
		out.Payload.Slices = make([]Slice, len(e.Payload.Slices))
		for i, s := range e.Payload.Slices {
			out.Payload.Slices[i] = s.Clone()
		}
	}
	if e.Payload.ToolResults != nil {
		out.Payload.ToolResults = make([]ToolResult, len(e.Payload.ToolResults))
		for i, r := range e.Payload.ToolResults {
			out.Payload.ToolResults[i] = r.Clone()
		}
	}
	out.Meta = cloneMap(e.Meta)
	return out
}

func stringifyParts(c Content) string {
	data, err := c.MarshalJSON()
	if err != nil {
		return c.String()
	}
	return string(data)
}

// =============================================================================
// STREAM EVENTS
// =============================================================================

// StreamEventType names a streaming lifecycle signal.
type StreamEventType string

const (
	StreamBeforeCompose StreamEventType = "before-compose"
	StreamAfterCompose  StreamEventType = "after-compose"
	StreamBeforeSend    StreamEventType = "before-send"
	StreamAfterSend     StreamEventType = "after-send"
	StreamTokenLiteral  StreamEventType = "token-literal"
	StreamTokenSpecial  StreamEventType = "token-special"
	StreamEnd           StreamEventType = "stream-end"
	StreamAssistantEnd  StreamEventType = "assistant-end"
)

// StreamEvent mirrors one lifecycle signal to sibling contexts. Message is set
// for the compose/send/assistant-end events, Literal and Special for tokens.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Message   string          `json:"message,omitempty"`
	Literal   string          `json:"literal,omitempty"`
	Special   string          `json:"special,omitempty"`
	SessionID string          `json:"sessionId"`
}
