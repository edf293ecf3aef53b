// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// CONTENT
// =============================================================================

// Content is either a plain string or an ordered list of parts. It encodes to
// JSON exactly as that shape: a string or an array.
type Content struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multi-part content list.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image, typically a data: URL.
type ImageURL struct {
	URL string `json:"url"`
}

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// TextContent wraps a plain string.
func TextContent(s string) Content {
	return Content{Text: s}
}

// PartsContent wraps an ordered part list.
func PartsContent(parts ...ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{Parts: parts}
}

// TextPart creates a text part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart creates an image part from base64 data.
func ImagePart(mimeType, base64Data string) ContentPart {
	return ContentPart{
		Type:     PartImageURL,
		ImageURL: &ImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mimeType, base64Data)},
	}
}

// IsParts reports whether the content is a part list.
func (c Content) IsParts() bool {
	return c.Parts != nil
}

// IsEmpty reports whether the content carries nothing.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Parts) == 0
}

// String returns the text of the content; for part lists the text parts are
// joined with newlines.
func (c Content) String() string {
	if !c.IsParts() {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	out := Content{Text: c.Text}
	if c.Parts != nil {
		out.Parts = make([]ContentPart, len(c.Parts))
		for i, p := range c.Parts {
			out.Parts[i] = p
			if p.ImageURL != nil {
				u := *p.ImageURL
				out.Parts[i].ImageURL = &u
			}
		}
	}
	return out
}

// MarshalJSON encodes the content as a string or an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsParts() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string or a part array. Any other JSON value is kept
// as its serialized text so decoding never fails on odd shapes.
func (c *Content) UnmarshalJSON(data []byte) error {
	*c = ContentFromJSON(data)
	return nil
}

// ContentFromJSON normalizes an arbitrary JSON value into content.
func ContentFromJSON(data []byte) Content {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Content{}
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return Content{Text: s}
	}

	var parts []ContentPart
	if err := json.Unmarshal(trimmed, &parts); err == nil {
		if parts == nil {
			parts = []ContentPart{}
		}
		return Content{Parts: parts}
	}

	return Content{Text: string(trimmed)}
}

// ContentFromValue normalizes an in-memory value: strings and part lists are
// kept, anything else is serialized to JSON text.
func ContentFromValue(v any) Content {
	switch t := v.(type) {
	case nil:
		return Content{}
	case Content:
		return t.Clone()
	case string:
		return Content{Text: t}
	case []ContentPart:
		return PartsContent(t...).Clone()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Content{Text: fmt.Sprint(v)}
	}
	return ContentFromJSON(data)
}

// =============================================================================
// SLICES
// =============================================================================

// SliceType discriminates assistant response fragments.
type SliceType string

const (
	SliceText           SliceType = "text"
	SliceToolCall       SliceType = "tool-call"
	SliceToolCallResult SliceType = "tool-call-result"
)

// Slice is one fragment of an assistant response: a text run, a tool-call
// request, or a tool-call result.
type Slice struct {
	Type     SliceType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
	ID       string    `json:"id,omitempty"`
	Result   any       `json:"result,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ToolCallID   string `json:"toolCallId"`
	ToolCallType string `json:"toolCallType,omitempty"`
	ToolName     string `json:"toolName"`
	Args         string `json:"args"`
}

// ToolResult records the result of a tool call.
type ToolResult struct {
	ID     string `json:"id"`
	Result any    `json:"result"`
}

// TextSlice creates a text slice.
func TextSlice(text string) Slice {
	return Slice{Type: SliceText, Text: text}
}

// ToolCallSlice creates a tool-call slice.
func ToolCallSlice(call ToolCall) Slice {
	return Slice{Type: SliceToolCall, ToolCall: &call}
}

// ToolResultSlice creates a tool-call-result slice.
func ToolResultSlice(id string, result any) Slice {
	return Slice{Type: SliceToolCallResult, ID: id, Result: result}
}

// Clone returns a deep copy.
func (s Slice) Clone() Slice {
	out := s
	if s.ToolCall != nil {
		tc := *s.ToolCall
		out.ToolCall = &tc
	}
	out.Result = cloneValue(s.Result)
	return out
}

// Clone returns a deep copy.
func (r ToolResult) Clone() ToolResult {
	return ToolResult{ID: r.ID, Result: cloneValue(r.Result)}
}
