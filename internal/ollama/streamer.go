// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/pipeline"
)

// =============================================================================
// PIPELINE STREAMER
// =============================================================================

// Streamer drives a pipeline from Ollama's /api/chat stream.
type Streamer struct {
	client  *Client
	options *Options

	mu   sync.Mutex
	last *StreamStats
}

// NewStreamer wraps client. opts may be nil.
func NewStreamer(client *Client, opts *Options) *Streamer {
	return &Streamer{client: client, options: opts}
}

var _ pipeline.Streamer = (*Streamer)(nil)

// Stream implements pipeline.Streamer. Content chunks become text deltas,
// each requested tool call becomes a tool-call delta, and the done chunk
// becomes a finish delta.
func (s *Streamer) Stream(ctx context.Context, req pipeline.Request, onDelta pipeline.DeltaFunc) error {
	chatReq := ChatRequest{
		Model:    req.Model,
		Messages: ToMessages(req.Messages),
		Options:  s.options,
		Tools:    ToTools(req.Tools),
	}

	stats := NewStreamStats()
	defer func() {
		s.mu.Lock()
		s.last = stats
		s.mu.Unlock()
	}()

	return s.client.ChatStream(ctx, chatReq, req.Headers, func(chunk StreamChunk) error {
		stats.Observe(chunk)
		if chunk.Content != "" {
			if err := onDelta(pipeline.Delta{Type: pipeline.DeltaTextDelta, Text: chunk.Content}); err != nil {
				return err
			}
		}
		for _, tc := range chunk.ToolCalls {
			call, err := toModelCall(tc)
			if err != nil {
				return err
			}
			if err := onDelta(pipeline.Delta{Type: pipeline.DeltaToolCall, ToolCall: call}); err != nil {
				return err
			}
		}
		if chunk.Done {
			reason := chunk.DoneReason
			if reason == "" {
				reason = "stop"
			}
			return onDelta(pipeline.Delta{Type: pipeline.DeltaFinish, FinishReason: reason})
		}
		return nil
	})
}

// LastStats returns the statistics of the most recent stream, or nil.
func (s *Streamer) LastStats() *StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// =============================================================================
// CONVERSION
// =============================================================================

// ToMessages converts chat history to Ollama messages. Error entries are not
// part of the model's view and are dropped. Image parts travel as base64 in
// Images.
func ToMessages(entries []model.ChatEntry) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.Role == model.RoleError {
			continue
		}
		msg := Message{Role: string(e.Role), Content: e.Content.String()}
		for _, p := range e.Content.Parts {
			if p.Type == model.PartImageURL && p.ImageURL != nil {
				if data := imageData(p.ImageURL.URL); data != "" {
					msg.Images = append(msg.Images, data)
				}
			}
		}
		msgs = append(msgs, msg)

		for _, r := range e.ToolResults {
			msgs = append(msgs, Message{Role: "tool", Content: resultText(r.Result)})
		}
	}
	return msgs
}

// ToTools converts pipeline tools to Ollama function tools.
func ToTools(tools []pipeline.Tool) []Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = Tool{
			Type: "function",
			Function: ToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// imageData strips a data: URL down to its base64 payload. Remote URLs are
// not supported by Ollama and yield "".
func imageData(url string) string {
	if !strings.HasPrefix(url, "data:") {
		return ""
	}
	_, data, ok := strings.Cut(url, ";base64,")
	if !ok {
		return ""
	}
	return data
}

func resultText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func toModelCall(tc ToolCall) (model.ToolCall, error) {
	args, err := json.Marshal(tc.Function.Arguments)
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("encode tool arguments for %s: %w", tc.Function.Name, err)
	}
	if tc.Function.Arguments == nil {
		args = []byte("{}")
	}
	return model.ToolCall{
		ToolCallID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		ToolCallType: "function",
		ToolName:     tc.Function.Name,
		Args:         string(args),
	}, nil
}
