// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"

	"github.com/jeranaias/rigrun-stage/internal/model"
)

// ErrStream is returned when the model signals an error delta without a cause.
var ErrStream = errors.New("stream error")

// =============================================================================
// MODEL STREAM CONTRACT
// =============================================================================

// DeltaType discriminates model stream deltas.
type DeltaType string

const (
	DeltaTextDelta  DeltaType = "text-delta"
	DeltaToolCall   DeltaType = "tool-call"
	DeltaToolResult DeltaType = "tool-result"
	DeltaFinish     DeltaType = "finish"
	DeltaError      DeltaType = "error"
)

// Delta is one event produced by a model stream.
type Delta struct {
	Type DeltaType

	// Text is set for text-delta.
	Text string

	// ToolCall is set for tool-call.
	ToolCall model.ToolCall

	// ToolCallID and Result are set for tool-result.
	ToolCallID string
	Result     any

	// FinishReason is set for finish.
	FinishReason string

	// Err is set for error.
	Err error
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is what the pipeline hands to a Streamer.
type Request struct {
	Model    string
	Messages []model.ChatEntry
	Tools    []Tool
	Headers  map[string]string
}

// DeltaFunc receives deltas in arrival order. A non-nil return aborts the
// stream and must be returned by Stream.
type DeltaFunc func(Delta) error

// Streamer produces the model's response for a request.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) error
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, req Request, onDelta DeltaFunc) error

// Stream implements Streamer.
func (f StreamerFunc) Stream(ctx context.Context, req Request, onDelta DeltaFunc) error {
	return f(ctx, req, onDelta)
}

// Replay returns a Streamer that emits deltas verbatim. It is used by the
// CLI's offline mode and by tests.
func Replay(deltas ...Delta) Streamer {
	return StreamerFunc(func(ctx context.Context, _ Request, onDelta DeltaFunc) error {
		for _, d := range deltas {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := onDelta(d); err != nil {
				return err
			}
		}
		return nil
	})
}
