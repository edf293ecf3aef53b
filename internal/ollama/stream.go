// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// maxLineSize bounds one NDJSON line.
const maxLineSize = 1 << 20

// =============================================================================
// STREAM READER
// =============================================================================

// StreamCallback is called for each chunk received during streaming. A
// non-nil return stops the stream and is returned by Process.
type StreamCallback func(chunk StreamChunk) error

// StreamReader parses an NDJSON /api/chat response line by line.
type StreamReader struct {
	scanner    *bufio.Scanner
	model      string
	tokenCount int
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &StreamReader{scanner: sc}
}

// Process reads the stream and calls callback for each chunk. It returns
// after the done chunk, at EOF, on a stream error or when ctx is canceled.
func (s *StreamReader) Process(ctx context.Context, callback StreamCallback) error {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp ChatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// Skip malformed lines
			continue
		}
		if resp.Error != "" {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: resp.Error}
		}

		chunk := s.chunk(resp)
		if err := callback(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		return &ClientError{Type: ErrTypeConnection, Message: "stream read failed", Cause: err}
	}
	return ctx.Err()
}

func (s *StreamReader) chunk(resp ChatResponse) StreamChunk {
	if resp.Model != "" {
		s.model = resp.Model
	}
	if resp.Message.Content != "" {
		s.tokenCount++
	}

	chunk := StreamChunk{
		Content:    resp.Message.Content,
		ToolCalls:  resp.Message.ToolCalls,
		Done:       resp.Done,
		DoneReason: resp.DoneReason,
		Model:      s.model,
	}
	if resp.Done {
		chunk.TotalDuration = time.Duration(resp.TotalDuration)
		chunk.PromptEvalDuration = time.Duration(resp.PromptEvalDuration)
		chunk.EvalDuration = time.Duration(resp.EvalDuration)
		chunk.PromptTokens = resp.PromptEvalCount
		chunk.CompletionTokens = resp.EvalCount
	}
	return chunk
}

// TokenCount returns the number of content chunks received.
func (s *StreamReader) TokenCount() int {
	return s.tokenCount
}

// Model returns the model name reported by the stream.
func (s *StreamReader) Model() string {
	return s.model
}

// =============================================================================
// STREAM STATISTICS
// =============================================================================

// StreamStats holds statistics collected during streaming.
type StreamStats struct {
	StartTime      time.Time
	FirstTokenTime time.Time

	TotalDuration    time.Duration
	EvalDuration     time.Duration
	PromptTokens     int
	CompletionTokens int

	TTFT            time.Duration
	TokensPerSecond float64
}

// NewStreamStats creates a new StreamStats with start time set.
func NewStreamStats() *StreamStats {
	return &StreamStats{StartTime: time.Now()}
}

// Observe records one chunk.
func (s *StreamStats) Observe(chunk StreamChunk) {
	if chunk.Content != "" && s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
	if !chunk.Done {
		return
	}
	s.TotalDuration = chunk.TotalDuration
	s.EvalDuration = chunk.EvalDuration
	s.PromptTokens = chunk.PromptTokens
	s.CompletionTokens = chunk.CompletionTokens
	if s.EvalDuration > 0 {
		s.TokensPerSecond = float64(s.CompletionTokens) / s.EvalDuration.Seconds()
	}
}

// Format returns a one-line summary.
func (s *StreamStats) Format() string {
	total := s.TotalDuration
	if total == 0 {
		total = time.Since(s.StartTime)
	}
	return fmt.Sprintf("%s | %d tokens | %.1f tok/s | TTFT %dms",
		formatDuration(total), s.CompletionTokens, s.TokensPerSecond, s.TTFT.Milliseconds())
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
