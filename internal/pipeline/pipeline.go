// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/marker"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/session"
	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// =============================================================================
// HOOK TYPES
// =============================================================================

// MessageHook observes compose/send lifecycle steps and assistant-end.
type MessageHook func(ctx context.Context, message string) error

// TokenHook observes literal or special tokens.
type TokenHook func(ctx context.Context, token string) error

// StreamEndHook observes the end of a model stream.
type StreamEndHook func(ctx context.Context) error

// PublishHook observes every envelope published by the pipeline or handed to
// PublishContextMessage by the bridge.
type PublishHook func(env model.Envelope, origin model.Origin) error

// =============================================================================
// OPTIONS
// =============================================================================

// Attachment is a binary input sent alongside the user's text.
type Attachment struct {
	Type     string
	Data     string
	MimeType string
}

// AttachmentImage is the only attachment type composed into content.
const AttachmentImage = "image"

// SendOptions configures one Send call.
type SendOptions struct {
	Model       string
	Attachments []Attachment
	Tools       []Tool
	Headers     map[string]string
}

// Config configures a Pipeline.
type Config struct {
	// Store receives user and assistant entries.
	Store *session.Store

	// Streamer produces model output.
	Streamer Streamer

	// MinLiteralEmitLength gates token-literal hooks. Zero uses the parser default.
	MinLiteralEmitLength int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline owns the in-flight assistant buffer and the lifecycle hooks.
type Pipeline struct {
	store      *session.Store
	streamer   Streamer
	minLiteral int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// sendMu serializes Send so the buffer has a single writer
	sendMu  sync.Mutex
	sending atomic.Bool

	bufMu sync.Mutex
	buf   model.ChatEntry

	beforeCompose  hooks.Registry[MessageHook]
	afterCompose   hooks.Registry[MessageHook]
	beforeSend     hooks.Registry[MessageHook]
	afterSend      hooks.Registry[MessageHook]
	tokenLiteral   hooks.Registry[TokenHook]
	tokenSpecial   hooks.Registry[TokenHook]
	streamEnd      hooks.Registry[StreamEndHook]
	assistantEnd   hooks.Registry[MessageHook]
	contextPublish hooks.Registry[PublishHook]
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		store:      cfg.Store,
		streamer:   cfg.Streamer,
		minLiteral: cfg.MinLiteralEmitLength,
		logger:     logging.Component(cfg.Logger, "pipeline"),
		metrics:    cfg.Metrics,
	}
	p.buf = emptyAssistant()
	return p
}

func emptyAssistant() model.ChatEntry {
	return model.ChatEntry{
		Role:        model.RoleAssistant,
		Content:     model.TextContent(""),
		Slices:      []model.Slice{},
		ToolResults: []model.ToolResult{},
	}
}

// Store returns the session store the pipeline writes to.
func (p *Pipeline) Store() *session.Store {
	return p.store
}

// Sending reports whether a Send is in progress.
func (p *Pipeline) Sending() bool {
	return p.sending.Load()
}

// StreamingMessage returns a copy of the in-flight assistant buffer.
func (p *Pipeline) StreamingMessage() model.ChatEntry {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	return p.buf.Clone()
}

// =============================================================================
// SEND
// =============================================================================

// Send appends text as a user turn, streams the model's reply through the
// parser and hooks, and appends the assistant turn. Empty text with no
// attachments is a no-op. Hook and stream errors are returned; Sending is
// cleared on every path.
func (p *Pipeline) Send(ctx context.Context, text string, opts SendOptions) (err error) {
	if text == "" && len(opts.Attachments) == 0 {
		return nil
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.sending.Store(true)
	defer p.sending.Store(false)

	start := time.Now()
	defer func() {
		p.metrics.SendFinished(err, time.Since(start))
		if err != nil {
			p.logger.Error("send failed", "error", err)
		}
	}()

	if err := p.EmitBeforeCompose(ctx, text); err != nil {
		return fmt.Errorf("before-compose hook: %w", err)
	}

	content := ComposeContent(text, opts.Attachments)
	sessionID := p.store.ActiveSessionID()
	userEntry := model.ChatEntry{
		Role:    model.RoleUser,
		Content: content,
		Context: model.NewMessageContext(sessionID, model.SourceText),
	}
	p.store.Append(sessionID, userEntry)
	p.PublishContextMessage(model.NewEnvelope(userEntry), model.OriginLocal)

	parser := marker.NewParser(marker.Options{
		OnLiteral: func(literal string) error {
			if err := p.EmitTokenLiteral(ctx, literal); err != nil {
				return err
			}
			p.appendLiteral(literal)
			return nil
		},
		OnSpecial: func(special string) error {
			return p.EmitTokenSpecial(ctx, special)
		},
		MinLiteralEmitLength: p.minLiteral,
	})

	toolCalls := tasks.New(tasks.Options{
		Name:     "tool-calls",
		Logger:   p.logger,
		Observer: p.metrics,
	}, func(c *tasks.Context[model.Slice]) error {
		p.applyToolSlice(c.Data)
		return nil
	})
	defer toolCalls.Close()

	p.resetBuffer()
	history := p.modelHistory()

	if err := p.EmitAfterCompose(ctx, text); err != nil {
		return fmt.Errorf("after-compose hook: %w", err)
	}
	if err := p.EmitBeforeSend(ctx, text); err != nil {
		return fmt.Errorf("before-send hook: %w", err)
	}

	var fullText strings.Builder
	req := Request{
		Model:    opts.Model,
		Messages: history,
		Tools:    opts.Tools,
		Headers:  opts.Headers,
	}
	err = p.streamer.Stream(ctx, req, func(d Delta) error {
		switch d.Type {
		case DeltaToolCall:
			toolCalls.Enqueue(model.ToolCallSlice(d.ToolCall))
		case DeltaToolResult:
			toolCalls.Enqueue(model.ToolResultSlice(d.ToolCallID, d.Result))
		case DeltaTextDelta:
			fullText.WriteString(d.Text)
			p.metrics.TextDelta()
			return parser.Consume(d.Text)
		case DeltaFinish:
		case DeltaError:
			if d.Err != nil {
				return d.Err
			}
			return ErrStream
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("model stream: %w", err)
	}

	if err := parser.End(); err != nil {
		return fmt.Errorf("flush parser: %w", err)
	}
	if err := toolCalls.WaitIdle(ctx); err != nil {
		return fmt.Errorf("tool calls: %w", err)
	}

	if reply := p.takeBuffer(); len(reply.Slices) > 0 {
		sessionID := p.store.ActiveSessionID()
		reply.Context = model.NewMessageContext(sessionID, model.SourceLLM)
		p.store.Append(sessionID, reply)
		p.PublishContextMessage(model.NewEnvelope(reply), model.OriginLocal)
	}

	if err := p.EmitTokenLiteral(ctx, marker.FlushSignal); err != nil {
		return fmt.Errorf("token-literal hook: %w", err)
	}
	if err := p.EmitStreamEnd(ctx); err != nil {
		return fmt.Errorf("stream-end hook: %w", err)
	}
	if err := p.EmitAssistantEnd(ctx, fullText.String()); err != nil {
		return fmt.Errorf("assistant-end hook: %w", err)
	}

	p.logger.Debug("model output", "session", sessionID, "text", fullText.String())

	if err := p.EmitAfterSend(ctx, text); err != nil {
		return fmt.Errorf("after-send hook: %w", err)
	}
	return nil
}

// ComposeContent returns text alone, or a part list with the text first and
// one image part per image attachment.
func ComposeContent(text string, attachments []Attachment) model.Content {
	parts := []model.ContentPart{model.TextPart(text)}
	for _, a := range attachments {
		if a.Type == AttachmentImage {
			parts = append(parts, model.ImagePart(a.MimeType, a.Data))
		}
	}
	if len(parts) > 1 {
		return model.PartsContent(parts...)
	}
	return model.TextContent(text)
}

// modelHistory strips provenance and assistant slices from the active history.
func (p *Pipeline) modelHistory() []model.ChatEntry {
	msgs := p.store.Messages()
	out := make([]model.ChatEntry, len(msgs))
	for i, m := range msgs {
		out[i] = m.WithoutContext()
	}
	return out
}

// =============================================================================
// ASSISTANT BUFFER
// =============================================================================

func (p *Pipeline) resetBuffer() {
	p.bufMu.Lock()
	p.buf = emptyAssistant()
	p.bufMu.Unlock()
}

func (p *Pipeline) takeBuffer() model.ChatEntry {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	out := p.buf
	p.buf = emptyAssistant()
	return out
}

// appendLiteral merges literal into the tail text slice, or starts a new one.
func (p *Pipeline) appendLiteral(literal string) {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()

	p.buf.Content.Text += literal
	if n := len(p.buf.Slices); n > 0 && p.buf.Slices[n-1].Type == model.SliceText {
		p.buf.Slices[n-1].Text += literal
		return
	}
	p.buf.Slices = append(p.buf.Slices, model.TextSlice(literal))
}

func (p *Pipeline) applyToolSlice(s model.Slice) {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()

	switch s.Type {
	case model.SliceToolCall:
		p.buf.Slices = append(p.buf.Slices, s)
	case model.SliceToolCallResult:
		p.buf.ToolResults = append(p.buf.ToolResults, model.ToolResult{ID: s.ID, Result: s.Result})
	}
}
