// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"

	"github.com/jeranaias/rigrun-stage/internal/model"
)

// =============================================================================
// REGISTRATION
// =============================================================================

// OnBeforeCompose registers a hook run before the user's content is composed.
func (p *Pipeline) OnBeforeCompose(fn MessageHook) (dispose func()) {
	return p.beforeCompose.Add(fn)
}

// OnAfterCompose registers a hook run after the user entry has been appended.
func (p *Pipeline) OnAfterCompose(fn MessageHook) (dispose func()) {
	return p.afterCompose.Add(fn)
}

// OnBeforeSend registers a hook run just before the model stream starts.
func (p *Pipeline) OnBeforeSend(fn MessageHook) (dispose func()) {
	return p.beforeSend.Add(fn)
}

// OnAfterSend registers a hook run last in a successful Send.
func (p *Pipeline) OnAfterSend(fn MessageHook) (dispose func()) {
	return p.afterSend.Add(fn)
}

// OnTokenLiteral registers a hook for coalesced literal text.
func (p *Pipeline) OnTokenLiteral(fn TokenHook) (dispose func()) {
	return p.tokenLiteral.Add(fn)
}

// OnTokenSpecial registers a hook for special marker tokens.
func (p *Pipeline) OnTokenSpecial(fn TokenHook) (dispose func()) {
	return p.tokenSpecial.Add(fn)
}

// OnStreamEnd registers a hook run after the flush signal.
func (p *Pipeline) OnStreamEnd(fn StreamEndHook) (dispose func()) {
	return p.streamEnd.Add(fn)
}

// OnAssistantEnd registers a hook that receives the raw accumulated reply.
func (p *Pipeline) OnAssistantEnd(fn MessageHook) (dispose func()) {
	return p.assistantEnd.Add(fn)
}

// OnContextPublish registers a hook for published envelopes.
func (p *Pipeline) OnContextPublish(fn PublishHook) (dispose func()) {
	return p.contextPublish.Add(fn)
}

// ClearHooks drops every registered hook.
func (p *Pipeline) ClearHooks() {
	p.beforeCompose.Clear()
	p.afterCompose.Clear()
	p.beforeSend.Clear()
	p.afterSend.Clear()
	p.tokenLiteral.Clear()
	p.tokenSpecial.Clear()
	p.streamEnd.Clear()
	p.assistantEnd.Clear()
	p.contextPublish.Clear()
}

// =============================================================================
// DISPATCH
// =============================================================================

// The Emit methods run their hooks in registration order and stop at the
// first error. The bridge calls them to replay sibling stream events.

// EmitBeforeCompose runs the before-compose hooks with the raw user text.
func (p *Pipeline) EmitBeforeCompose(ctx context.Context, message string) error {
	return p.beforeCompose.Each(func(fn MessageHook) error { return fn(ctx, message) })
}

// EmitAfterCompose runs the after-compose hooks.
func (p *Pipeline) EmitAfterCompose(ctx context.Context, message string) error {
	return p.afterCompose.Each(func(fn MessageHook) error { return fn(ctx, message) })
}

// EmitBeforeSend runs the before-send hooks.
func (p *Pipeline) EmitBeforeSend(ctx context.Context, message string) error {
	return p.beforeSend.Each(func(fn MessageHook) error { return fn(ctx, message) })
}

// EmitAfterSend runs the after-send hooks once a reply is complete.
func (p *Pipeline) EmitAfterSend(ctx context.Context, message string) error {
	return p.afterSend.Each(func(fn MessageHook) error { return fn(ctx, message) })
}

// EmitTokenLiteral hands a gated run of literal text to the token hooks.
func (p *Pipeline) EmitTokenLiteral(ctx context.Context, literal string) error {
	return p.tokenLiteral.Each(func(fn TokenHook) error { return fn(ctx, literal) })
}

// EmitTokenSpecial hands one <|...|> marker to the special-token hooks.
func (p *Pipeline) EmitTokenSpecial(ctx context.Context, special string) error {
	return p.tokenSpecial.Each(func(fn TokenHook) error { return fn(ctx, special) })
}

// EmitStreamEnd runs the stream-end hooks.
func (p *Pipeline) EmitStreamEnd(ctx context.Context) error {
	return p.streamEnd.Each(func(fn StreamEndHook) error { return fn(ctx) })
}

// EmitAssistantEnd runs the assistant-end hooks with the full reply text.
func (p *Pipeline) EmitAssistantEnd(ctx context.Context, message string) error {
	return p.assistantEnd.Each(func(fn MessageHook) error { return fn(ctx, message) })
}

// PublishContextMessage hands env to every publish hook. Hooks are isolated:
// a failing hook is logged and the rest still run.
func (p *Pipeline) PublishContextMessage(env model.Envelope, origin model.Origin) {
	env.EnsureID()
	p.contextPublish.EachIsolated(p.logger, "context-publish", func(fn PublishHook) error {
		return fn(env.Clone(), origin)
	})
}
