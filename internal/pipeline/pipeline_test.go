// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-stage/internal/marker"
	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/session"
)

func newTestPipeline(t *testing.T, s Streamer) (*Pipeline, *session.Store) {
	t.Helper()
	store := session.NewStore(session.Options{SystemPrompt: "be nice"})
	return New(Config{Store: store, Streamer: s}), store
}

type published struct {
	mu   sync.Mutex
	envs []model.Envelope
}

func (p *published) hook(env model.Envelope, origin model.Origin) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if origin == model.OriginLocal {
		p.envs = append(p.envs, env)
	}
	return nil
}

func TestSend_EmptyIsNoop(t *testing.T) {
	called := false
	p, store := newTestPipeline(t, StreamerFunc(func(context.Context, Request, DeltaFunc) error {
		called = true
		return nil
	}))
	fired := 0
	p.OnBeforeCompose(func(context.Context, string) error { fired++; return nil })
	p.OnAfterSend(func(context.Context, string) error { fired++; return nil })

	require.NoError(t, p.Send(context.Background(), "", SendOptions{}))

	assert.Len(t, store.Messages(), 1)
	assert.Zero(t, fired)
	assert.False(t, called)
}

func TestSend_TextReply(t *testing.T) {
	p, store := newTestPipeline(t, Replay(
		Delta{Type: DeltaTextDelta, Text: "Hi"},
		Delta{Type: DeltaTextDelta, Text: " there"},
		Delta{Type: DeltaFinish, FinishReason: "stop"},
	))
	pub := &published{}
	p.OnContextPublish(pub.hook)

	var ended string
	var literals []string
	p.OnAssistantEnd(func(_ context.Context, msg string) error { ended = msg; return nil })
	p.OnTokenLiteral(func(_ context.Context, lit string) error {
		literals = append(literals, lit)
		return nil
	})

	require.NoError(t, p.Send(context.Background(), "Hello", SendOptions{}))

	msgs := store.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content.String())
	assert.Equal(t, model.SourceText, msgs[1].Context.Source)

	reply := msgs[2]
	assert.Equal(t, model.RoleAssistant, reply.Role)
	require.Len(t, reply.Slices, 1)
	assert.Equal(t, model.SliceText, reply.Slices[0].Type)
	assert.Equal(t, "Hi there", reply.Slices[0].Text)
	assert.Equal(t, model.SourceLLM, reply.Context.Source)

	assert.Equal(t, "Hi there", ended)
	assert.Equal(t, []string{"Hi there", marker.FlushSignal}, literals)

	require.Len(t, pub.envs, 2)
	assert.Equal(t, model.RoleUser, pub.envs[0].Role)
	assert.Equal(t, model.RoleAssistant, pub.envs[1].Role)
	assert.NotEmpty(t, pub.envs[0].ID)
	assert.NotEqual(t, pub.envs[0].ID, pub.envs[1].ID)
	assert.False(t, p.Sending())
}

func TestSend_ToolCallsBecomeSlices(t *testing.T) {
	p, store := newTestPipeline(t, Replay(
		Delta{Type: DeltaTextDelta, Text: "Checking"},
		Delta{Type: DeltaToolCall, ToolCall: model.ToolCall{
			ToolCallID: "call-1", ToolCallType: "function", ToolName: "weather", Args: `{"city":"Oslo"}`,
		}},
		Delta{Type: DeltaTextDelta, Text: " now."},
		Delta{Type: DeltaToolResult, ToolCallID: "call-1", Result: "rain"},
		Delta{Type: DeltaFinish},
	))

	require.NoError(t, p.Send(context.Background(), "weather?", SendOptions{}))

	msgs := store.Messages()
	reply := msgs[len(msgs)-1]
	require.Equal(t, model.RoleAssistant, reply.Role)

	var calls, texts int
	for _, s := range reply.Slices {
		switch s.Type {
		case model.SliceToolCall:
			calls++
			assert.Equal(t, "weather", s.ToolCall.ToolName)
		case model.SliceText:
			texts++
			assert.Equal(t, "Checking now.", s.Text)
		}
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, texts)
	require.Len(t, reply.ToolResults, 1)
	assert.Equal(t, "call-1", reply.ToolResults[0].ID)
	assert.Equal(t, "rain", reply.ToolResults[0].Result)
}

func TestSend_EmptyReplyAppendsNothing(t *testing.T) {
	p, store := newTestPipeline(t, Replay(Delta{Type: DeltaFinish}))

	var streamEnded bool
	p.OnStreamEnd(func(context.Context) error { streamEnded = true; return nil })

	require.NoError(t, p.Send(context.Background(), "hi", SendOptions{}))
	assert.Len(t, store.Messages(), 2, "system + user only")
	assert.True(t, streamEnded)
}

func TestSend_SpecialTokensGoToSpecialHooks(t *testing.T) {
	p, store := newTestPipeline(t, Replay(
		Delta{Type: DeltaTextDelta, Text: "Hmm <|DELAY:1|> ok"},
	))
	var specials []string
	p.OnTokenSpecial(func(_ context.Context, s string) error {
		specials = append(specials, s)
		return nil
	})

	require.NoError(t, p.Send(context.Background(), "hi", SendOptions{}))
	assert.Equal(t, []string{"<|DELAY:1|>"}, specials)

	reply := store.Messages()[2]
	require.Len(t, reply.Slices, 1)
	assert.Equal(t, "Hmm  ok", reply.Slices[0].Text)
}

func TestSend_HookErrorAborts(t *testing.T) {
	boom := errors.New("nope")
	streamed := false
	p, store := newTestPipeline(t, StreamerFunc(func(context.Context, Request, DeltaFunc) error {
		streamed = true
		return nil
	}))
	p.OnBeforeCompose(func(context.Context, string) error { return boom })

	err := p.Send(context.Background(), "hi", SendOptions{})
	require.ErrorIs(t, err, boom)
	assert.False(t, streamed)
	assert.Len(t, store.Messages(), 1)
	assert.False(t, p.Sending())
}

func TestSend_StreamErrorPropagates(t *testing.T) {
	cause := errors.New("model offline")
	p, _ := newTestPipeline(t, Replay(
		Delta{Type: DeltaTextDelta, Text: "partial"},
		Delta{Type: DeltaError, Err: cause},
	))
	afterSend := false
	p.OnAfterSend(func(context.Context, string) error { afterSend = true; return nil })

	err := p.Send(context.Background(), "hi", SendOptions{})
	require.ErrorIs(t, err, cause)
	assert.False(t, afterSend)
	assert.False(t, p.Sending())

	p2, _ := newTestPipeline(t, Replay(Delta{Type: DeltaError}))
	assert.ErrorIs(t, p2.Send(context.Background(), "hi", SendOptions{}), ErrStream)
}

func TestSend_SendingDuringStream(t *testing.T) {
	var p *Pipeline
	var during bool
	p, _ = newTestPipeline(t, StreamerFunc(func(_ context.Context, _ Request, onDelta DeltaFunc) error {
		during = p.Sending()
		return onDelta(Delta{Type: DeltaTextDelta, Text: "x"})
	}))

	require.NoError(t, p.Send(context.Background(), "hi", SendOptions{}))
	assert.True(t, during)
	assert.False(t, p.Sending())
}

func TestSend_HistoryStripsContext(t *testing.T) {
	var got Request
	p, _ := newTestPipeline(t, StreamerFunc(func(_ context.Context, req Request, _ DeltaFunc) error {
		got = req
		return nil
	}))

	require.NoError(t, p.Send(context.Background(), "hi", SendOptions{Model: "m1"}))
	assert.Equal(t, "m1", got.Model)
	require.Len(t, got.Messages, 2)
	for _, m := range got.Messages {
		assert.Nil(t, m.Context)
	}
	assert.Equal(t, "hi", got.Messages[1].Content.String())
}

func TestSend_ImageAttachments(t *testing.T) {
	p, store := newTestPipeline(t, Replay())

	require.NoError(t, p.Send(context.Background(), "look", SendOptions{
		Attachments: []Attachment{{Type: AttachmentImage, Data: "AAAA", MimeType: "image/png"}},
	}))

	user := store.Messages()[1]
	require.True(t, user.Content.IsParts())
	require.Len(t, user.Content.Parts, 2)
	assert.Equal(t, "look", user.Content.Parts[0].Text)
	assert.Equal(t, "data:image/png;base64,AAAA", user.Content.Parts[1].ImageURL.URL)
}

func TestHooks_DisposeRemovesOnlyThatRegistration(t *testing.T) {
	p, _ := newTestPipeline(t, Replay(Delta{Type: DeltaTextDelta, Text: "ok"}))

	count := 0
	hook := func(context.Context, string) error { count++; return nil }
	dispose := p.OnAfterSend(hook)
	p.OnAfterSend(hook)
	dispose()
	dispose()

	require.NoError(t, p.Send(context.Background(), "hi", SendOptions{}))
	assert.Equal(t, 1, count)

	p.ClearHooks()
	require.NoError(t, p.Send(context.Background(), "again", SendOptions{}))
	assert.Equal(t, 1, count)
}

func TestEmit_RunsInOrderAndStopsAtError(t *testing.T) {
	p, _ := newTestPipeline(t, Replay())
	ctx := context.Background()
	boom := errors.New("stop here")

	var calls []string
	p.OnTokenSpecial(func(_ context.Context, s string) error { calls = append(calls, "a:"+s); return nil })
	p.OnTokenSpecial(func(_ context.Context, s string) error { calls = append(calls, "b:"+s); return boom })
	p.OnTokenSpecial(func(_ context.Context, s string) error { calls = append(calls, "c:"+s); return nil })
	p.OnStreamEnd(func(context.Context) error { calls = append(calls, "end"); return nil })
	p.OnAssistantEnd(func(_ context.Context, m string) error { calls = append(calls, "reply:"+m); return nil })

	assert.ErrorIs(t, p.EmitTokenSpecial(ctx, "<|DELAY:1|>"), boom)
	require.NoError(t, p.EmitStreamEnd(ctx))
	require.NoError(t, p.EmitAssistantEnd(ctx, "done"))

	assert.Equal(t, []string{"a:<|DELAY:1|>", "b:<|DELAY:1|>", "end", "reply:done"}, calls)
}

func TestPublish_FailingHookIsolated(t *testing.T) {
	p, _ := newTestPipeline(t, Replay())
	var second bool
	p.OnContextPublish(func(model.Envelope, model.Origin) error { panic("bad hook") })
	p.OnContextPublish(func(model.Envelope, model.Origin) error { second = true; return nil })

	p.PublishContextMessage(model.Envelope{SessionID: "s"}, model.OriginWS)
	assert.True(t, second)
}
