// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-stage/internal/broadcast"
	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/pipeline"
	"github.com/jeranaias/rigrun-stage/internal/session"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeRemote struct {
	mu        sync.Mutex
	sent      []model.Envelope
	inits     int
	initErr   error
	listeners hooks.Registry[func(model.Envelope)]

	// gate, when set, holds Initialize until it is closed or ctx ends.
	gate chan struct{}
}

func (f *fakeRemote) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.inits++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeRemote) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

func (f *fakeRemote) SendContextUpdate(env model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeRemote) OnContextUpdate(fn func(model.Envelope)) func() {
	return f.listeners.Add(fn)
}

func (f *fakeRemote) deliver(env model.Envelope) {
	for _, fn := range f.listeners.Snapshot() {
		fn(env)
	}
}

func (f *fakeRemote) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeChannel[T any] struct {
	mu        sync.Mutex
	posted    []T
	listeners hooks.Registry[func(T)]
}

func (f *fakeChannel[T]) Post(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, v)
	return nil
}

func (f *fakeChannel[T]) OnMessage(fn func(T)) func() {
	return f.listeners.Add(fn)
}

func (f *fakeChannel[T]) deliver(v T) {
	for _, fn := range f.listeners.Snapshot() {
		fn(v)
	}
}

func (f *fakeChannel[T]) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

// countingChannel wraps a real endpoint and counts posts.
type countingChannel[T any] struct {
	*broadcast.Endpoint[T]
	mu    sync.Mutex
	posts int
}

func (c *countingChannel[T]) Post(v T) error {
	c.mu.Lock()
	c.posts++
	c.mu.Unlock()
	return c.Endpoint.Post(v)
}

func (c *countingChannel[T]) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posts
}

func newPipeline(deltas ...pipeline.Delta) *pipeline.Pipeline {
	store := session.NewStore(session.Options{SystemPrompt: "test"})
	return pipeline.New(pipeline.Config{Store: store, Streamer: pipeline.Replay(deltas...)})
}

func envelope(sessionID, text string) model.Envelope {
	return model.NewEnvelope(model.ChatEntry{
		Role:    model.RoleUser,
		Content: model.TextContent(text),
		Context: model.NewMessageContext(sessionID, model.SourceText),
	})
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// ROUTING
// =============================================================================

func TestRoute_ByOrigin(t *testing.T) {
	tests := []struct {
		origin      model.Origin
		wantRemote  int
		wantSibling int
	}{
		{model.OriginLocal, 1, 1},
		{model.OriginWS, 0, 1},
		{model.OriginBroadcast, 0, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.origin), func(t *testing.T) {
			p := newPipeline()
			remote := &fakeRemote{}
			ctxChan := &fakeChannel[model.Envelope]{}
			b := New(Deps{Pipeline: p, Remote: remote, Context: ctxChan})
			dispose, err := b.Install(context.Background())
			require.NoError(t, err)
			defer dispose()

			p.PublishContextMessage(envelope(session.DefaultSessionID, "hi"), tt.origin)

			assert.Equal(t, tt.wantRemote, remote.sentCount())
			assert.Equal(t, tt.wantSibling, ctxChan.postedCount())
		})
	}
}

func TestInstall_Idempotent(t *testing.T) {
	p := newPipeline()
	remote := &fakeRemote{}
	b := New(Deps{Pipeline: p, Remote: remote})

	dispose, err := b.Install(context.Background())
	require.NoError(t, err)
	again, err := b.Install(context.Background())
	require.NoError(t, err)
	again()

	p.PublishContextMessage(envelope("default", "hi"), model.OriginLocal)
	assert.Equal(t, 1, remote.sentCount())
	<-b.connectDone
	assert.Equal(t, 1, remote.initCount())

	dispose()
	p.PublishContextMessage(envelope("default", "bye"), model.OriginLocal)
	assert.Equal(t, 1, remote.sentCount())
}

func TestInstall_RemoteFailureIsNotFatal(t *testing.T) {
	p := newPipeline()
	remote := &fakeRemote{initErr: errors.New("refused")}
	b := New(Deps{Pipeline: p, Remote: remote})

	dispose, err := b.Install(context.Background())
	require.NoError(t, err)
	defer dispose()
	<-b.connectDone
}

func TestInstall_DoesNotWaitForRemote(t *testing.T) {
	p := newPipeline()
	remote := &fakeRemote{gate: make(chan struct{})}
	b := New(Deps{Pipeline: p, Remote: remote})

	installed := make(chan struct{})
	go func() {
		defer close(installed)
		_, err := b.Install(context.Background())
		assert.NoError(t, err)
	}()
	select {
	case <-installed:
	case <-time.After(time.Second):
		t.Fatal("Install blocked on a slow remote")
	}

	p.PublishContextMessage(envelope("default", "early"), model.OriginLocal)
	assert.Equal(t, 1, remote.sentCount(), "sends go to the remote while it connects")

	b.Dispose()
	select {
	case <-b.connectDone:
	case <-time.After(time.Second):
		t.Fatal("Dispose did not cancel the pending connect")
	}
	assert.Equal(t, 1, remote.initCount())
}

func TestInstall_RequiresPipeline(t *testing.T) {
	_, err := New(Deps{}).Install(context.Background())
	assert.ErrorIs(t, err, ErrMissingDeps)
}

// =============================================================================
// INBOUND
// =============================================================================

func TestInbound_RemoteIsIngestedAndRebroadcast(t *testing.T) {
	p := newPipeline()
	remote := &fakeRemote{}
	ctxChan := &fakeChannel[model.Envelope]{}
	b := New(Deps{Pipeline: p, Remote: remote, Context: ctxChan})
	dispose, err := b.Install(context.Background())
	require.NoError(t, err)
	defer dispose()

	remote.deliver(envelope(session.DefaultSessionID, "from server"))
	require.NoError(t, b.WaitIdle(ctxTimeout(t)))

	msgs := p.Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "from server", msgs[1].Content.String())
	assert.Equal(t, 1, ctxChan.postedCount())
	assert.Zero(t, remote.sentCount())
}

func TestInbound_BroadcastIsNotReposted(t *testing.T) {
	p := newPipeline()
	remote := &fakeRemote{}
	ctxChan := &fakeChannel[model.Envelope]{}
	b := New(Deps{Pipeline: p, Remote: remote, Context: ctxChan})
	dispose, err := b.Install(context.Background())
	require.NoError(t, err)
	defer dispose()

	ctxChan.deliver(envelope(session.DefaultSessionID, "from sibling"))
	require.NoError(t, b.WaitIdle(ctxTimeout(t)))

	assert.Len(t, p.Store().Messages(), 2)
	assert.Zero(t, ctxChan.postedCount())
	assert.Zero(t, remote.sentCount())
}

func TestInbound_SwitchesActiveSession(t *testing.T) {
	p := newPipeline()
	ctxChan := &fakeChannel[model.Envelope]{}
	b := New(Deps{Pipeline: p, Context: ctxChan})
	dispose, err := b.Install(context.Background())
	require.NoError(t, err)
	defer dispose()

	ctxChan.deliver(envelope("elsewhere", "hello"))
	require.NoError(t, b.WaitIdle(ctxTimeout(t)))

	store := p.Store()
	assert.Equal(t, "elsewhere", store.ActiveSessionID())
	require.Len(t, store.History("elsewhere"), 2)
	assert.Len(t, store.History(session.DefaultSessionID), 1)
}

func TestInbound_DuplicateIDsDropped(t *testing.T) {
	p := newPipeline()
	remote := &fakeRemote{}
	b := New(Deps{Pipeline: p, Remote: remote})
	dispose, err := b.Install(context.Background())
	require.NoError(t, err)
	defer dispose()

	env := envelope(session.DefaultSessionID, "once")
	remote.deliver(env)
	remote.deliver(env)
	require.NoError(t, b.WaitIdle(ctxTimeout(t)))

	assert.Len(t, p.Store().Messages(), 2)
}

func TestSeenSetIsBounded(t *testing.T) {
	b := New(Deps{SeenCapacity: 2})
	assert.True(t, b.markSeen("a"))
	assert.True(t, b.markSeen("b"))
	assert.False(t, b.markSeen("a"))
	assert.True(t, b.markSeen("c"))
	assert.True(t, b.markSeen("b"), "oldest id evicted")
	assert.True(t, b.markSeen(""))
	assert.True(t, b.markSeen(""))
}

// =============================================================================
// SIBLINGS
// =============================================================================

type sibling struct {
	p       *pipeline.Pipeline
	b       *Bridge
	remote  *fakeRemote
	ctxChan *countingChannel[model.Envelope]
	stream  *countingChannel[model.StreamEvent]
}

func newSibling(t *testing.T, hub *broadcast.Hub, deltas ...pipeline.Delta) *sibling {
	t.Helper()
	s := &sibling{
		p:       newPipeline(deltas...),
		remote:  &fakeRemote{},
		ctxChan: &countingChannel[model.Envelope]{Endpoint: broadcast.Open[model.Envelope](hub, model.ContextChannelName)},
		stream:  &countingChannel[model.StreamEvent]{Endpoint: broadcast.Open[model.StreamEvent](hub, model.StreamChannelName)},
	}
	s.b = New(Deps{Pipeline: s.p, Remote: s.remote, Context: s.ctxChan, Stream: s.stream})
	dispose, err := s.b.Install(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		dispose()
		s.ctxChan.Close()
		s.stream.Close()
	})
	return s
}

func TestSiblings_RemoteEnvelopeReachesPeerOnce(t *testing.T) {
	hub := broadcast.NewHub(nil)
	a := newSibling(t, hub)
	b := newSibling(t, hub)

	a.remote.deliver(envelope(session.DefaultSessionID, "from server"))

	require.Eventually(t, func() bool {
		return len(b.p.Store().Messages()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.b.WaitIdle(ctxTimeout(t)))
	require.NoError(t, b.b.WaitIdle(ctxTimeout(t)))
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, a.p.Store().Messages(), 2)
	assert.Len(t, b.p.Store().Messages(), 2)
	assert.Equal(t, 1, a.ctxChan.count())
	assert.Zero(t, b.ctxChan.count(), "peer must not bounce the envelope back")
	assert.Zero(t, a.remote.sentCount())
	assert.Zero(t, b.remote.sentCount())
}

func TestSiblings_LocalSendMirrorsWithoutEcho(t *testing.T) {
	hub := broadcast.NewHub(nil)
	a := newSibling(t, hub,
		pipeline.Delta{Type: pipeline.DeltaTextDelta, Text: "Hi there"},
		pipeline.Delta{Type: pipeline.DeltaFinish},
	)
	b := newSibling(t, hub)

	var mu sync.Mutex
	var ended []string
	b.p.OnAssistantEnd(func(_ context.Context, msg string) error {
		mu.Lock()
		ended = append(ended, msg)
		mu.Unlock()
		return nil
	})

	require.NoError(t, a.p.Send(context.Background(), "Hello", pipeline.SendOptions{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ended) == 1 && len(b.p.Store().Messages()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, b.b.WaitIdle(ctxTimeout(t)))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"Hi there"}, ended)
	assert.Equal(t, 2, a.remote.sentCount(), "user and assistant turns go to the server")
	assert.Zero(t, b.stream.count(), "replayed events are not mirrored")
	assert.Zero(t, b.ctxChan.count())
	assert.Equal(t, StateIdle, b.b.State())
}

func TestReplay_StateDuringHooks(t *testing.T) {
	p := newPipeline()
	stream := &fakeChannel[model.StreamEvent]{}
	b := New(Deps{Pipeline: p, Stream: stream})
	dispose, err := b.Install(context.Background())
	require.NoError(t, err)
	defer dispose()

	var during State
	p.OnTokenSpecial(func(context.Context, string) error {
		during = b.State()
		return nil
	})

	stream.deliver(model.StreamEvent{Type: model.StreamTokenSpecial, Special: "<|X|>", SessionID: "chat-2"})
	require.NoError(t, b.WaitIdle(ctxTimeout(t)))

	assert.Equal(t, StateReplaying, during)
	assert.Equal(t, StateIdle, b.State())
	assert.Equal(t, "chat-2", p.Store().ActiveSessionID())
	assert.Zero(t, stream.postedCount())
}
