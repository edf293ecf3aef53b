// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/pipeline"
	"github.com/jeranaias/rigrun-stage/internal/session"
	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// DefaultSeenCapacity bounds the envelope-id seen-set.
const DefaultSeenCapacity = 1024

// ErrMissingDeps is returned by Install when Pipeline or Store is nil.
var ErrMissingDeps = errors.New("bridge: pipeline and store are required")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Remote is the slice of the remote channel client the bridge needs.
type Remote interface {
	Initialize(ctx context.Context) error
	SendContextUpdate(env model.Envelope) error
	OnContextUpdate(fn func(env model.Envelope)) (dispose func())
}

// Channel is a named local broadcast channel carrying T.
type Channel[T any] interface {
	Post(v T) error
	OnMessage(fn func(v T)) (dispose func())
}

// Deps wires a Bridge. Remote, Context and Stream are optional; a nil one
// simply is not routed to.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Store    *session.Store

	Remote  Remote
	Context Channel[model.Envelope]
	Stream  Channel[model.StreamEvent]

	// SeenCapacity bounds duplicate suppression. Zero uses DefaultSeenCapacity.
	SeenCapacity int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// =============================================================================
// REPLAY STATE
// =============================================================================

// State is the stream replay state.
type State int32

const (
	StateIdle State = iota
	StateReplaying
)

func (s State) String() string {
	if s == StateReplaying {
		return "replaying"
	}
	return "idle"
}

type replayKey struct{}

// replaying reports whether ctx belongs to a replayed remote stream event.
func replaying(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// =============================================================================
// BRIDGE
// =============================================================================

type inbound struct {
	env    model.Envelope
	origin model.Origin
}

// Bridge keeps one process's session store consistent with a remote channel
// and with sibling contexts, without echoing events back to where they came
// from.
type Bridge struct {
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	installed bool
	disposers hooks.Disposers

	seenMu sync.Mutex
	seen   *lru.Cache

	state   atomic.Int32
	inbox   *tasks.Queue[inbound]
	replays *tasks.Queue[model.StreamEvent]

	// stopConnect cancels the initial remote connect; connectDone closes
	// when that attempt returns.
	stopConnect context.CancelFunc
	connectDone chan struct{}
}

// New creates a bridge. Nothing is wired until Install.
func New(deps Deps) *Bridge {
	if deps.Store == nil && deps.Pipeline != nil {
		deps.Store = deps.Pipeline.Store()
	}
	capacity := deps.SeenCapacity
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	b := &Bridge{
		deps:    deps,
		logger:  logging.Component(deps.Logger, "bridge"),
		metrics: deps.Metrics,
		seen:    lru.New(capacity),
	}
	return b
}

// State returns the current replay state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Install registers every hook and listener and starts connecting the remote
// channel in the background. Install does not wait for the connection; a
// failed attempt is logged and outbound envelopes stay queued in the client.
// Calling Install again returns a no-op disposer.
func (b *Bridge) Install(ctx context.Context) (dispose func(), err error) {
	if b.deps.Pipeline == nil || b.deps.Store == nil {
		return nil, ErrMissingDeps
	}

	b.mu.Lock()
	if b.installed {
		b.mu.Unlock()
		return func() {}, nil
	}
	b.installed = true
	b.mu.Unlock()

	b.inbox = tasks.New(tasks.Options{Name: "bridge-inbound", Logger: b.logger, Observer: b.metrics}, b.handleInbound)
	b.replays = tasks.New(tasks.Options{Name: "bridge-replay", Logger: b.logger, Observer: b.metrics}, b.handleReplay)

	if b.deps.Remote != nil {
		b.disposers.Add(b.deps.Remote.OnContextUpdate(func(env model.Envelope) {
			b.inbox.Enqueue(inbound{env: env, origin: model.OriginWS})
		}))
		b.startConnect(ctx)
	}
	if b.deps.Context != nil {
		b.disposers.Add(b.deps.Context.OnMessage(func(env model.Envelope) {
			b.inbox.Enqueue(inbound{env: env, origin: model.OriginBroadcast})
		}))
	}
	if b.deps.Stream != nil {
		b.disposers.Add(b.deps.Stream.OnMessage(func(ev model.StreamEvent) {
			b.replays.Enqueue(ev)
		}))
	}

	b.disposers.Add(b.deps.Pipeline.OnContextPublish(b.route))
	b.installMirrors()

	return b.Dispose, nil
}

// Dispose removes every hook and stops the inbound queues. The bridge can be
// installed again afterwards.
func (b *Bridge) Dispose() {
	b.mu.Lock()
	if !b.installed {
		b.mu.Unlock()
		return
	}
	b.installed = false
	disposers := b.disposers
	b.disposers = nil
	stop := b.stopConnect
	b.stopConnect = nil
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	disposers.Dispose()
	if b.inbox != nil {
		b.inbox.Close()
	}
	if b.replays != nil {
		b.replays.Close()
	}
}

// startConnect runs the first remote Initialize without blocking Install.
func (b *Bridge) startConnect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.mu.Lock()
	b.stopConnect = cancel
	b.connectDone = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if err := b.deps.Remote.Initialize(ctx); err != nil {
			b.logger.Warn("remote channel unavailable", "error", err)
		}
	}()
}

// WaitIdle blocks until every received envelope and stream event has been
// processed.
func (b *Bridge) WaitIdle(ctx context.Context) error {
	if b.inbox == nil {
		return nil
	}
	if err := b.inbox.WaitIdle(ctx); err != nil {
		return err
	}
	return b.replays.WaitIdle(ctx)
}

// =============================================================================
// OUTBOUND
// =============================================================================

// route forwards a published envelope according to its origin:
// local goes to the remote channel and siblings, ws only to siblings,
// broadcast nowhere.
func (b *Bridge) route(env model.Envelope, origin model.Origin) error {
	b.markSeen(env.ID)

	if origin == model.OriginLocal && b.deps.Remote != nil {
		if err := b.deps.Remote.SendContextUpdate(env); err != nil {
			b.logger.Warn("remote send failed", "id", env.ID, "error", err)
		} else {
			b.metrics.Published(origin.String(), "remote")
		}
	}
	if (origin == model.OriginLocal || origin == model.OriginWS) && b.deps.Context != nil {
		if err := b.deps.Context.Post(env); err != nil {
			return fmt.Errorf("post context update: %w", err)
		}
		b.metrics.Published(origin.String(), "broadcast")
	}
	return nil
}

// installMirrors posts local stream lifecycle events to siblings. Events
// raised while replaying a sibling's event are not mirrored.
func (b *Bridge) installMirrors() {
	if b.deps.Stream == nil {
		return
	}
	p := b.deps.Pipeline

	message := func(t model.StreamEventType) pipeline.MessageHook {
		return func(ctx context.Context, msg string) error {
			b.mirror(ctx, model.StreamEvent{Type: t, Message: msg})
			return nil
		}
	}
	b.disposers.Add(p.OnBeforeCompose(message(model.StreamBeforeCompose)))
	b.disposers.Add(p.OnAfterCompose(message(model.StreamAfterCompose)))
	b.disposers.Add(p.OnBeforeSend(message(model.StreamBeforeSend)))
	b.disposers.Add(p.OnAfterSend(message(model.StreamAfterSend)))
	b.disposers.Add(p.OnAssistantEnd(message(model.StreamAssistantEnd)))
	b.disposers.Add(p.OnTokenLiteral(func(ctx context.Context, literal string) error {
		b.mirror(ctx, model.StreamEvent{Type: model.StreamTokenLiteral, Literal: literal})
		return nil
	}))
	b.disposers.Add(p.OnTokenSpecial(func(ctx context.Context, special string) error {
		b.mirror(ctx, model.StreamEvent{Type: model.StreamTokenSpecial, Special: special})
		return nil
	}))
	b.disposers.Add(p.OnStreamEnd(func(ctx context.Context) error {
		b.mirror(ctx, model.StreamEvent{Type: model.StreamEnd})
		return nil
	}))
}

func (b *Bridge) mirror(ctx context.Context, ev model.StreamEvent) {
	if replaying(ctx) {
		return
	}
	ev.SessionID = b.deps.Store.ActiveSessionID()
	if err := b.deps.Stream.Post(ev); err != nil {
		b.logger.Warn("mirror stream event failed", "type", ev.Type, "error", err)
		return
	}
	b.metrics.Mirrored(string(ev.Type))
}

// =============================================================================
// INBOUND
// =============================================================================

func (b *Bridge) handleInbound(c *tasks.Context[inbound]) error {
	env, origin := c.Data.env, c.Data.origin

	if !b.markSeen(env.ID) {
		b.metrics.Duplicate()
		b.logger.Debug("duplicate envelope dropped", "id", env.ID, "origin", origin)
		return nil
	}

	store := b.deps.Store
	if env.SessionID != "" && env.SessionID != store.ActiveSessionID() {
		store.SetActiveSession(env.SessionID)
	}
	store.IngestContextMessage(env)
	b.metrics.Ingested(origin.String())

	if origin == model.OriginWS {
		b.deps.Pipeline.PublishContextMessage(env, model.OriginWS)
	}
	return nil
}

func (b *Bridge) handleReplay(c *tasks.Context[model.StreamEvent]) error {
	ev := c.Data

	b.state.Store(int32(StateReplaying))
	defer b.state.Store(int32(StateIdle))

	store := b.deps.Store
	if ev.SessionID != "" && ev.SessionID != store.ActiveSessionID() {
		store.SetActiveSession(ev.SessionID)
	}

	ctx := context.WithValue(c, replayKey{}, true)
	p := b.deps.Pipeline

	var err error
	switch ev.Type {
	case model.StreamBeforeCompose:
		err = p.EmitBeforeCompose(ctx, ev.Message)
	case model.StreamAfterCompose:
		err = p.EmitAfterCompose(ctx, ev.Message)
	case model.StreamBeforeSend:
		err = p.EmitBeforeSend(ctx, ev.Message)
	case model.StreamAfterSend:
		err = p.EmitAfterSend(ctx, ev.Message)
	case model.StreamTokenLiteral:
		err = p.EmitTokenLiteral(ctx, ev.Literal)
	case model.StreamTokenSpecial:
		err = p.EmitTokenSpecial(ctx, ev.Special)
	case model.StreamEnd:
		err = p.EmitStreamEnd(ctx)
	case model.StreamAssistantEnd:
		err = p.EmitAssistantEnd(ctx, ev.Message)
	default:
		b.logger.Debug("unknown stream event", "type", ev.Type)
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay %s: %w", ev.Type, err)
	}
	b.metrics.Replayed(string(ev.Type))
	return nil
}

// markSeen records id and reports whether it was new. Envelopes without an id
// are always treated as new.
func (b *Bridge) markSeen(id string) bool {
	if id == "" {
		return true
	}
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if _, ok := b.seen.Get(id); ok {
		return false
	}
	b.seen.Add(id, struct{}{})
	return true
}
