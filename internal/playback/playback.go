// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package playback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// =============================================================================
// AUDIO CONTRACT
// =============================================================================

// Source is one playable buffer. Done is closed when the source stops for any
// reason, natural end or Stop.
type Source interface {
	Start() error
	Stop() error
	Disconnect() error
	Done() <-chan struct{}
}

// Output turns encoded audio into sources and is their final destination.
type Output interface {
	NewSource(audio []byte) (Source, error)
	Attach(src Source) error
}

// Tap receives a copy of every source's signal, for level analysis or lip sync.
type Tap interface {
	Attach(src Source) error
}

// Item is one utterance.
type Item struct {
	Audio   []byte
	Text    string
	Special string
}

// StartedHook runs right before a source starts, with the item's text.
type StartedHook func(text string) error

// FinishedHook runs when a source reaches its natural end, with the item's
// special token ("" when none).
type FinishedHook func(special string) error

// =============================================================================
// QUEUE
// =============================================================================

// Queue plays items one at a time. At most one source is audible: the
// current source is stopped before the next item begins.
type Queue struct {
	logger *slog.Logger
	queue  *tasks.Queue[Item]

	started  hooks.Registry[StartedHook]
	finished hooks.Registry[FinishedHook]

	mu       sync.Mutex
	output   Output
	analyser Tap
	lipSync  Tap
	current  *playing
}

type playing struct {
	src     Source
	stopped chan struct{}
	once    sync.Once
}

func (p *playing) stop() {
	p.once.Do(func() { close(p.stopped) })
}

func (p *playing) forced() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// New creates a playback queue. Without an output, items settle immediately
// without sound.
func New(opts tasks.Options) *Queue {
	if opts.Name == "" {
		opts.Name = "playback"
	}
	q := &Queue{logger: logging.Component(opts.Logger, "playback")}
	q.queue = tasks.New(opts, q.play)
	return q
}

// ConnectOutput sets the destination for subsequent items.
func (q *Queue) ConnectOutput(out Output) {
	q.mu.Lock()
	q.output = out
	q.mu.Unlock()
}

// ConnectAnalyser attaches a level analyser to subsequent sources.
func (q *Queue) ConnectAnalyser(t Tap) {
	q.mu.Lock()
	q.analyser = t
	q.mu.Unlock()
}

// ConnectLipSync attaches a lip-sync tap to subsequent sources.
func (q *Queue) ConnectLipSync(t Tap) {
	q.mu.Lock()
	q.lipSync = t
	q.mu.Unlock()
}

// OnPlaybackStarted registers a started hook.
func (q *Queue) OnPlaybackStarted(fn StartedHook) (dispose func()) {
	return q.started.Add(fn)
}

// OnPlaybackFinished registers a finished hook.
func (q *Queue) OnPlaybackFinished(fn FinishedHook) (dispose func()) {
	return q.finished.Add(fn)
}

// Enqueue schedules it for playback.
func (q *Queue) Enqueue(it Item) *tasks.Ticket {
	return q.queue.Enqueue(it)
}

// Tasks exposes the underlying queue for events and idle waits.
func (q *Queue) Tasks() *tasks.Queue[Item] {
	return q.queue
}

// Playing reports whether a source is currently audible.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// ClearPlaying stops and disconnects the current source. The item it belongs
// to settles without finished hooks.
func (q *Queue) ClearPlaying() {
	q.mu.Lock()
	cur := q.current
	q.current = nil
	q.mu.Unlock()
	if cur == nil {
		return
	}

	cur.stop()
	if err := cur.src.Stop(); err != nil {
		q.logger.Debug("stop source", "error", err)
	}
	if err := cur.src.Disconnect(); err != nil {
		q.logger.Debug("disconnect source", "error", err)
	}
}

// ClearQueue drops every item that has not started and cancels the running
// one, which silences its source.
func (q *Queue) ClearQueue() {
	q.queue.Clear()
}

// ClearAll drops pending items and silences the current source.
func (q *Queue) ClearAll() {
	q.ClearQueue()
	q.ClearPlaying()
}

// Close stops playback and the worker.
func (q *Queue) Close() {
	q.ClearPlaying()
	q.queue.Close()
}

// =============================================================================
// HANDLER
// =============================================================================

func (q *Queue) play(c *tasks.Context[Item]) error {
	q.ClearPlaying()

	q.mu.Lock()
	out, analyser, lipSync := q.output, q.analyser, q.lipSync
	q.mu.Unlock()
	if out == nil {
		return nil
	}

	src, err := out.NewSource(c.Data.Audio)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	if err := out.Attach(src); err != nil {
		return fmt.Errorf("attach output: %w", err)
	}
	for _, tap := range []Tap{analyser, lipSync} {
		if tap == nil {
			continue
		}
		if err := tap.Attach(src); err != nil {
			q.logger.Warn("attach tap", "error", err)
		}
	}

	cur := &playing{src: src, stopped: make(chan struct{})}
	q.mu.Lock()
	q.current = cur
	q.mu.Unlock()

	text := c.Data.Text
	q.started.EachIsolated(q.logger, "playback-started", func(fn StartedHook) error {
		return fn(text)
	})

	if cur.forced() {
		return nil
	}
	if err := src.Start(); err != nil {
		q.release(cur)
		return fmt.Errorf("start source: %w", err)
	}

	select {
	case <-src.Done():
	case <-cur.stopped:
	case <-c.Done():
		q.ClearPlaying()
	}
	if cur.forced() {
		return nil
	}
	q.release(cur)

	special := c.Data.Special
	q.finished.EachIsolated(q.logger, "playback-finished", func(fn FinishedHook) error {
		return fn(special)
	})
	return nil
}

// release forgets cur if it is still the current source.
func (q *Queue) release(cur *playing) {
	q.mu.Lock()
	if q.current == cur {
		q.current = nil
	}
	q.mu.Unlock()
}
