// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
)

// EventError is emitted with a *HandlerError whenever a handler fails.
const EventError = "error"

// =============================================================================
// HANDLERS
// =============================================================================

// Handler processes one queue item. Returning an error marks the item failed
// and skips the remaining handlers of the chain.
type Handler[T any] func(c *Context[T]) error

// Context is passed to every handler of an item's chain. The embedded
// context is canceled when the queue is cleared or closed while the item runs.
type Context[T any] struct {
	context.Context

	// Data is the enqueued value.
	Data T

	// ItemID identifies the item in logs and errors.
	ItemID string

	q *Queue[T]
}

// Emit publishes payload to the queue's listeners for event.
func (c *Context[T]) Emit(event string, payload any) {
	c.q.emit(event, payload)
}

// Observer receives one call per settled item.
type Observer interface {
	ObserveItem(queue, status string, elapsed time.Duration)
}

// Options configures a queue.
type Options struct {
	// Name labels the queue in logs and metrics.
	Name string

	// Logger receives handler failures. Nil discards.
	Logger *slog.Logger

	// Observer is notified of every settled item. Optional.
	Observer Observer
}

// =============================================================================
// TASK QUEUE
// =============================================================================

// Queue runs enqueued items through its handler chain one at a time, in FIFO
// order. At most one handler chain is in flight per queue regardless of how
// many goroutines call Enqueue.
type Queue[T any] struct {
	name     string
	handlers []Handler[T]
	logger   *slog.Logger
	observer Observer

	// mu protects the fields below
	mu      sync.Mutex
	pending []*item[T]
	current *item[T]
	busy    bool
	idle    chan struct{}
	closed  bool

	wake chan struct{}
	done chan struct{}

	lmu       sync.Mutex
	listeners map[string]*hooks.Registry[func(any)]
}

// New creates a queue and starts its worker goroutine.
func New[T any](opts Options, handlers ...Handler[T]) *Queue[T] {
	idle := make(chan struct{})
	close(idle)

	name := opts.Name
	if name == "" {
		name = "queue"
	}

	q := &Queue[T]{
		name:      name,
		handlers:  handlers,
		logger:    logging.Component(opts.Logger, "queue").With("queue", name),
		observer:  opts.Observer,
		idle:      idle,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		listeners: make(map[string]*hooks.Registry[func(any)]),
	}
	go q.run()
	return q
}

// Name returns the queue label.
func (q *Queue[T]) Name() string {
	return q.name
}

// =============================================================================
// PRODUCER API
// =============================================================================

// Enqueue appends data to the queue. The returned ticket settles when the
// item finishes, fails, or is dropped; it never blocks the caller.
func (q *Queue[T]) Enqueue(data T) *Ticket {
	it := newItem(data)
	t := &Ticket{done: it.done, status: q.statusFunc(it)}

	q.mu.Lock()
	if q.closed {
		it.settle(StatusDropped)
		q.mu.Unlock()
		q.observe(StatusDropped, 0)
		return t
	}
	q.pending = append(q.pending, it)
	if !q.busy {
		q.busy = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	q.signal()
	return t
}

// Clear drops every item that has not started and cancels the context of the
// item currently running. The running handler still returns normally, so
// anything waiting on its ticket is released.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	dropped := q.dropPendingLocked()
	if q.current != nil {
		q.current.cancel()
	}
	q.mu.Unlock()

	for range dropped {
		q.observe(StatusDropped, 0)
	}
	if len(dropped) > 0 {
		q.logger.Debug("queue cleared", "dropped", len(dropped))
	}
	q.signal()
}

// Close clears the queue and stops the worker once the running item returns.
// Items enqueued after Close settle immediately as dropped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.dropPendingLocked()
	if q.current != nil {
		q.current.cancel()
	}
	q.mu.Unlock()

	for range dropped {
		q.observe(StatusDropped, 0)
	}
	q.signal()
}

// Done is closed after Close once the worker has exited.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of items waiting to start.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running reports whether a handler chain is in flight.
func (q *Queue[T]) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// Idle returns a channel that is closed once the queue has no pending or
// running items. A new channel is handed out each time the queue gets busy.
func (q *Queue[T]) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// WaitIdle blocks until the queue drains or ctx ends.
func (q *Queue[T]) WaitIdle(ctx context.Context) error {
	select {
	case <-q.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// On subscribes fn to event. The returned func removes the subscription.
func (q *Queue[T]) On(event string, fn func(payload any)) func() {
	q.lmu.Lock()
	reg, ok := q.listeners[event]
	if !ok {
		reg = &hooks.Registry[func(any)]{}
		q.listeners[event] = reg
	}
	q.lmu.Unlock()
	return reg.Add(fn)
}

// OnError subscribes fn to handler failures.
func (q *Queue[T]) OnError(fn func(err *HandlerError)) func() {
	return q.On(EventError, func(payload any) {
		if herr, ok := payload.(*HandlerError); ok {
			fn(herr)
		}
	})
}

func (q *Queue[T]) emit(event string, payload any) {
	q.lmu.Lock()
	reg := q.listeners[event]
	q.lmu.Unlock()
	if reg == nil {
		return
	}
	reg.EachIsolated(q.logger, event, func(fn func(any)) error {
		fn(payload)
		return nil
	})
}

// =============================================================================
// WORKER
// =============================================================================

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		it, ok := q.next()
		if !ok {
			return
		}
		if it == nil {
			<-q.wake
			continue
		}
		q.process(it)
	}
}

// next pops the head item. It returns (nil, true) when the worker should wait
// and (nil, false) when the queue is closed and drained.
func (q *Queue[T]) next() (*item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.current = nil
	if len(q.pending) == 0 {
		if q.busy {
			q.busy = false
			close(q.idle)
		}
		return nil, !q.closed
	}

	it := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	it.status = StatusRunning
	q.current = it
	return it, true
}

func (q *Queue[T]) process(it *item[T]) {
	start := time.Now()
	c := &Context[T]{Context: it.ctx, Data: it.data, ItemID: it.id, q: q}

	status := StatusComplete
	for _, h := range q.handlers {
		if it.ctx.Err() != nil {
			status = StatusCanceled
			break
		}
		err := hooks.Safe(func() error { return h(c) })
		if err == nil {
			continue
		}
		status = StatusFailed
		herr := &HandlerError{Queue: q.name, ItemID: it.id, Item: it.data, Err: err}
		q.logger.Warn("queue handler failed", "item", it.id, "error", err)
		q.emit(EventError, herr)
		break
	}

	q.mu.Lock()
	if status == StatusComplete && it.ctx.Err() != nil {
		status = StatusCanceled
	}
	it.settle(status)
	q.mu.Unlock()

	q.observe(status, time.Since(start))
}

func (q *Queue[T]) dropPendingLocked() []*item[T] {
	dropped := q.pending
	q.pending = nil
	for _, it := range dropped {
		it.settle(StatusDropped)
	}
	return dropped
}

func (q *Queue[T]) observe(status Status, elapsed time.Duration) {
	if q.observer != nil {
		q.observer.ObserveItem(q.name, status.String(), elapsed)
	}
}

func (q *Queue[T]) statusFunc(it *item[T]) func() Status {
	return func() Status {
		q.mu.Lock()
		defer q.mu.Unlock()
		return it.status
	}
}

// =============================================================================
// TICKET
// =============================================================================

// Ticket tracks one enqueued item.
type Ticket struct {
	done   chan struct{}
	status func() Status
}

// Done is closed when the item settles.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Status returns the item's current status.
func (t *Ticket) Status() Status {
	return t.status()
}

// Wait blocks until the item settles or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
		return t.Status(), nil
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}
