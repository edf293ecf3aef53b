// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// ErrClosed is returned when posting on a closed endpoint.
var ErrClosed = errors.New("broadcast endpoint closed")

// =============================================================================
// HUB
// =============================================================================

// Hub connects sibling contexts in one process through named channels.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[uint64]receiver
	nextID uint64
	logger *slog.Logger
}

// receiver is the untyped view of an endpoint used for delivery.
type receiver interface {
	deliver(data []byte)
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[uint64]receiver),
		logger: logging.Component(logger, "broadcast"),
	}
}

func (h *Hub) join(name string, r receiver) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	if h.topics[name] == nil {
		h.topics[name] = make(map[uint64]receiver)
	}
	h.topics[name][h.nextID] = r
	return h.nextID
}

func (h *Hub) leave(name string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.topics[name], id)
	if len(h.topics[name]) == 0 {
		delete(h.topics, name)
	}
}

// fanout hands data to every endpoint on name except the sender.
func (h *Hub) fanout(name string, from uint64, data []byte) int {
	h.mu.Lock()
	targets := make([]receiver, 0, len(h.topics[name]))
	for id, r := range h.topics[name] {
		if id != from {
			targets = append(targets, r)
		}
	}
	h.mu.Unlock()

	for _, r := range targets {
		r.deliver(data)
	}
	return len(targets)
}

// Subscribers returns the number of open endpoints on name.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[name])
}

// =============================================================================
// ENDPOINT
// =============================================================================

// Endpoint is one context's handle on a named channel. Messages are copied
// through JSON so receivers never share memory with the poster, and each
// endpoint delivers to its listeners on its own queue in post order.
type Endpoint[T any] struct {
	hub  *Hub
	name string
	id   uint64

	inbox     *tasks.Queue[[]byte]
	listeners hooks.Registry[func(T)]
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Open joins the channel name on h.
func Open[T any](h *Hub, name string) *Endpoint[T] {
	e := &Endpoint[T]{
		hub:    h,
		name:   name,
		logger: h.logger.With("channel", name),
	}
	e.inbox = tasks.New(tasks.Options{Name: "broadcast:" + name, Logger: h.logger}, e.dispatch)
	e.id = h.join(name, e)
	return e
}

// Name returns the channel name.
func (e *Endpoint[T]) Name() string {
	return e.name
}

// Post sends v to every other endpoint on the channel. The poster's own
// listeners never see it.
func (e *Endpoint[T]) Post(v T) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", e.name, err)
	}
	e.hub.fanout(e.name, e.id, data)
	return nil
}

// OnMessage registers fn for messages posted by other endpoints.
func (e *Endpoint[T]) OnMessage(fn func(T)) (dispose func()) {
	return e.listeners.Add(fn)
}

// Close leaves the channel and stops delivery. Safe to call more than once.
func (e *Endpoint[T]) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.leave(e.name, e.id)
	e.inbox.Close()
	e.listeners.Clear()
	return nil
}

func (e *Endpoint[T]) deliver(data []byte) {
	e.inbox.Enqueue(data)
}

func (e *Endpoint[T]) dispatch(c *tasks.Context[[]byte]) error {
	var v T
	if err := json.Unmarshal(c.Data, &v); err != nil {
		return fmt.Errorf("decode %s message: %w", e.name, err)
	}
	e.listeners.EachIsolated(e.logger, "broadcast-message", func(fn func(T)) error {
		fn(v)
		return nil
	})
	return nil
}
