// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ITEM STATUS
// =============================================================================

// Status represents the final state of a queue item.
type Status string

const (
	// StatusQueued indicates the item is waiting for the worker
	StatusQueued Status = "queued"

	// StatusRunning indicates the item's handler chain is executing
	StatusRunning Status = "running"

	// StatusComplete indicates every handler returned without error
	StatusComplete Status = "complete"

	// StatusFailed indicates a handler returned an error or panicked
	StatusFailed Status = "failed"

	// StatusCanceled indicates the item was cleared while running
	StatusCanceled Status = "canceled"

	// StatusDropped indicates the item was cleared before it started
	StatusDropped Status = "dropped"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCanceled, StatusDropped:
		return true
	}
	return false
}

// =============================================================================
// ITEM
// =============================================================================

// item is one enqueued value plus its settlement bookkeeping.
type item[T any] struct {
	id       string
	data     T
	enqueued time.Time

	ctx    context.Context
	cancel context.CancelFunc

	status Status
	done   chan struct{}
}

func newItem[T any](data T) *item[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &item[T]{
		id:       uuid.New().String()[:8],
		data:     data,
		enqueued: time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusQueued,
		done:     make(chan struct{}),
	}
}

// settle records the final status and releases waiters. Callers hold the
// queue lock so settle runs exactly once per item.
func (it *item[T]) settle(status Status) {
	if it.status.IsTerminal() {
		return
	}
	it.status = status
	it.cancel()
	close(it.done)
}

// =============================================================================
// HANDLER ERRORS
// =============================================================================

// HandlerError reports a handler failure through the queue's error event.
type HandlerError struct {
	Queue  string
	ItemID string
	Item   any
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("queue %s: item %s: %v", e.Queue, e.ItemID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
