// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks provides an ordered single-flight work queue.
//
// A Queue runs each enqueued item through its handler chain to completion
// before starting the next one, so side effects owned by a consumer (tool-call
// bookkeeping, audio playback, text segmentation) never interleave. Each
// consumer gets its own Queue so a stall in one never blocks another.
//
// # Key Types
//
//   - Queue: FIFO executor with one worker goroutine
//   - Handler: One step of an item's handler chain
//   - Context: Per-item context carrying the data and an Emit side channel
//   - Ticket: Settlement handle returned by Enqueue
//   - HandlerError: Failure reported through the "error" event
//
// # Usage
//
//	q := tasks.New(tasks.Options{Name: "tool-calls"}, func(c *tasks.Context[Slice]) error {
//	    apply(c.Data)
//	    return nil
//	})
//	defer q.Close()
//
//	q.OnError(func(err *tasks.HandlerError) {
//	    log.Printf("handler failed: %v", err)
//	})
//
//	q.Enqueue(slice)
//	_ = q.WaitIdle(ctx)
//
// Clear drops every item that has not started and cancels the running item's
// context. Tickets of dropped items still settle, so waiters are never stranded.
package tasks
