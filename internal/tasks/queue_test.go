// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitTimeout(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel")
	}
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestQueue_FIFOAndSingleFlight(t *testing.T) {
	var inFlight, maxInFlight int32
	var mu sync.Mutex
	var seen []int

	q := New(Options{Name: "order"}, func(c *Context[int]) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, c.Data)
		mu.Unlock()
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	defer q.Close()

	for i := 0; i < 20; i++ {
		q.Enqueue(i)
	}
	require.NoError(t, q.WaitIdle(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestQueue_ConcurrentProducersNeverOverlap(t *testing.T) {
	var inFlight int32
	var overlap atomic.Bool

	q := New(Options{Name: "producers"}, func(c *Context[int]) error {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(100 * time.Microsecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	defer q.Close()

	var wg sync.WaitGroup
	var tickets sync.Map
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				tickets.Store(p*100+i, q.Enqueue(p*100+i))
			}
		}(p)
	}
	wg.Wait()

	tickets.Range(func(_, v any) bool {
		waitTimeout(t, v.(*Ticket).Done())
		return true
	})
	assert.False(t, overlap.Load(), "two handler chains ran at once")
}

func TestQueue_HandlerChainRunsInOrder(t *testing.T) {
	var steps []string
	q := New(Options{},
		func(c *Context[string]) error { steps = append(steps, "first:"+c.Data); return nil },
		func(c *Context[string]) error { steps = append(steps, "second:"+c.Data); return nil },
	)
	defer q.Close()

	ticket := q.Enqueue("x")
	waitTimeout(t, ticket.Done())

	assert.Equal(t, []string{"first:x", "second:x"}, steps)
	assert.Equal(t, StatusComplete, ticket.Status())
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestQueue_HandlerErrorGoesToErrorEvent(t *testing.T) {
	boom := errors.New("boom")
	var processed []int
	q := New(Options{Name: "errors"}, func(c *Context[int]) error {
		if c.Data == 1 {
			return boom
		}
		if c.Data == 2 {
			panic("handler panic")
		}
		processed = append(processed, c.Data)
		return nil
	})
	defer q.Close()

	var mu sync.Mutex
	var errs []*HandlerError
	q.OnError(func(err *HandlerError) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	t1 := q.Enqueue(1)
	t2 := q.Enqueue(2)
	t3 := q.Enqueue(3)
	waitTimeout(t, t3.Done())

	assert.Equal(t, StatusFailed, t1.Status())
	assert.Equal(t, StatusFailed, t2.Status())
	assert.Equal(t, StatusComplete, t3.Status())
	assert.Equal(t, []int{3}, processed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, "errors", errs[0].Queue)
	assert.Equal(t, 1, errs[0].Item)
}

func TestQueue_CustomEvents(t *testing.T) {
	q := New(Options{}, func(c *Context[int]) error {
		c.Emit("double", c.Data*2)
		return nil
	})
	defer q.Close()

	got := make(chan any, 1)
	off := q.On("double", func(payload any) { got <- payload })
	defer off()

	q.Enqueue(21)
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("event not emitted")
	}
}

// =============================================================================
// CLEAR TESTS
// =============================================================================

func TestQueue_ClearDropsPendingAndCancelsCurrent(t *testing.T) {
	started := make(chan struct{})
	var canceled atomic.Bool

	q := New(Options{}, func(c *Context[int]) error {
		if c.Data == 0 {
			close(started)
			<-c.Done()
			canceled.Store(true)
		}
		return nil
	})
	defer q.Close()

	first := q.Enqueue(0)
	second := q.Enqueue(1)
	third := q.Enqueue(2)
	waitTimeout(t, started)

	q.Clear()

	waitTimeout(t, first.Done())
	waitTimeout(t, second.Done())
	waitTimeout(t, third.Done())

	assert.True(t, canceled.Load())
	assert.Equal(t, StatusCanceled, first.Status())
	assert.Equal(t, StatusDropped, second.Status())
	assert.Equal(t, StatusDropped, third.Status())
	waitTimeout(t, q.Idle())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_UsableAfterClear(t *testing.T) {
	var count int32
	q := New(Options{}, func(c *Context[int]) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	defer q.Close()

	q.Clear()
	ticket := q.Enqueue(1)
	waitTimeout(t, ticket.Done())
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestQueue_CloseStopsWorker(t *testing.T) {
	q := New(Options{}, func(c *Context[int]) error { return nil })
	q.Close()
	q.Close()
	waitTimeout(t, q.Done())

	ticket := q.Enqueue(1)
	waitTimeout(t, ticket.Done())
	assert.Equal(t, StatusDropped, ticket.Status())
}

// =============================================================================
// OBSERVER TESTS
// =============================================================================

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordingObserver) ObserveItem(queue, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, queue+":"+status)
}

func TestQueue_Observer(t *testing.T) {
	obs := &recordingObserver{}
	q := New(Options{Name: "obs", Observer: obs}, func(c *Context[int]) error {
		if c.Data < 0 {
			return errors.New("negative")
		}
		return nil
	})
	defer q.Close()

	q.Enqueue(1)
	last := q.Enqueue(-1)
	waitTimeout(t, last.Done())
	waitTimeout(t, q.Idle())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"obs:complete", "obs:failed"}, obs.statuses)
}

func TestTicket_WaitRespectsContext(t *testing.T) {
	block := make(chan struct{})
	q := New(Options{}, func(c *Context[int]) error {
		<-block
		return nil
	})
	defer q.Close()
	defer close(block)

	ticket := q.Enqueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ticket.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
