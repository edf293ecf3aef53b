// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package segment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-stage/internal/marker"
	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

type sink struct {
	mu    sync.Mutex
	items []Item
}

func (s *sink) add(it Item) error {
	s.mu.Lock()
	s.items = append(s.items, it)
	s.mu.Unlock()
	return nil
}

func (s *sink) snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...)
}

func TestQueue_PairsChunksWithSpecials(t *testing.T) {
	q := New(Options{MinChunkLength: 100})
	var got sink
	q.OnSegmented(got.add)

	q.Enqueue(Literal("Hello there, "))
	q.Enqueue(Literal("friend"))
	q.Enqueue(Special("<|DELAY:1|>"))
	q.Enqueue(Literal(" How are you"))
	q.Enqueue(Special("<|EMOTE_HAPPY|>"))
	q.Enqueue(Literal("Bye"))
	q.Close()

	assert.Equal(t, []Item{
		Literal("Hello there, friend"),
		Special("<|DELAY:1|>"),
		Literal("How are you"),
		Special("<|EMOTE_HAPPY|>"),
		Literal("Bye"),
	}, got.snapshot())
}

func TestQueue_FlushInstructionEndsChunk(t *testing.T) {
	q := New(Options{MinChunkLength: 100})
	var got sink
	q.OnSegmented(got.add)

	q.Enqueue(Literal("first reply"))
	q.Enqueue(Literal(marker.FlushSignal))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Literal("first reply"), got.snapshot()[0])

	q.Enqueue(Literal("second"))
	q.Close()
	assert.Equal(t, []Item{Literal("first reply"), Literal("second")}, got.snapshot())
}

func TestQueue_PunctuationAfterMinLength(t *testing.T) {
	q := New(Options{MinChunkLength: 8})
	var got sink
	q.OnSegmented(got.add)

	q.Enqueue(Literal("Hi. Then more words. End."))
	q.Close()

	assert.Equal(t, []Item{
		Literal("Hi. Then more words."),
		Literal("End."),
	}, got.snapshot())
}

func TestQueue_SpecialWithoutTextStillReported(t *testing.T) {
	q := New(Options{})
	var got sink
	q.OnSegmented(got.add)

	q.Enqueue(Special("<|DELAY:2|>"))
	q.Close()

	assert.Equal(t, []Item{Special("<|DELAY:2|>")}, got.snapshot())
}

func TestQueue_HookFailureIsolated(t *testing.T) {
	q := New(Options{})
	var got sink
	q.OnSegmented(func(Item) error { return errors.New("tts down") })
	q.OnSegmented(got.add)

	q.Enqueue(Literal("still delivered"))
	q.Close()

	assert.Equal(t, []Item{Literal("still delivered")}, got.snapshot())
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in    string
		want  time.Duration
		found bool
	}{
		{"<|DELAY:2|>", 2 * time.Second, true},
		{"wait <|delay:1|> now", time.Second, true},
		{"<|DELAY:0|>", 0, true},
		{"<|DELAY:x|>", 0, false},
		{"plain", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDelay(tt.in)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDelayQueue_EmitsAndCancels(t *testing.T) {
	q := NewDelayQueue(tasks.Options{})
	defer q.Close()

	delays := make(chan time.Duration, 4)
	q.On(EventDelay, func(p any) { delays <- p.(time.Duration) })

	q.Enqueue("no directive")
	tk := q.Enqueue("<|DELAY:30|>")

	select {
	case d := <-delays:
		assert.Equal(t, 30*time.Second, d)
	case <-time.After(time.Second):
		t.Fatal("delay event not emitted")
	}

	q.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := tk.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCanceled, status)
}

func TestEmotionQueue_ForwardsToSink(t *testing.T) {
	emotions := make(chan Emotion, 4)
	consumer := tasks.New(tasks.Options{Name: "emotions"}, func(c *tasks.Context[Emotion]) error {
		emotions <- c.Data
		return nil
	})
	defer consumer.Close()

	q := NewEmotionQueue(tasks.Options{}, consumer)
	defer q.Close()

	var mu sync.Mutex
	var emitted []Emotion
	q.On(EventEmotion, func(p any) {
		mu.Lock()
		emitted = append(emitted, p.(Emotion))
		mu.Unlock()
	})

	q.Enqueue("nothing here")
	q.Enqueue(EmotionHappy.Marker())
	q.Enqueue("well <|EMOTE_THINK|> hmm")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
	require.NoError(t, consumer.WaitIdle(ctx))

	close(emotions)
	var forwarded []Emotion
	for e := range emotions {
		forwarded = append(forwarded, e)
	}
	assert.Equal(t, []Emotion{EmotionHappy, EmotionThink}, forwarded)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Emotion{EmotionHappy, EmotionThink}, emitted)
}

func TestFindEmotion(t *testing.T) {
	e, ok := FindEmotion("<|EMOTE_SURPRISED|>")
	require.True(t, ok)
	assert.Equal(t, EmotionSurprised, e)

	_, ok = FindEmotion("<|EMOTE_BORED|>")
	assert.False(t, ok)
}
