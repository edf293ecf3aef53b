// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/marker"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
	"github.com/jeranaias/rigrun-stage/internal/pipeline"
	"github.com/jeranaias/rigrun-stage/internal/playback"
	"github.com/jeranaias/rigrun-stage/internal/segment"
	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// =============================================================================
// SPEECH CHAIN
// =============================================================================

// SpeechOptions configures the speech chain.
type SpeechOptions struct {
	Output         playback.Output
	MinChunkLength int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Speech connects pipeline tokens to segmentation, playback, and the delay and
// emotion queues that react to finished utterances.
type Speech struct {
	logger *slog.Logger

	Segments *segment.Queue
	Playback *playback.Queue
	Delays   *tasks.Queue[string]
	Emotions *tasks.Queue[string]
	Cues     *tasks.Queue[segment.Emotion]

	mu        sync.Mutex
	spoken    []string
	disposers hooks.Disposers
	closeOnce sync.Once
}

// NewSpeech wires a speech chain to p.
func NewSpeech(p *pipeline.Pipeline, opts SpeechOptions) *Speech {
	logger := logging.Component(opts.Logger, "speech")
	taskOpts := func(name string) tasks.Options {
		return tasks.Options{Name: name, Logger: opts.Logger, Observer: opts.Metrics}
	}

	s := &Speech{logger: logger}
	s.Segments = segment.New(segment.Options{
		MinChunkLength: opts.MinChunkLength,
		Logger:         opts.Logger,
		Observer:       opts.Metrics,
	})
	s.Playback = playback.New(taskOpts("playback"))
	s.Playback.ConnectOutput(opts.Output)
	s.Cues = tasks.New(taskOpts("emotion-cue"), func(c *tasks.Context[segment.Emotion]) error {
		logger.Debug("emotion cue", "emotion", string(c.Data))
		return nil
	})
	s.Delays = segment.NewDelayQueue(taskOpts("delay"))
	s.Emotions = segment.NewEmotionQueue(taskOpts("emotion"), s.Cues)

	s.disposers.Add(p.OnTokenLiteral(func(_ context.Context, token string) error {
		s.Segments.Enqueue(segment.Literal(token))
		return nil
	}))
	s.disposers.Add(p.OnTokenSpecial(func(_ context.Context, token string) error {
		s.Segments.Enqueue(segment.Special(token))
		return nil
	}))
	s.disposers.Add(s.Segments.OnSegmented(func(it segment.Item) error {
		switch it.Type {
		case segment.TypeLiteral:
			s.Playback.Enqueue(playback.Item{Text: it.Value})
		case segment.TypeSpecial:
			s.Playback.Enqueue(playback.Item{Special: it.Value})
		}
		return nil
	}))
	s.disposers.Add(s.Playback.OnPlaybackStarted(func(text string) error {
		if text == "" {
			return nil
		}
		s.mu.Lock()
		s.spoken = append(s.spoken, text)
		s.mu.Unlock()
		return nil
	}))
	s.disposers.Add(s.Playback.OnPlaybackFinished(func(special string) error {
		if special == "" {
			return nil
		}
		s.Delays.Enqueue(special)
		s.Emotions.Enqueue(special)
		return nil
	}))
	return s
}

// OnEmotion registers fn for every detected emotion marker.
func (s *Speech) OnEmotion(fn func(segment.Emotion)) (dispose func()) {
	return s.Emotions.On(segment.EventEmotion, func(payload any) {
		if e, ok := payload.(segment.Emotion); ok {
			fn(e)
		}
	})
}

// OnDelay registers fn for every delay directive.
func (s *Speech) OnDelay(fn func(time.Duration)) (dispose func()) {
	return s.Delays.On(segment.EventDelay, func(payload any) {
		if d, ok := payload.(time.Duration); ok {
			fn(d)
		}
	})
}

// Spoken returns and clears the utterances played since the last call.
func (s *Speech) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.spoken
	s.spoken = nil
	return out
}

// Drain waits until every queued token has been segmented and played, and
// every reaction to it has run. The chunk reader hands items to playback
// asynchronously, so the queues are checked again after a short settle.
func (s *Speech) Drain(ctx context.Context) error {
	waits := []func(context.Context) error{
		s.Segments.Tasks().WaitIdle,
		s.Playback.Tasks().WaitIdle,
		s.Delays.WaitIdle,
		s.Emotions.WaitIdle,
		s.Cues.WaitIdle,
	}
	for pass := 0; pass < 2; pass++ {
		for _, wait := range waits {
			if err := wait(ctx); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainSettle):
		}
	}
	return nil
}

const drainSettle = 20 * time.Millisecond

// Interrupt drops everything not yet spoken.
func (s *Speech) Interrupt() {
	s.Playback.ClearAll()
	s.Delays.Clear()
}

// Close unhooks the chain from the pipeline and stops every queue.
func (s *Speech) Close() {
	s.closeOnce.Do(func() {
		s.disposers.Dispose()
		s.Segments.Close()
		s.Playback.Close()
		s.Delays.Close()
		s.Emotions.Close()
		s.Cues.Close()
	})
}

// =============================================================================
// OUTPUT
// =============================================================================

// InstantOutput plays every item instantly and silently. It lets the speech
// chain run where no audio device exists.
type InstantOutput struct{}

// NewSource implements playback.Output.
func (InstantOutput) NewSource([]byte) (playback.Source, error) {
	return &instantSource{done: make(chan struct{})}, nil
}

// Attach implements playback.Output.
func (InstantOutput) Attach(playback.Source) error { return nil }

type instantSource struct {
	done chan struct{}
	once sync.Once
}

func (s *instantSource) Start() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *instantSource) Stop() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *instantSource) Disconnect() error      { return nil }
func (s *instantSource) Done() <-chan struct{} { return s.done }

// visibleText strips the zero-width control sequences from a literal token.
func visibleText(token string) string {
	if !strings.ContainsAny(token, marker.FlushInstruction+marker.SpecialSentinel) {
		return token
	}
	return strings.NewReplacer(marker.FlushInstruction, "", marker.SpecialSentinel, "").Replace(token)
}
