// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package segment

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/marker"
	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// DefaultMinChunkLength is the number of runes a chunk must reach before
// sentence punctuation ends it.
const DefaultMinChunkLength = 12

// ItemType tags a segmentation input or output.
type ItemType string

const (
	TypeLiteral ItemType = "literal"
	TypeSpecial ItemType = "special"
)

// Item is a literal run or a special token.
type Item struct {
	Type  ItemType
	Value string
}

// Literal returns a literal item.
func Literal(s string) Item { return Item{Type: TypeLiteral, Value: s} }

// Special returns a special item.
func Special(s string) Item { return Item{Type: TypeSpecial, Value: s} }

// SegmentedHook receives each finished chunk, and the special paired with it.
type SegmentedHook func(Item) error

// Options configures a segmentation queue.
type Options struct {
	// MinChunkLength gates punctuation splits (runes). Zero uses the default.
	MinChunkLength int

	Logger   *slog.Logger
	Observer tasks.Observer
}

// =============================================================================
// QUEUE
// =============================================================================

// Queue turns the token stream into speech-sized chunks. Literal items are
// written to a pipe; special items are remembered and replaced in the pipe by
// the special sentinel so the chunk reader knows where they sat.
type Queue struct {
	logger    *slog.Logger
	minLength int
	queue     *tasks.Queue[Item]

	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	specials []string

	segmented hooks.Registry[SegmentedHook]

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a queue and starts its chunk reader.
func New(opts Options) *Queue {
	if opts.MinChunkLength <= 0 {
		opts.MinChunkLength = DefaultMinChunkLength
	}
	pr, pw := io.Pipe()
	q := &Queue{
		logger:    logging.Component(opts.Logger, "segment"),
		minLength: opts.MinChunkLength,
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}
	q.queue = tasks.New(tasks.Options{
		Name:     "segment",
		Logger:   opts.Logger,
		Observer: opts.Observer,
	}, q.write)
	go q.read()
	return q
}

// OnSegmented registers a chunk hook.
func (q *Queue) OnSegmented(fn SegmentedHook) (dispose func()) {
	return q.segmented.Add(fn)
}

// Enqueue schedules it for segmentation.
func (q *Queue) Enqueue(it Item) *tasks.Ticket {
	return q.queue.Enqueue(it)
}

// Tasks exposes the underlying queue.
func (q *Queue) Tasks() *tasks.Queue[Item] {
	return q.queue
}

// Close stops accepting input once queued items are written, flushes the
// last chunk and waits for the reader.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		<-q.queue.Idle()
		q.queue.Close()
		<-q.queue.Done()
		q.pw.Close()
	})
	<-q.done
}

func (q *Queue) write(c *tasks.Context[Item]) error {
	switch c.Data.Type {
	case TypeSpecial:
		q.mu.Lock()
		q.specials = append(q.specials, c.Data.Value)
		q.mu.Unlock()
		_, err := io.WriteString(q.pw, marker.SpecialSentinel)
		return err
	default:
		_, err := io.WriteString(q.pw, c.Data.Value)
		return err
	}
}

func (q *Queue) nextSpecial() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.specials) == 0 {
		return "", false
	}
	s := q.specials[0]
	q.specials = q.specials[1:]
	return s, true
}

// =============================================================================
// CHUNK READER
// =============================================================================

var (
	sentinel = []rune(marker.SpecialSentinel)[0]
	flush    = []rune(marker.FlushInstruction)[0]
)

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '\n', '。', '！', '？', '；', '…':
		return true
	}
	return false
}

func (q *Queue) read() {
	defer close(q.done)

	br := bufio.NewReader(q.pr)
	var chunk strings.Builder
	n := 0

	for {
		r, _, err := br.ReadRune()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				q.logger.Warn("chunk reader stopped", "error", err)
			}
			q.emitChunk(chunk.String())
			return
		}

		switch {
		case r == sentinel:
			q.emitChunk(chunk.String())
			chunk.Reset()
			n = 0
			if special, ok := q.nextSpecial(); ok {
				q.emit(Special(special))
			}
		case r == flush:
			q.emitChunk(chunk.String())
			chunk.Reset()
			n = 0
		case r == utf8.RuneError:
		default:
			chunk.WriteRune(r)
			n++
			if n >= q.minLength && isSentenceEnd(r) {
				q.emitChunk(chunk.String())
				chunk.Reset()
				n = 0
			}
		}
	}
}

func (q *Queue) emitChunk(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	q.emit(Literal(s))
}

func (q *Queue) emit(it Item) {
	q.segmented.EachIsolated(q.logger, "segmented", func(fn SegmentedHook) error {
		return fn(it)
	})
}
