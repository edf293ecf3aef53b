// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
)

// Defaults for StartPayload and audio chunking.
const (
	DefaultFormat     = "pcm"
	DefaultSampleRate = 16000
	DefaultChunkSize  = 3200
)

var (
	// ErrClosed is reported to OnTerminated when the caller closes the session.
	ErrClosed = errors.New("transcription session closed")

	// ErrConnectionLost is reported when the server drops the connection
	// before completing the task.
	ErrConnectionLost = errors.New("transcription connection lost")
)

// TaskFailedError is the server's TaskFailed event.
type TaskFailedError struct {
	Status int
	Text   string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("transcription task failed (%d): %s", e.Status, e.Text)
}

// Hooks observe the transport. All are optional; panics are contained.
type Hooks struct {
	OnConnecting  func()
	OnOpen        func()
	OnClose       func(err error)
	OnServerEvent func(Event)
}

// Options configures a Session.
type Options struct {
	URL    string
	Origin string
	AppKey string

	// Start overrides recognition settings. Zero Format and SampleRate use
	// the defaults; intermediate results and punctuation are always enabled.
	Start StartPayload

	// ChunkSize is the audio frame size in bytes.
	ChunkSize int

	Hooks Hooks

	// OnTerminated runs exactly once, with nil after a completed task.
	OnTerminated func(err error)

	Logger *slog.Logger
}

// Session streams audio to a recognizer and exposes the transcript as an
// event stream.
type Session struct {
	opts   Options
	logger *slog.Logger
	audio  io.Reader
	taskID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	pr *io.PipeReader
	pw *io.PipeWriter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	open    bool
	pumping bool

	once sync.Once
	err  error
	done chan struct{}
}

// Start dials the recognizer and requests a transcription task. Audio is
// read from audio once the server confirms the task. A failed dial still
// runs OnTerminated.
func Start(ctx context.Context, audio io.Reader, opts Options) (*Session, error) {
	if opts.Start.Format == "" {
		opts.Start.Format = DefaultFormat
	}
	if opts.Start.SampleRate == 0 {
		opts.Start.SampleRate = DefaultSampleRate
	}
	opts.Start.EnableIntermediateResult = true
	opts.Start.EnablePunctuationPrediction = true
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	pr, pw := io.Pipe()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:   opts,
		logger: logging.Component(opts.Logger, "transcription"),
		audio:  audio,
		taskID: newID(),
		pr:     pr,
		pw:     pw,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.hook(func() {
		if opts.Hooks.OnConnecting != nil {
			opts.Hooks.OnConnecting()
		}
	})

	conn, err := s.dial(ctx)
	if err != nil {
		s.terminate(err)
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.open = true
	s.mu.Unlock()

	s.hook(func() {
		if opts.Hooks.OnOpen != nil {
			opts.Hooks.OnOpen()
		}
	})

	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.terminate(ctx.Err())
		case <-s.done:
		}
	}()

	if err := s.send(newCommand(CommandStart, s.taskID, opts.AppKey, opts.Start)); err != nil {
		s.terminate(err)
		return nil, err
	}
	return s, nil
}

// Output is the transcript as server-sent events. It ends with io.EOF after
// a completed task, or with the termination error.
func (s *Session) Output() io.Reader {
	return s.pr
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the termination error after Done.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops the task and releases the connection. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.terminate(ErrClosed)
	return nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(s.opts.URL, s.opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("transcription url: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	return conn, nil
}

func (s *Session) send(cmd command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return websocket.JSON.Send(s.conn, cmd)
}

func (s *Session) sendAudio(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return websocket.Message.Send(s.conn, b)
}

func (s *Session) readLoop() {
	for {
		var ev Event
		if err := websocket.JSON.Receive(s.conn, &ev); err != nil {
			s.mu.Lock()
			wasOpen := s.open
			s.open = false
			s.mu.Unlock()
			s.hook(func() {
				if s.opts.Hooks.OnClose != nil {
					s.opts.Hooks.OnClose(err)
				}
			})
			if wasOpen {
				s.terminate(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}

		s.hook(func() {
			if s.opts.Hooks.OnServerEvent != nil {
				s.opts.Hooks.OnServerEvent(ev)
			}
		})
		if err := s.handle(ev); err != nil {
			s.terminate(err)
			return
		}
	}
}

func (s *Session) handle(ev Event) error {
	switch ev.Header.Name {
	case EventStarted:
		s.mu.Lock()
		start := !s.pumping
		s.pumping = true
		s.mu.Unlock()
		if start {
			go s.pump()
		}

	case EventSentenceEnd:
		var p SentenceEndPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode sentence: %w", err)
		}
		if p.Result != "" {
			if err := writeSSE(s.pw, Delta{Delta: p.Result + "\n", Type: DeltaText}); err != nil {
				return err
			}
		}
		return writeSSE(s.pw, Delta{Type: DeltaDone})

	case EventCompleted:
		s.mu.Lock()
		s.open = false
		s.mu.Unlock()
		s.terminate(nil)

	case EventTaskFailed:
		return &TaskFailedError{Status: ev.Header.Status, Text: ev.Header.StatusText}
	}
	return nil
}

// pump forwards audio until the reader ends, then asks the server to finish.
func (s *Session) pump() {
	buf := make([]byte, s.opts.ChunkSize)
	for {
		if s.ctx.Err() != nil {
			return
		}
		n, err := s.audio.Read(buf)
		if n > 0 && s.ctx.Err() == nil {
			if werr := s.sendAudio(buf[:n]); werr != nil {
				s.terminate(fmt.Errorf("send audio: %w", werr))
				return
			}
		}
		if errors.Is(err, io.EOF) {
			if serr := s.send(newCommand(CommandStop, s.taskID, s.opts.AppKey, nil)); serr != nil {
				s.terminate(fmt.Errorf("stop transcription: %w", serr))
			}
			return
		}
		if err != nil {
			s.terminate(fmt.Errorf("read audio: %w", err))
			return
		}
	}
}

// =============================================================================
// TERMINATION
// =============================================================================

func (s *Session) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()

		if c, ok := s.audio.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				s.logger.Debug("close audio", "error", cerr)
			}
		}

		s.mu.Lock()
		conn, open := s.conn, s.open
		s.open = false
		s.mu.Unlock()
		if conn != nil {
			if open {
				if serr := s.send(newCommand(CommandStop, s.taskID, s.opts.AppKey, nil)); serr != nil {
					s.logger.Debug("send stop", "error", serr)
				}
			}
			conn.Close()
		}

		if err != nil {
			s.logger.Warn("transcription terminated", "error", err)
		}
		s.hook(func() {
			if s.opts.OnTerminated != nil {
				s.opts.OnTerminated(err)
			}
		})

		s.pw.CloseWithError(err)
		close(s.done)
	})
}

func (s *Session) hook(fn func()) {
	if err := hooks.Safe(func() error { fn(); return nil }); err != nil {
		s.logger.Error("transcription hook failed", "error", err)
	}
}
