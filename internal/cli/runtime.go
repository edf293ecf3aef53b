// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/bridge"
	"github.com/jeranaias/rigrun-stage/internal/broadcast"
	"github.com/jeranaias/rigrun-stage/internal/channel"
	"github.com/jeranaias/rigrun-stage/internal/config"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/ollama"
	"github.com/jeranaias/rigrun-stage/internal/persona"
	"github.com/jeranaias/rigrun-stage/internal/pipeline"
	"github.com/jeranaias/rigrun-stage/internal/playback"
	"github.com/jeranaias/rigrun-stage/internal/session"
	"github.com/jeranaias/rigrun-stage/internal/storage"
)

// =============================================================================
// RUNTIME
// =============================================================================

// RuntimeOptions overrides parts of the runtime normally built from config.
type RuntimeOptions struct {
	// Streamer replaces the Ollama streamer.
	Streamer pipeline.Streamer

	// Hub shares a broadcast hub with sibling runtimes in this process.
	Hub *broadcast.Hub

	// Output plays speech items. Defaults to the instant console output.
	Output playback.Output

	// LogWriter receives text logs. Defaults to stderr.
	LogWriter io.Writer

	// Logger and Metrics are shared with the caller instead of built from
	// config. The caller keeps ownership of the logger's sinks.
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NoRemote skips the channel client regardless of config.
	NoRemote bool
}

// Runtime is one fully wired stage context: session store, pipeline,
// persona, persistence, bridge and speech chain.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Store    *session.Store
	Persona  *persona.Source
	Pipeline *pipeline.Pipeline
	Hub      *broadcast.Hub
	Channel  *channel.Client
	Bridge   *bridge.Bridge
	Speech   *Speech

	// Ollama is the default streamer; nil when RuntimeOptions.Streamer is set.
	Ollama *ollama.Streamer

	backend storage.Backend
	saver   *session.AutoSaver
	watcher *persona.Watcher

	contextEP *broadcast.Endpoint[model.Envelope]
	streamEP  *broadcast.Endpoint[model.StreamEvent]

	logCloser   io.Closer
	stopPersona func()

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRuntime builds and installs every component described by cfg. The
// last saved snapshot is restored into the store before the bridge starts.
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (_ *Runtime, err error) {
	logger := opts.Logger
	var logCloser io.Closer
	if logger == nil {
		logger, logCloser, err = logging.New(logging.Options{
			Writer:   opts.LogWriter,
			JSONFile: cfg.Log.File,
			Level:    cfg.Log.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		logCloser: logCloser,
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.Metrics = opts.Metrics
	if rt.Metrics == nil && cfg.Metrics.Enabled {
		rt.Metrics = metrics.New()
	}

	rt.Store = session.NewStore(session.Options{
		Logger:       logger,
		SystemPrompt: cfg.Pipeline.SystemPrompt,
	})

	if err := rt.setupPersona(); err != nil {
		return nil, err
	}
	if err := rt.setupStorage(ctx); err != nil {
		return nil, err
	}

	streamer := opts.Streamer
	if streamer == nil {
		client := ollama.NewClient(ollama.ClientConfig{
			BaseURL:       cfg.Ollama.URL,
			StreamTimeout: cfg.Ollama.Timeout(),
			DefaultModel:  cfg.Ollama.Model,
			Logger:        logger,
		})
		rt.Ollama = ollama.NewStreamer(client, nil)
		streamer = rt.Ollama
	}

	rt.Pipeline = pipeline.New(pipeline.Config{
		Store:                rt.Store,
		Streamer:             streamer,
		MinLiteralEmitLength: cfg.Pipeline.MinLiteralEmitLength,
		Logger:               logger,
		Metrics:              rt.Metrics,
	})

	rt.Hub = opts.Hub
	if rt.Hub == nil {
		rt.Hub = broadcast.NewHub(logger)
	}
	rt.contextEP = broadcast.Open[model.Envelope](rt.Hub, model.ContextChannelName)
	rt.streamEP = broadcast.Open[model.StreamEvent](rt.Hub, model.StreamChannelName)

	deps := bridge.Deps{
		Pipeline:     rt.Pipeline,
		Store:        rt.Store,
		Context:      rt.contextEP,
		Stream:       rt.streamEP,
		SeenCapacity: cfg.Pipeline.SeenCapacity,
		Logger:       logger,
		Metrics:      rt.Metrics,
	}
	if cfg.Channel.Enabled && !opts.NoRemote {
		rt.Channel = channel.New(channel.Config{
			URL:         cfg.Channel.URL,
			Origin:      cfg.Channel.Origin,
			Name:        cfg.Channel.Name,
			Token:       cfg.Channel.Token,
			AuthTimeout: cfg.Channel.AuthTimeout(),
			SendRate:    cfg.Channel.SendRate,
			SendBurst:   cfg.Channel.SendBurst,
			Logger:      logger,
			Metrics:     rt.Metrics,
		})
		deps.Remote = rt.Channel
	}
	rt.Bridge = bridge.New(deps)
	if _, err := rt.Bridge.Install(ctx); err != nil {
		return nil, fmt.Errorf("install bridge: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = InstantOutput{}
	}
	rt.Speech = NewSpeech(rt.Pipeline, SpeechOptions{
		Output:         output,
		MinChunkLength: cfg.Pipeline.MinChunkLength,
		Logger:         logger,
		Metrics:        rt.Metrics,
	})

	return rt, nil
}

func (rt *Runtime) setupPersona() error {
	path := rt.Config.Persona.Path
	if path == "" {
		return nil
	}
	src, err := persona.Load(path, rt.Logger)
	if err != nil {
		return fmt.Errorf("persona: %w", err)
	}
	rt.Persona = src
	rt.stopPersona = rt.Store.WatchPersona(src)

	if rt.Config.Persona.Watch {
		w, err := persona.Watch(path, src, rt.Config.Persona.Debounce(), rt.Logger)
		if err != nil {
			return fmt.Errorf("watch persona: %w", err)
		}
		rt.watcher = w
	}
	return nil
}

func (rt *Runtime) setupStorage(ctx context.Context) error {
	path, err := rt.Config.StoragePath()
	if err != nil {
		return err
	}
	backend, err := storage.Open(rt.Config.Storage.Kind, path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	rt.backend = backend

	if err := storage.Restore(ctx, backend, rt.Store); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	rt.saver = session.NewAutoSaver(rt.Store, storage.SaveFunc(backend), session.AutoSaveConfig{
		Enabled:  rt.Config.Storage.AutoSave,
		Interval: rt.Config.Storage.Interval(),
	}, rt.Logger)
	return nil
}

// Start runs background work (periodic auto-save) until Close.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, rt.cancel = context.WithCancel(ctx)
	if rt.saver != nil && rt.Config.Storage.AutoSave {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.saver.Run(ctx)
		}()
	}
}

// Save flushes the store to the backend now.
func (rt *Runtime) Save(ctx context.Context) error {
	if rt.saver == nil {
		return nil
	}
	return rt.saver.Flush(ctx)
}

// Close stops background work, saves the store and releases every resource.
// It is safe to call more than once.
func (rt *Runtime) Close() error {
	var saveErr error
	rt.closeOnce.Do(func() {
		if rt.cancel != nil {
			rt.cancel()
		}
		rt.wg.Wait()

		if rt.Speech != nil {
			rt.Speech.Close()
		}
		if rt.Bridge != nil {
			rt.Bridge.Dispose()
		}
		if rt.Channel != nil {
			rt.Channel.Dispose()
		}
		if rt.contextEP != nil {
			rt.contextEP.Close()
		}
		if rt.streamEP != nil {
			rt.streamEP.Close()
		}
		if rt.watcher != nil {
			rt.watcher.Close()
		}
		if rt.stopPersona != nil {
			rt.stopPersona()
		}

		if rt.saver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			saveErr = rt.saver.Flush(ctx)
			cancel()
		}
		if rt.backend != nil {
			if err := rt.backend.Close(); err != nil && saveErr == nil {
				saveErr = err
			}
		}
		if rt.logCloser != nil {
			rt.logCloser.Close()
		}
	})
	return saveErr
}
