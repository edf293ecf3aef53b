// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/logging"
)

// =============================================================================
// AUTO-SAVE
// =============================================================================

// SaveFunc persists a snapshot of every session.
type SaveFunc func(ctx context.Context, s *Store) error

// AutoSaveConfig holds configuration for the auto-saver.
type AutoSaveConfig struct {
	// Enabled turns periodic saving on
	Enabled bool

	// Interval is how often dirty state is flushed (default: 30 seconds)
	Interval time.Duration
}

// DefaultAutoSaveConfig returns the default auto-save configuration.
func DefaultAutoSaveConfig() AutoSaveConfig {
	return AutoSaveConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// AutoSaver flushes a store to persistence whenever it is dirty.
type AutoSaver struct {
	store  *Store
	save   SaveFunc
	cfg    AutoSaveConfig
	logger *slog.Logger

	mu       sync.Mutex
	lastSave time.Time
	lastErr  error
}

// NewAutoSaver creates an auto-saver for store.
func NewAutoSaver(store *Store, save SaveFunc, cfg AutoSaveConfig, logger *slog.Logger) *AutoSaver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAutoSaveConfig().Interval
	}
	return &AutoSaver{
		store:  store,
		save:   save,
		cfg:    cfg,
		logger: logging.Component(logger, "autosave"),
	}
}

// ShouldSave returns true if the store is dirty and the interval has elapsed.
func (a *AutoSaver) ShouldSave() bool {
	if !a.cfg.Enabled || !a.store.IsDirty() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastSave) >= a.cfg.Interval
}

// Flush saves immediately when the store is dirty.
func (a *AutoSaver) Flush(ctx context.Context) error {
	if !a.store.IsDirty() {
		return nil
	}
	rev := a.store.Revision()
	err := a.save(ctx, a.store)

	a.mu.Lock()
	a.lastErr = err
	if err == nil {
		a.lastSave = time.Now()
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("auto-save failed", "error", err)
		return err
	}
	a.store.MarkCleanAt(rev)
	return nil
}

// LastError returns the error of the most recent save attempt.
func (a *AutoSaver) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Run checks the store every interval until ctx ends, then performs a final
// flush with a fresh context.
func (a *AutoSaver) Run(ctx context.Context) {
	if !a.cfg.Enabled {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			if a.ShouldSave() {
				_ = a.Flush(ctx)
			}
		}
	}
}
