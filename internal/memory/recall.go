// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"fmt"
	"strings"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// RecallOptions tunes a Recaller.
type RecallOptions struct {
	// MinScore drops matches below this cosine similarity.
	MinScore float64

	// Limit caps Recall results. Zero uses DefaultLimit.
	Limit int
}

// Recaller stores and recalls memories by text.
type Recaller struct {
	store    *Store
	embedder Embedder
	opts     RecallOptions
}

// NewRecaller pairs store with embedder.
func NewRecaller(store *Store, embedder Embedder, opts RecallOptions) *Recaller {
	return &Recaller{store: store, embedder: embedder, opts: opts}
}

// Remember embeds text and stores it.
func (r *Recaller) Remember(ctx context.Context, text string) (Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Record{}, ErrEmptyContent
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return Record{}, fmt.Errorf("embed memory: %w", err)
	}
	return r.store.Add(ctx, text, vec)
}

// Recall returns memories similar to query that reach MinScore, best first.
func (r *Recaller) Recall(ctx context.Context, query string) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := r.store.Search(ctx, vec, r.opts.Limit)
	if err != nil {
		return nil, err
	}
	kept := matches[:0]
	for _, m := range matches {
		if m.Score >= r.opts.MinScore {
			kept = append(kept, m)
		}
	}
	return kept, nil
}
