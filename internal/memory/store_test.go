// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FIXTURES
// =============================================================================

func openStore(t *testing.T, path string, dims int) *Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "memory.db")
	}
	s, err := Open(path, Options{Dims: dims})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// keywordEmbedder scores text on three axes so similarity is predictable.
var keywordEmbedder = EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
	text = strings.ToLower(text)
	vec := []float32{0, 0, 0}
	for i, word := range []string{"cat", "coffee", "rain"} {
		if strings.Contains(text, word) {
			vec[i] = 1
		}
	}
	if vec[0]+vec[1]+vec[2] == 0 {
		vec = []float32{-1, -1, -1}
	}
	return vec, nil
})

// =============================================================================
// STORE
// =============================================================================

func TestStore_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "", 3)

	_, err := s.Add(ctx, "likes cats", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = s.Add(ctx, "drinks coffee", []float32{0, 1, 0})
	require.NoError(t, err)
	_, err = s.Add(ctx, "cat cafe", []float32{1, 1, 0})
	require.NoError(t, err)

	matches, err := s.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "likes cats", matches[0].Content)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, "cat cafe", matches[1].Content)
	assert.InDelta(t, 0.7071, matches[1].Score, 1e-3)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "", 3)

	_, err := s.Add(ctx, "short", []float32{1, 0})
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	_, err = s.Add(ctx, "", []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = s.Search(ctx, []float32{1}, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "", 3)
	_, err := s.Add(ctx, "forget me", []float32{0, 0, 1})
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	matches, err := s.Search(ctx, []float32{0, 0, 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestStore_ReopenWithOtherWidthDropsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := Open(path, Options{Dims: 3})
	require.NoError(t, err)
	_, err = s.Add(ctx, "three wide", []float32{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	same := openStore(t, path, 3)
	n, err := same.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "same width keeps rows")
	require.NoError(t, same.Close())

	wider := openStore(t, path, 4)
	n, err = wider.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_BackupRestore(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, "", 3)
	_, err := src.Add(ctx, "first", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = src.Add(ctx, "second", []float32{0, 1, 0})
	require.NoError(t, err)

	records, err := src.Backup(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	dst := openStore(t, "", 3)
	withJunk := append(records, Record{Content: "wrong width", Embedding: []float32{1}})
	kept, err := dst.Restore(ctx, withJunk)
	require.NoError(t, err)
	assert.Equal(t, 2, kept)

	restored, err := dst.Backup(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, records, restored)

	_, err = dst.Restore(ctx, records)
	assert.ErrorIs(t, err, ErrNotEmpty, "restore never merges into existing rows")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 1}, []float32{-1, -1}), 1e-9)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
}

// =============================================================================
// RECALLER
// =============================================================================

func TestRecaller_RememberAndRecall(t *testing.T) {
	ctx := context.Background()
	r := NewRecaller(openStore(t, "", 3), keywordEmbedder, RecallOptions{MinScore: 0.5})

	for _, text := range []string{"My cat is called Miso", "I take coffee black", "  "} {
		_, err := r.Remember(ctx, text)
		if strings.TrimSpace(text) == "" {
			assert.ErrorIs(t, err, ErrEmptyContent)
			continue
		}
		require.NoError(t, err)
	}

	matches, err := r.Recall(ctx, "what is my cat's name?")
	require.NoError(t, err)
	require.Len(t, matches, 1, "coffee scores 0 and falls under the threshold")
	assert.Equal(t, "My cat is called Miso", matches[0].Content)

	matches, err = r.Recall(ctx, "will it rain?")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRecaller_EmbedError(t *testing.T) {
	boom := errors.New("model offline")
	r := NewRecaller(openStore(t, "", 3), EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, boom
	}), RecallOptions{})

	_, err := r.Remember(context.Background(), "anything")
	assert.ErrorIs(t, err, boom)
	_, err = r.Recall(context.Background(), "anything")
	assert.ErrorIs(t, err, boom)
}
