// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory keeps long-term memories as embedded text in SQLite and
// recalls them by cosine similarity.
//
// A Store holds rows of fixed embedding width. A Recaller pairs a Store with
// an Embedder so callers deal in plain text:
//
//	r := memory.NewRecaller(store, embedder, memory.RecallOptions{MinScore: 0.2})
//	r.Remember(ctx, "the user's cat is called Miso")
//	matches, _ := r.Recall(ctx, "what is my cat's name?")
package memory
