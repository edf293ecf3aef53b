// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists session snapshots.
//
// A Snapshot is exactly the session store's in-memory shape: a map from
// session id to ordered chat entries, plus the active session id. Two
// backends are provided.
//
//   - SQLiteStore: one row per entry in a local SQLite database (default)
//   - FileStore: one JSON file written atomically
//
// # Usage
//
//	b, err := storage.Open(storage.KindSQLite, "~/.rigrun-stage/sessions.db")
//	err = storage.Restore(ctx, b, store)
//	saver := session.NewAutoSaver(store, storage.SaveFunc(b), cfg, logger)
//	go saver.Run(ctx)
package storage
