// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SchemaVersion tracks the snapshot schema for migrations.
const SchemaVersion = 1

// Schema stores one row per chat entry. Entries are JSON so content parts,
// slices and tool results survive unchanged.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS entries (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    body TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_entries_role ON entries(role);
`

// SQLiteStore keeps the snapshot in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(
		"INSERT OR IGNORE INTO metadata(key, value) VALUES ('schema_version', ?)",
		fmt.Sprint(SchemaVersion),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Save replaces the stored snapshot in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO entries(session_id, seq, role, body) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, entries := range snap.Sessions {
		for seq, e := range entries {
			body, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry %s/%d: %w", id, seq, err)
			}
			if _, err := stmt.ExecContext(ctx, id, seq, string(e.Role), string(body)); err != nil {
				return fmt.Errorf("insert entry %s/%d: %w", id, seq, err)
			}
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	for k, v := range map[string]string{
		"active_session": snap.ActiveSession,
		"saved_at":       savedAt.Format(time.RFC3339Nano),
	} {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO metadata(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			k, v,
		); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}

	return tx.Commit()
}

// Load reads the stored snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var savedAt string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'saved_at'").Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read metadata: %w", err)
	}

	snap := Snapshot{Sessions: make(map[string][]model.ChatEntry)}
	snap.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	if err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'active_session'").Scan(&snap.ActiveSession); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("read metadata: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT session_id, body FROM entries ORDER BY session_id, seq")
	if err != nil {
		return Snapshot{}, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return Snapshot{}, fmt.Errorf("scan entry: %w", err)
		}
		var e model.ChatEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return Snapshot{}, fmt.Errorf("decode entry in %s: %w", id, err)
		}
		snap.Sessions[id] = append(snap.Sessions[id], e)
	}
	return snap, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
