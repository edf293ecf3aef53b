// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/session"
	"github.com/jeranaias/rigrun-stage/internal/util"
)

// =============================================================================
// SNAPSHOT TYPE
// =============================================================================

// Snapshot is the persisted form of a session store: every session's
// ordered history plus the active session id.
type Snapshot struct {
	ActiveSession string                       `json:"active_session"`
	Sessions      map[string][]model.ChatEntry `json:"sessions"`
	SavedAt       time.Time                    `json:"saved_at"`
}

// SessionMeta summarizes one persisted session for listing.
type SessionMeta struct {
	ID           string `json:"id"`
	MessageCount int    `json:"message_count"`
	Preview      string `json:"preview"` // First user message truncated
	Active       bool   `json:"active"`
}

// Backend persists snapshots.
type Backend interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

// Kinds of backend accepted by Open.
const (
	KindSQLite = "sqlite"
	KindJSON   = "json"
)

// Open returns the backend named by kind, stored at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case KindSQLite, "":
		return OpenSQLite(path)
	case KindJSON:
		return NewFileStore(path)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

// =============================================================================
// SESSION STORE BINDING
// =============================================================================

// Capture takes a snapshot of store.
func Capture(store *session.Store) Snapshot {
	return Snapshot{
		ActiveSession: store.ActiveSessionID(),
		Sessions:      store.GetAllSessions(),
		SavedAt:       time.Now().UTC(),
	}
}

// SaveFunc adapts b to the session auto-saver.
func SaveFunc(b Backend) session.SaveFunc {
	return func(ctx context.Context, store *session.Store) error {
		rev := store.Revision()
		if err := b.Save(ctx, Capture(store)); err != nil {
			return err
		}
		store.MarkCleanAt(rev)
		return nil
	}
}

// Restore loads the last snapshot into store. A missing snapshot leaves the
// store untouched and is not an error.
func Restore(ctx context.Context, b Backend, store *session.Store) error {
	snap, err := b.Load(ctx)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if len(snap.Sessions) == 0 {
		return nil
	}
	store.ReplaceSessions(snap.Sessions)
	if _, ok := snap.Sessions[snap.ActiveSession]; ok {
		store.SetActiveSession(snap.ActiveSession)
	}
	store.MarkClean()
	return nil
}

// Summarize lists the sessions of snap in id order.
func Summarize(snap Snapshot) []SessionMeta {
	ids := make([]string, 0, len(snap.Sessions))
	for id := range snap.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	metas := make([]SessionMeta, 0, len(ids))
	for _, id := range ids {
		entries := snap.Sessions[id]
		metas = append(metas, SessionMeta{
			ID:           id,
			MessageCount: len(entries),
			Preview:      preview(entries),
			Active:       id == snap.ActiveSession,
		})
	}
	return metas
}

// preview returns the first user message, rune-truncated.
func preview(entries []model.ChatEntry) string {
	for _, e := range entries {
		if e.Role != model.RoleUser {
			continue
		}
		return util.TruncateRunes(util.OneLine(e.Content.String()), 60)
	}
	return ""
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrSnapshotNotFound is returned when nothing has been saved yet.
// Use errors.Is(err, ErrSnapshotNotFound) to check for this error.
var ErrSnapshotNotFound = &StorageError{Message: "snapshot not found"}

// StorageError represents a persistence error.
type StorageError struct {
	Message string
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing storage errors.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// IsNotFound reports whether err means no snapshot exists.
func IsNotFound(err error) bool {
	se, ok := err.(*StorageError)
	return ok && se.Is(ErrSnapshotNotFound)
}

// =============================================================================
// LIST FORMATTING
// =============================================================================

// FormatSessionList renders metas as a table.
func FormatSessionList(metas []SessionMeta) string {
	if len(metas) == 0 {
		return "No sessions found."
	}

	var sb strings.Builder
	sb.WriteString("Sessions:\n")
	sb.WriteString("-----------------------------------------------------\n")
	sb.WriteString(formatPadded("ID", 16) + " " + formatPadded("Messages", 8) + " Preview\n")
	sb.WriteString("-----------------------------------------------------\n")
	for _, m := range metas {
		id := m.ID
		if m.Active {
			id = "*" + id
		}
		sb.WriteString(formatPadded(id, 16) + " " + formatPadded(fmt.Sprint(m.MessageCount), 8) + " " + m.Preview + "\n")
	}
	return sb.String()
}

func formatPadded(s string, width int) string {
	runes := []rune(s)
	if len(runes) >= width {
		return string(runes[:width])
	}
	return s + strings.Repeat(" ", width-len(runes))
}
