// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jeranaias/rigrun-stage/internal/hooks"
	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/model"
)

// DefaultSessionID is the session selected on startup and after a reset.
const DefaultSessionID = "default"

// Formatting preamble placed ahead of the persona prompt in every system entry.
const (
	CodeBlockSystemPrompt  = "- For any programming code block, always specify the programming language that supported on @shikijs/rehype on the rendered markdown, eg. ```python ... ```\n"
	MathSyntaxSystemPrompt = "- For any math equation, use LaTeX format, eg: $ x^3 $, always escape dollar sign outside math equation\n"
)

// =============================================================================
// CHANGE NOTIFICATIONS
// =============================================================================

// ChangeKind describes a mutation of the store.
type ChangeKind string

const (
	ChangeAppend  ChangeKind = "append"
	ChangeActive  ChangeKind = "active"
	ChangeCleanup ChangeKind = "cleanup"
	ChangeReplace ChangeKind = "replace"
	ChangeReset   ChangeKind = "reset"
	ChangePrompt  ChangeKind = "prompt"
)

// Change is delivered to OnChange callbacks after the store lock is released.
type Change struct {
	Kind      ChangeKind
	SessionID string
}

// PromptSource supplies the persona system prompt and reports changes to it.
type PromptSource interface {
	SystemPrompt() string
	OnSystemPromptChange(fn func(prompt string)) (dispose func())
}

// =============================================================================
// SESSION STORE
// =============================================================================

// Store holds every session's ordered history. The first entry of a
// non-empty session is always its system entry.
type Store struct {
	mu sync.Mutex

	sessions map[string][]model.ChatEntry
	active   string
	prompt   string
	// rev counts mutations; saved is the rev last persisted
	rev   uint64
	saved uint64

	changes hooks.Registry[func(Change)]
	logger  *slog.Logger
}

// Options configures a Store.
type Options struct {
	// Logger receives debug output. Nil discards.
	Logger *slog.Logger

	// SystemPrompt is the persona prompt used until a PromptSource is watched.
	SystemPrompt string
}

// NewStore creates a store whose active session is DefaultSessionID.
func NewStore(opts Options) *Store {
	s := &Store{
		sessions: make(map[string][]model.ChatEntry),
		active:   DefaultSessionID,
		prompt:   opts.SystemPrompt,
		logger:   logging.Component(opts.Logger, "session"),
	}
	s.ensureLocked(s.active)
	return s
}

// ComposeSystemPrompt prefixes the persona prompt with the formatting preamble.
func ComposeSystemPrompt(persona string) string {
	return CodeBlockSystemPrompt + MathSyntaxSystemPrompt + persona
}

func (s *Store) systemEntryLocked(sessionID string) model.ChatEntry {
	return model.NewSystemEntry(sessionID, ComposeSystemPrompt(s.prompt))
}

// ensureLocked creates the session with a single system entry when it is
// missing or empty. It reports whether anything was created.
func (s *Store) ensureLocked(sessionID string) bool {
	if len(s.sessions[sessionID]) > 0 {
		return false
	}
	s.sessions[sessionID] = []model.ChatEntry{s.systemEntryLocked(sessionID)}
	return true
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// EnsureSession creates sessionID with a single system entry if it does not
// exist or is empty. Calling it again is a no-op.
func (s *Store) EnsureSession(sessionID string) {
	s.mu.Lock()
	created := s.ensureLocked(sessionID)
	if created {
		s.rev++
	}
	s.mu.Unlock()

	if created {
		s.notify(Change{Kind: ChangeAppend, SessionID: sessionID})
	}
}

// SetActiveSession switches the active pointer and ensures the session exists.
func (s *Store) SetActiveSession(sessionID string) {
	s.mu.Lock()
	changed := s.active != sessionID
	s.active = sessionID
	s.ensureLocked(sessionID)
	s.rev++
	s.mu.Unlock()

	if changed {
		s.logger.Debug("active session switched", "session", sessionID)
	}
	s.notify(Change{Kind: ChangeActive, SessionID: sessionID})
}

// ActiveSessionID returns the active session id.
func (s *Store) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns a copy of the active session's history. It is never empty.
func (s *Store) Messages() []model.ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(s.active)
	return model.CloneEntries(s.sessions[s.active])
}

// History returns a copy of sessionID's history, or nil if it does not exist.
func (s *Store) History(sessionID string) []model.ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneEntries(s.sessions[sessionID])
}

// SessionIDs returns every session id in sorted order.
func (s *Store) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.sessions)
}

// =============================================================================
// MUTATION
// =============================================================================

// Append adds entry to sessionID, creating the session first if needed.
func (s *Store) Append(sessionID string, entry model.ChatEntry) {
	s.mu.Lock()
	s.ensureLocked(sessionID)
	s.sessions[sessionID] = append(s.sessions[sessionID], entry.Clone())
	s.rev++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppend, SessionID: sessionID})
}

// AppendToActive adds entry to the active session and returns its id.
func (s *Store) AppendToActive(entry model.ChatEntry) string {
	sessionID := s.ActiveSessionID()
	s.Append(sessionID, entry)
	return sessionID
}

// IngestContextMessage appends the entry carried by env to env's session,
// which need not be the active one. Odd payload shapes are coerced, never
// rejected.
func (s *Store) IngestContextMessage(env model.Envelope) {
	s.Append(env.SessionID, env.Entry())
}

// CleanupMessages replaces a session's history with a fresh system entry.
// An empty sessionID selects the active session.
func (s *Store) CleanupMessages(sessionID string) {
	s.mu.Lock()
	if sessionID == "" {
		sessionID = s.active
	}
	s.sessions[sessionID] = []model.ChatEntry{s.systemEntryLocked(sessionID)}
	s.rev++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeCleanup, SessionID: sessionID})
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// GetAllSessions returns a deep copy of every session.
func (s *Store) GetAllSessions() map[string][]model.ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneSessions(s.sessions)
}

// ReplaceSessions swaps in a snapshot. When the active session no longer
// resolves, the first session id in sorted order becomes active, or
// DefaultSessionID when the snapshot is empty.
func (s *Store) ReplaceSessions(sessions map[string][]model.ChatEntry) {
	s.mu.Lock()
	s.sessions = model.CloneSessions(sessions)
	if _, ok := s.sessions[s.active]; !ok {
		if keys := sortedKeys(s.sessions); len(keys) > 0 {
			s.active = keys[0]
		} else {
			s.active = DefaultSessionID
		}
	}
	s.ensureLocked(s.active)
	active := s.active
	s.rev++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReplace, SessionID: active})
}

// ResetAllSessions drops every session and activates DefaultSessionID.
func (s *Store) ResetAllSessions() {
	s.mu.Lock()
	s.sessions = make(map[string][]model.ChatEntry)
	s.active = DefaultSessionID
	s.ensureLocked(s.active)
	s.rev++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReset, SessionID: DefaultSessionID})
}

// =============================================================================
// PERSONA
// =============================================================================

// SystemPrompt returns the current persona prompt.
func (s *Store) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// SetSystemPrompt updates the persona prompt and regenerates index 0 of every
// session whose first entry is a system entry. The rest of each history is
// preserved.
func (s *Store) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.prompt = prompt
	for id, history := range s.sessions {
		if len(history) > 0 && history[0].Role == model.RoleSystem {
			history[0] = s.systemEntryLocked(id)
		}
	}
	s.rev++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePrompt})
}

// WatchPersona applies src's prompt immediately and on every change until the
// returned func is called.
func (s *Store) WatchPersona(src PromptSource) (stop func()) {
	dispose := src.OnSystemPromptChange(s.SetSystemPrompt)
	s.SetSystemPrompt(src.SystemPrompt())
	return dispose
}

// =============================================================================
// CALLBACKS
// =============================================================================

// OnChange registers fn for every mutation. Callbacks run outside the lock.
func (s *Store) OnChange(fn func(Change)) (dispose func()) {
	return s.changes.Add(fn)
}

func (s *Store) notify(c Change) {
	s.changes.EachIsolated(s.logger, "session-change", func(fn func(Change)) error {
		fn(c)
		return nil
	})
}

// IsDirty reports whether the store changed since the last MarkClean.
func (s *Store) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev != s.saved
}

// Revision returns a counter that advances on every mutation.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// MarkClean records that the current state has been persisted.
func (s *Store) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = s.rev
}

// MarkCleanAt records that the state at rev has been persisted. Mutations
// after rev keep the store dirty.
func (s *Store) MarkCleanAt(rev uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rev > s.saved {
		s.saved = rev
	}
}

func sortedKeys(m map[string][]model.ChatEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
